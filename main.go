package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"relay-service/internal/chats"
	"relay-service/internal/config"
	"relay-service/internal/db"
	"relay-service/internal/handlers"
	"relay-service/internal/middleware"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/reconcile"
	"relay-service/internal/repositories"
	"relay-service/internal/router"
	"relay-service/internal/telemetry"
	"relay-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("cannot create logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Infow("relay is starting", "store", cfg.StoreDriver, "events", cfg.EventsDriver, "addr", cfg.Addr())

	ctx := context.Background()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		sugar.Fatalf("cannot init tracing: %v", err)
	}

	publisher := observability.NewPublisher(observability.PublisherConfig{
		Driver:        cfg.EventsDriver,
		AMQPURL:       cfg.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
		NATSURL:       cfg.NATSURL,
		SubjectPrefix: cfg.NATSSubjectPrefix,
	}, sugar)
	observability.SetPublisher(publisher)
	sugar.Infow("event publisher ready", "mode", observability.PublisherMode(publisher), "noop_reason", observability.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, telemetry.AuditRoutingKey, cfg.ServiceName, cfg.Environment, sugar)

	store, err := openStore(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("cannot open %s store: %v", cfg.StoreDriver, err)
	}
	gateway := repositories.NewGateway(store, sugar)

	hub := ws.NewHub(sugar)
	presenceRegistry := presence.NewRegistry(gateway.LoadUsers(ctx), gateway, hub, sugar)
	chatRegistry := chats.NewRegistry(gateway.LoadChats(ctx), gateway, hub, presenceRegistry, sugar)
	messageLog := router.NewMessageLog(gateway.LoadMessages(ctx))
	messageRouter := router.New(messageLog, chatRegistry, presenceRegistry, hub, gateway, sugar)
	engine := reconcile.NewEngine(presenceRegistry, chatRegistry, messageLog, hub)
	sugar.Infow("state loaded", "users", len(presenceRegistry.All()), "messages", messageLog.Len())

	supervisor := ws.NewSupervisor(hub, ws.Components{
		Presence: presenceRegistry,
		Chats:    chatRegistry,
		Router:   messageRouter,
		Engine:   engine,
	}, sugar, ws.WithOfflineOnClose(cfg.OfflineOnClose), ws.WithAudit(audit))
	socketHandler := ws.NewHandler(hub, supervisor, ws.Limits{
		MaxMessageSize: cfg.WSMaxMessageSize,
		RateBurst:      cfg.WSRateBurst,
		RateInterval:   cfg.WSRateInterval,
	}, sugar)

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	engineHTTP := gin.New()
	engineHTTP.Use(gin.Recovery())
	engineHTTP.Use(otelgin.Middleware(cfg.ServiceName))
	engineHTTP.Use(middleware.RequestID())
	engineHTTP.Use(observability.HTTPMetricsMiddleware())

	engineHTTP.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engineHTTP.GET(cfg.StatusPath, handlers.Status)
	engineHTTP.GET(cfg.SocketPath, socketHandler.Handle)
	handlers.RegisterDebugRoutes(engineHTTP, audit, hub, publisher, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engineHTTP,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("listening", "addr", srv.Addr, "socket_path", cfg.SocketPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	sugar.Infow("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("http shutdown failed", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("socket shutdown incomplete", "error", err)
	}
	if err := gateway.Close(); err != nil {
		sugar.Errorw("persistence flush failed", "error", err)
	}
	if err := publisher.Close(); err != nil {
		sugar.Errorw("publisher close failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		sugar.Errorw("tracer shutdown failed", "error", err)
	}
	sugar.Info("relay stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// openStore opens the configured store. A database store that cannot be
// reached falls back to the file store under DATA_DIR; only a file store that
// cannot be created is an error.
func openStore(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (repositories.SnapshotStore, error) {
	store, err := openDriver(ctx, cfg, logger)
	if err == nil {
		return store, nil
	}
	if cfg.StoreDriver == config.StoreFile {
		return nil, err
	}

	observability.IncPersistenceError(cfg.StoreDriver, "open")
	logger.Errorw("store unavailable, falling back to file store", "driver", cfg.StoreDriver, "data_dir", cfg.DataDir, "error", err)
	return openFileStore(cfg.DataDir)
}

func openDriver(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (repositories.SnapshotStore, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		database, err := db.Connect(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return nil, err
		}
		return repositories.NewPostgresStore(database), nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return repositories.NewRedisStore(client, cfg.RedisKeyPrefix), nil
	default:
		return openFileStore(cfg.DataDir)
	}
}

func openFileStore(dir string) (repositories.SnapshotStore, error) {
	store, err := repositories.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}
