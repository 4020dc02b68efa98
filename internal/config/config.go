package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Store drivers.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds every setting read from the environment.
type Config struct {
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        uint16 `env:"PORT" envDefault:"3000"`
	SocketPath  string `env:"SOCKET_PATH" envDefault:"/socket"`
	StatusPath  string `env:"STATUS_PATH" envDefault:"/status"`
	DebugRoutes bool   `env:"DEBUG_ROUTES" envDefault:"false"`

	StoreDriver    string `env:"STORE_DRIVER" envDefault:"file"`
	DataDir        string `env:"DATA_DIR" envDefault:"data"`
	DatabaseDSN    string `env:"DB_DSN"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"relay:"`

	EventsDriver      string `env:"EVENTS_DRIVER" envDefault:"none"`
	AMQPURL           string `env:"AMQP_URL"`
	AMQPExchange      string `env:"AMQP_EXCHANGE" envDefault:"relay.events"`
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"relay"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"relay-service"`
	Environment  string `env:"ENVIRONMENT" envDefault:"development"`

	WSMaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"1048576"`
	WSRateBurst      int           `env:"WS_RATE_BURST" envDefault:"50"`
	WSRateInterval   time.Duration `env:"WS_RATE_INTERVAL" envDefault:"1s"`
	OfflineOnClose   bool          `env:"OFFLINE_ON_CLOSE" envDefault:"true"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool          `env:"LOG_DEVELOPMENT" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	var errs []error

	if !strings.HasPrefix(c.SocketPath, "/") {
		errs = append(errs, fmt.Errorf("SOCKET_PATH must start with /: %q", c.SocketPath))
	}
	if !strings.HasPrefix(c.StatusPath, "/") {
		errs = append(errs, fmt.Errorf("STATUS_PATH must start with /: %q", c.StatusPath))
	}
	if c.SocketPath == c.StatusPath {
		errs = append(errs, errors.New("SOCKET_PATH and STATUS_PATH must differ"))
	}

	switch c.StoreDriver {
	case StoreFile:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the file store"))
		}
	case StorePostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.EventsDriver {
	case "none", "amqp", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_DRIVER %q", c.EventsDriver))
	}

	if c.WSMaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.WSRateBurst < 0 || c.WSRateInterval < 0 {
		errs = append(errs, errors.New("WS_RATE_BURST and WS_RATE_INTERVAL must not be negative"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.FormatUint(uint64(c.Port), 10)
}
