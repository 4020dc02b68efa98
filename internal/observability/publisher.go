package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Publisher drivers.
const (
	DriverNone = "none"
	DriverAMQP = "amqp"
	DriverNATS = "nats"
)

type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
	Close() error
}

// PublisherConfig selects and configures the event publisher.
type PublisherConfig struct {
	Driver        string
	AMQPURL       string
	AMQPExchange  string
	NATSURL       string
	SubjectPrefix string
}

// NewPublisher builds the configured publisher, or a noop publisher when the
// driver is disabled or its broker cannot be reached.
func NewPublisher(cfg PublisherConfig, logger *zap.SugaredLogger) Publisher {
	switch cfg.Driver {
	case DriverAMQP:
		p, err := NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warnw("amqp disabled, using noop", "error", err)
			return noopPublisher{reason: err.Error(), logger: logger}
		}
		logger.Infow("amqp connected", "exchange", cfg.AMQPExchange)
		return p
	case DriverNATS:
		p, err := NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			logger.Warnw("nats disabled, using noop", "error", err)
			return noopPublisher{reason: err.Error(), logger: logger}
		}
		logger.Infow("nats connected", "url", cfg.NATSURL)
		return p
	default:
		return noopPublisher{reason: "events driver " + cfg.Driver, logger: logger}
	}
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	p := &AMQPPublisher{conn: conn, exchange: exchange}

	if p.channel, err = conn.Channel(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return p, nil
}

func (p *AMQPPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	body, err := encodeMessage(message)
	if err != nil {
		return err
	}

	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(table))

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// amqpHeaderCarrier lets the trace propagator write into AMQP headers.
type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func encodeMessage(message interface{}) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return body, nil
}

// NATSPublisher publishes envelopes on <prefix>.<routing key> subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}
	conn, err := nats.Connect(url, nats.Name("relay-service"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) subject(routingKey string) string {
	if p.prefix == "" {
		return routingKey
	}
	return p.prefix + "." + routingKey
}

func (p *NATSPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	body, err := encodeMessage(message)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(p.subject(routingKey))
	msg.Data = body
	for key, value := range headers {
		msg.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	return p.conn.PublishMsg(msg)
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

type noopPublisher struct {
	reason string
	logger *zap.SugaredLogger
}

func (p noopPublisher) PublishJSON(_ context.Context, routingKey string, message interface{}, _ map[string]string) error {
	if p.logger == nil {
		return nil
	}
	if envelope, ok := message.(EventEnvelope); ok {
		p.logger.Debugw("noop publish", "routing_key", routingKey, "event_name", envelope.EventName)
		return nil
	}
	p.logger.Debugw("noop publish", "routing_key", routingKey)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *AMQPPublisher:
		return DriverAMQP
	case *NATSPublisher:
		return DriverNATS
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason explains why a noop publisher is in use.
func PublisherNoopReason(p Publisher) string {
	if noop, ok := p.(noopPublisher); ok {
		return noop.reason
	}
	return ""
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends message through the process-wide publisher, if one is set.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.PublishJSON(ctx, routingKey, message, headers)
	if err != nil {
		IncPublishError()
	}
	return err
}
