package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/observability"
	"chat-client/internal/telemetry"
)

const appID = "chat-client"

// ErrClosed is returned by Publish after the broker connection went away.
var ErrClosed = errors.New("amqp connection closed")

// Publisher publishes audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher dials the broker and declares the audit exchange. Without a URL,
// or when the broker cannot be reached, audit events are only logged.
func NewPublisher(amqpURL, exchange string, log *zap.Logger) Publisher {
	log = logger.OrNop(log).With(zap.String("component", "rabbitmq"))
	if amqpURL == "" {
		return newNoop("empty amqp url", log)
	}

	conn, ch, err := dial(amqpURL, exchange)
	if err != nil {
		return newNoop(err.Error(), log)
	}

	p := &amqpPublisher{conn: conn, ch: ch, exchange: exchange, log: log}
	go p.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	log.Info("audit publisher connected", zap.String("exchange", exchange))
	return p
}

func dial(amqpURL, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(amqpURL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": appID},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return conn, ch, nil
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	closed   atomic.Bool
	log      *zap.Logger
}

func (p *amqpPublisher) watch(closes <-chan *amqp.Error) {
	if err, ok := <-closes; ok && err != nil {
		p.log.Warn("audit broker connection lost", zap.Int("code", err.Code), zap.String("reason", err.Reason))
	}
	p.closed.Store(true)
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	if p.closed.Load() {
		observability.IncAMQPPublishError()
		return ErrClosed
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		AppId:        appID,
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.closed.Store(true)
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.log.Debug("close channel", zap.Error(err))
	}
	if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// noopPublisher logs events instead of publishing them.
type noopPublisher struct {
	reason string
	log    *zap.Logger
}

func newNoop(reason string, log *zap.Logger) noopPublisher {
	log.Info("audit publishing disabled", zap.String("reason", reason))
	return noopPublisher{reason: reason, log: log}
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	fields := []zap.Field{zap.String("routing_key", routingKey)}
	if envelope, ok := event.(telemetry.AuditEnvelope); ok {
		fields = append(fields,
			zap.String("event_type", envelope.EventType),
			zap.String("session_id", envelope.SessionID),
			zap.String("group_id", envelope.GroupID),
		)
	}
	p.log.Debug("audit event not published", fields...)
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports "amqp" or "noop" for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	}
	return "unknown"
}

func PublisherNoopReason(p Publisher) string {
	if noop, ok := p.(noopPublisher); ok {
		return noop.reason
	}
	return ""
}
