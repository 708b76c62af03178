package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// EventProducer publishes events on a durable topic exchange.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and declares the exchange.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	p := &EventProducer{conn: conn, exchange: Exchange, logger: logger}
	if err := p.reopen(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// reopen must run with mu held or before the producer is shared.
func (p *EventProducer) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("notify: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("notify: declare exchange %s: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

// Publish sends the event with its type as routing key. A failed publish
// reopens the channel and is tried once more.
func (p *EventProducer) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", event.Type, err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.OperationID + ":" + event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.WarnContext(ctx, "publish failed, reopening channel",
		slog.String("routing_key", event.Type), slog.Any("error", err))
	if reopenErr := p.reopen(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", event.Type, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Fallback logs and drops events. It is used when RabbitMQ is not configured
// or unreachable at startup.
type Fallback struct {
	Logger *slog.Logger
}

func (f Fallback) Publish(ctx context.Context, event Event) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "publish skipped, no broker",
		slog.String("routing_key", event.Type),
		slog.String("operation_id", event.OperationID))
	return nil
}

func (Fallback) Close() {}
