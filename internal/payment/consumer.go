package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openpass/ticketd/internal/domain"
)

// Applier is implemented by the booking service: it applies one normalized
// payment event idempotently.
type Applier interface {
	ApplyPaymentEvent(ctx context.Context, ev *domain.PaymentEvent) error
}

// Consumer ingests payment notifications from a broker queue for deployments
// where the provider pushes to AMQP instead of a webhook. The broker
// connection is authenticated, so unlike the webhook path there is no
// per-message signature to check.
type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewConsumer(url, exchange, queue string, keys []string) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, rk := range keys {
		if err := ch.QueueBind(q.Name, rk, exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("bind %s: %w", rk, err)
		}
	}

	return &Consumer{conn: conn, ch: ch, queue: q.Name}, nil
}

// Run consumes until the context is cancelled or the delivery channel closes.
// Malformed and unknown-kind messages are acked and dropped; transient apply
// failures are nacked for redelivery.
func (c *Consumer) Run(ctx context.Context, applier Applier, logger *slog.Logger) error {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for d := range msgs {
		ev, err := Normalize(d.Body, time.Now().UTC())
		if err != nil {
			// malformed or unknown kind; redelivery cannot fix either
			logger.Warn("dropping payment message", "error", err, "routing_key", d.RoutingKey)
			_ = d.Ack(false)
			continue
		}

		if err := applier.ApplyPaymentEvent(ctx, ev); err != nil {
			logger.Error("apply payment event", "error", err, "external_id", ev.ExternalID)
			_ = d.Nack(false, true)
			continue
		}

		_ = d.Ack(false)
	}

	return nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
