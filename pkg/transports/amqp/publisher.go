package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Publisher publishes JSON messages to topic exchanges. Exchanges are
// declared once per channel; a failed publish reopens the channel and is
// retried once.
type Publisher struct {
	conn   *Connection
	logger *telemetry.Logger
	now    func() time.Time

	mu       sync.Mutex
	declared map[string]bool
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn *Connection, logger *telemetry.Logger) *Publisher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Publisher{
		conn:     conn,
		logger:   logger.NewComponentLogger("amqp-publisher"),
		now:      func() time.Time { return time.Now().UTC() },
		declared: make(map[string]bool),
	}
}

// Publish marshals body and publishes it with the current trace context in
// the message headers.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey, messageType string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         messageType,
		Timestamp:    p.now(),
		Headers:      headersFromCarrier(telemetry.InjectTraceContext(ctx)),
		Body:         payload,
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err = p.publish(ctx, ch, exchange, routingKey, msg); err == nil {
		return nil
	}

	p.logger.WithError(err).
		WithField("exchange", exchange).
		WithField("routing_key", routingKey).
		Warn("Publish failed, reopening channel")

	p.mu.Lock()
	p.declared = make(map[string]bool)
	p.mu.Unlock()

	ch, reopenErr := p.conn.Reopen()
	if reopenErr != nil {
		return fmt.Errorf("publish to %s failed: %w", exchange, err)
	}
	return p.publish(ctx, ch, exchange, routingKey, msg)
}

func (p *Publisher) publish(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := p.declare(ch, exchange); err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (p *Publisher) declare(ch Channel, exchange string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[exchange] {
		return nil
	}
	if err := ch.ExchangeDeclare(exchange, ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	p.declared[exchange] = true
	return nil
}

func headersFromCarrier(carrier map[string]string) amqp.Table {
	if len(carrier) == 0 {
		return nil
	}
	headers := make(amqp.Table, len(carrier))
	for k, v := range carrier {
		headers[k] = v
	}
	return headers
}

func carrierFromHeaders(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	carrier := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return carrier
}
