package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// CommandExecutor applies decoded commands. *engine.Manager implements it.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd engine.Command) error
}

// Disposition is what happens to a delivery after it was handled.
type Disposition int

const (
	// DispositionAck removes the delivery from the queue.
	DispositionAck Disposition = iota

	// DispositionRequeue returns the delivery to the queue for another attempt.
	DispositionRequeue

	// DispositionDrop rejects the delivery without requeueing it.
	DispositionDrop
)

func (d Disposition) String() string {
	switch d {
	case DispositionAck:
		return "ack"
	case DispositionRequeue:
		return "requeue"
	case DispositionDrop:
		return "drop"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// DispositionFor maps the outcome of a command to a delivery disposition.
// A command for an unknown process is requeued, since the result may arrive
// before the process is visible. Other permanent failures are dropped.
func DispositionFor(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, engine.ErrNotFound):
		return DispositionRequeue
	case engine.IsPermanent(err):
		return DispositionDrop
	default:
		return DispositionRequeue
	}
}

// ConsumerConfig configures a CommandConsumer.
type ConsumerConfig struct {
	// Queue is the durable queue commands are read from.
	Queue string

	// Exchange, when set, is declared and bound to Queue with one routing
	// key per command type.
	Exchange string

	// Prefetch bounds unacknowledged deliveries.
	Prefetch int

	// HandleTimeout bounds the handling of one delivery.
	HandleTimeout time.Duration

	// RequeueDelay is waited before a delivery is returned to the queue.
	RequeueDelay time.Duration
}

// CommandConsumer reads provisioner results from a queue and applies them as
// engine commands. The command type is the message type, or the routing key
// when the message carries none.
type CommandConsumer struct {
	conn     *Connection
	config   ConsumerConfig
	executor CommandExecutor
	logger   *telemetry.Logger
}

// NewCommandConsumer creates a consumer applying commands through executor.
func NewCommandConsumer(conn *Connection, cfg ConsumerConfig, executor CommandExecutor, logger *telemetry.Logger) *CommandConsumer {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = time.Second
	}
	return &CommandConsumer{
		conn:     conn,
		config:   cfg,
		executor: executor,
		logger:   logger.NewComponentLogger("amqp-commands"),
	}
}

// CommandTypes are the routing keys the consumer binds.
var CommandTypes = []engine.CommandType{
	engine.CommandAddProvisionedResource,
	engine.CommandDeprovisionComplete,
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *CommandConsumer) Run(ctx context.Context) error {
	deliveries, err := c.setup()
	if err != nil {
		return err
	}

	c.logger.WithField("queue", c.config.Queue).Info("Consuming commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("command delivery channel closed")
			}
			disposition := c.Handle(ctx, d)
			if disposition == DispositionRequeue {
				c.pause(ctx)
			}
			c.settle(d, disposition)
		}
	}
}

func (c *CommandConsumer) setup() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(c.config.Queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", c.config.Queue, err)
	}

	if c.config.Exchange != "" {
		if err := ch.ExchangeDeclare(c.config.Exchange, ExchangeKind, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", c.config.Exchange, err)
		}
		for _, t := range CommandTypes {
			if err := ch.QueueBind(q.Name, string(t), c.config.Exchange, false, nil); err != nil {
				return nil, fmt.Errorf("failed to bind %s: %w", t, err)
			}
		}
	}

	if c.config.Prefetch > 0 {
		if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", q.Name, err)
	}
	return deliveries, nil
}

// Handle decodes and executes one delivery and returns its disposition.
func (c *CommandConsumer) Handle(ctx context.Context, d amqp.Delivery) Disposition {
	commandType := d.Type
	if commandType == "" {
		commandType = d.RoutingKey
	}

	logger := c.logger.WithField("command", commandType).WithField("delivery_tag", d.DeliveryTag)

	cmd, err := engine.DecodeCommand(engine.CommandType(commandType), d.Body)
	if err != nil {
		logger.WithError(err).Warn("Dropping undecodable command")
		return DispositionDrop
	}

	ctx = telemetry.ExtractTraceContext(ctx, carrierFromHeaders(d.Headers))
	ctx, cancel := context.WithTimeout(ctx, c.config.HandleTimeout)
	defer cancel()

	err = c.executor.Execute(ctx, cmd)
	disposition := DispositionFor(err)
	if err != nil {
		logger.WithProcessID(cmd.ProcessID()).
			WithError(err).
			WithField("disposition", disposition.String()).
			Warn("Command failed")
	}
	return disposition
}

// pause holds a delivery back briefly so a requeued command is not
// redelivered in a tight loop.
func (c *CommandConsumer) pause(ctx context.Context) {
	t := time.NewTimer(c.config.RequeueDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *CommandConsumer) settle(d amqp.Delivery, disposition Disposition) {
	var err error
	switch disposition {
	case DispositionAck:
		err = d.Ack(false)
	case DispositionRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.WithError(err).WithField("delivery_tag", d.DeliveryTag).Error("Failed to settle delivery")
	}
}
