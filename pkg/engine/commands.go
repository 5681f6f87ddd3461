package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// CommandType identifies a command kind.
type CommandType string

const (
	// CommandAddProvisionedResource reports a resource provisioned asynchronously.
	CommandAddProvisionedResource CommandType = "add-provisioned-resource"

	// CommandDeprovisionComplete reports a resource released asynchronously.
	CommandDeprovisionComplete CommandType = "deprovision-complete"
)

// Command is an asynchronous signal addressed to one transfer process.
type Command interface {
	CommandType() CommandType
	ProcessID() string
}

// AddProvisionedResourceCommand carries the result of an asynchronous provisioning.
type AddProvisionedResourceCommand struct {
	TransferProcessID string              `json:"transfer_process_id" validate:"required"`
	Resource          ProvisionedResource `json:"resource"`
	SecretToken       string              `json:"secret_token,omitempty"`
}

// CommandType implements Command.
func (c *AddProvisionedResourceCommand) CommandType() CommandType {
	return CommandAddProvisionedResource
}

// ProcessID implements Command.
func (c *AddProvisionedResourceCommand) ProcessID() string { return c.TransferProcessID }

// DeprovisionCompleteCommand carries the result of an asynchronous deprovisioning.
type DeprovisionCompleteCommand struct {
	TransferProcessID     string `json:"transfer_process_id" validate:"required"`
	ProvisionedResourceID string `json:"provisioned_resource_id" validate:"required"`

	// Error is set when the provisioner gave up on the resource.
	Error string `json:"error,omitempty"`
}

// CommandType implements Command.
func (c *DeprovisionCompleteCommand) CommandType() CommandType {
	return CommandDeprovisionComplete
}

// ProcessID implements Command.
func (c *DeprovisionCompleteCommand) ProcessID() string { return c.TransferProcessID }

// DecodeCommand decodes a JSON command body of the given type.
func DecodeCommand(commandType CommandType, data []byte) (Command, error) {
	var cmd Command
	switch commandType {
	case CommandAddProvisionedResource:
		cmd = &AddProvisionedResourceCommand{}
	case CommandDeprovisionComplete:
		cmd = &DeprovisionCompleteCommand{}
	default:
		return nil, NewPermanentError(fmt.Sprintf("unknown command type %q", commandType), nil).
			WithCode(ErrCodeValidation)
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, NewPermanentError("malformed command", err).WithCode(ErrCodeValidation)
	}
	return cmd, nil
}

// CommandHandler applies one kind of command.
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) error

// Handle calls f.
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// CommandHandlerRegistry routes commands to their handler by type.
type CommandHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[CommandType]CommandHandler
	validate *validator.Validate
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewCommandHandlerRegistry creates an empty registry.
func NewCommandHandlerRegistry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) *CommandHandlerRegistry {
	return &CommandHandlerRegistry{
		handlers: make(map[CommandType]CommandHandler),
		validate: validator.New(),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Register sets the handler for a command type, replacing any previous one.
func (r *CommandHandlerRegistry) Register(commandType CommandType, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandType] = h
}

// Execute validates cmd and applies it synchronously.
func (r *CommandHandlerRegistry) Execute(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return NewPermanentError("nil command", nil).WithCode(ErrCodeValidation)
	}

	r.mu.RLock()
	h, ok := r.handlers[cmd.CommandType()]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordCommand(string(cmd.CommandType()), "unknown")
		return NewPermanentError(fmt.Sprintf("no handler for command type %q", cmd.CommandType()), nil).
			WithCode(ErrCodeValidation).
			WithProcess(cmd.ProcessID())
	}

	if err := r.validate.Struct(cmd); err != nil {
		r.metrics.RecordCommand(string(cmd.CommandType()), "invalid")
		return NewPermanentError("invalid command", err).
			WithCode(ErrCodeValidation).
			WithProcess(cmd.ProcessID())
	}

	ctx, span := r.tracer.StartCommandSpan(ctx, cmd.ProcessID(), string(cmd.CommandType()))
	defer span.End()

	err := h.Handle(ctx, cmd)
	if err != nil {
		telemetry.RecordError(span, err)
		r.metrics.RecordCommand(string(cmd.CommandType()), "error")
		return err
	}
	telemetry.RecordSuccess(span)
	r.metrics.RecordCommand(string(cmd.CommandType()), "ok")
	return nil
}

// ErrQueueClosed is returned by Enqueue after the queue was stopped.
var ErrQueueClosed = errors.New("command queue closed")

// ErrQueueFull is returned by Enqueue when the target shard has no capacity.
var ErrQueueFull = NewThrottledError("command queue full", nil).WithCode(ErrCodeRateLimited)

type queuedCommand struct {
	ctx    context.Context
	cmd    Command
	result chan error
}

// CommandQueue applies commands asynchronously. Commands for the same process
// always land on the same shard and are applied in enqueue order.
type CommandQueue struct {
	registry *CommandHandlerRegistry
	shards   []chan queuedCommand
	logger   *telemetry.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewCommandQueue creates a queue with the given number of shards, each
// buffering up to size commands.
func NewCommandQueue(registry *CommandHandlerRegistry, shards, size int, logger *telemetry.Logger) *CommandQueue {
	if shards <= 0 {
		shards = DefaultCommandShards
	}
	if size <= 0 {
		size = DefaultCommandQueueSize
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	q := &CommandQueue{
		registry: registry,
		shards:   make([]chan queuedCommand, shards),
		logger:   logger.NewComponentLogger("command-queue"),
	}
	for i := range q.shards {
		q.shards[i] = make(chan queuedCommand, size)
	}
	return q
}

// Start launches one consumer goroutine per shard.
func (q *CommandQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for _, shard := range q.shards {
		q.wg.Add(1)
		go q.consume(shard)
	}
}

// Enqueue schedules cmd and returns a channel that receives its result.
func (q *CommandQueue) Enqueue(ctx context.Context, cmd Command) (<-chan error, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	result := make(chan error, 1)
	item := queuedCommand{ctx: context.WithoutCancel(ctx), cmd: cmd, result: result}
	shard := q.shards[q.shardFor(cmd.ProcessID())]

	select {
	case shard <- item:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
}

// Stop closes the queue and waits for buffered commands to be applied.
func (q *CommandQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, shard := range q.shards {
		close(shard)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining command queue: %w", ctx.Err())
	}
}

func (q *CommandQueue) consume(shard chan queuedCommand) {
	defer q.wg.Done()

	for item := range shard {
		err := q.registry.Execute(item.ctx, item.cmd)
		if err != nil {
			q.logger.WithProcessID(item.cmd.ProcessID()).
				WithField("command", string(item.cmd.CommandType())).
				WithError(err).
				Warn("command failed")
		}
		item.result <- err
	}
}

func (q *CommandQueue) shardFor(processID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(processID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// Enqueue schedules cmd on the manager's command queue.
func (m *Manager) Enqueue(ctx context.Context, cmd Command) (<-chan error, error) {
	return m.queue.Enqueue(ctx, cmd)
}

// Execute applies cmd synchronously, bypassing the queue.
func (m *Manager) Execute(ctx context.Context, cmd Command) error {
	return m.commands.Execute(ctx, cmd)
}

func (m *Manager) defaultCommandHandlers() *CommandHandlerRegistry {
	r := NewCommandHandlerRegistry(m.metrics, m.tracer)
	r.Register(CommandAddProvisionedResource, CommandHandlerFunc(m.handleAddProvisionedResource))
	r.Register(CommandDeprovisionComplete, CommandHandlerFunc(m.handleDeprovisionComplete))
	return r
}

func (m *Manager) handleAddProvisionedResource(ctx context.Context, c Command) error {
	cmd, ok := c.(*AddProvisionedResourceCommand)
	if !ok {
		return NewPermanentError(fmt.Sprintf("unexpected command %T", c), nil).WithCode(ErrCodeValidation)
	}

	_, err := m.mutate(ctx, cmd.TransferProcessID, string(CommandAddProvisionedResource), func(p *TransferProcess) (bool, error) {
		if p.State == StateDeprovisioned {
			return false, NewPermanentError("process already deprovisioned", nil).
				WithCode(ErrCodeValidation).
				WithProcess(p.ID).
				WithDetail("resource_id", cmd.Resource.ID)
		}

		changed, err := m.recordProvisionedResource(ctx, p, cmd.Resource, cmd.SecretToken)
		if err != nil {
			return false, err
		}
		if p.State == StateProvisioning && p.IsProvisioned() {
			if err := p.TransitionTo(StateProvisioned, m.clock.Now()); err != nil {
				return false, err
			}
			return true, nil
		}
		return changed, nil
	})
	return err
}

func (m *Manager) handleDeprovisionComplete(ctx context.Context, c Command) error {
	cmd, ok := c.(*DeprovisionCompleteCommand)
	if !ok {
		return NewPermanentError(fmt.Sprintf("unexpected command %T", c), nil).WithCode(ErrCodeValidation)
	}

	_, err := m.mutate(ctx, cmd.TransferProcessID, string(CommandDeprovisionComplete), func(p *TransferProcess) (bool, error) {
		changed, err := m.recordDeprovisionedResource(ctx, p, cmd.ProvisionedResourceID, cmd.Error)
		if err != nil {
			return false, err
		}
		if p.State == StateDeprovisioning && p.IsFullyDeprovisioned() {
			if err := p.TransitionTo(StateDeprovisioned, m.clock.Now()); err != nil {
				return false, err
			}
			return true, nil
		}
		return changed, nil
	})
	return err
}
