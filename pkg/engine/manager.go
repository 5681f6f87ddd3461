package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Defaults applied to zero Config fields.
const (
	DefaultIterationWait    = time.Second
	DefaultBatchSize        = 20
	DefaultWorkers          = 10
	DefaultRetryLimit       = 7
	DefaultRetryBaseDelay   = time.Second
	DefaultCommandQueueSize = 256
	DefaultCommandShards    = 4
	DefaultCommandRetries   = 5
)

// Config tunes the transfer process manager.
type Config struct {
	// IterationWait is the idle delay after an iteration that processed nothing.
	IterationWait time.Duration `mapstructure:"iteration_wait" validate:"gte=0"`

	// BatchSize is the number of processes leased per state per iteration.
	BatchSize int `mapstructure:"batch_size" validate:"gte=0"`

	// Workers bounds the number of processes handled concurrently.
	Workers int `mapstructure:"workers" validate:"gte=0"`

	// RetryLimit is the number of failed attempts tolerated per state.
	RetryLimit int `mapstructure:"retry_limit" validate:"gte=0"`

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay" validate:"gte=0"`

	// CallbackAddress is sent with transfer requests so the provider can reach us.
	CallbackAddress string `mapstructure:"callback_address"`

	CommandQueueSize int `mapstructure:"command_queue_size" validate:"gte=0"`
	CommandShards    int `mapstructure:"command_shards" validate:"gte=0"`

	// CommandRetries bounds the re-reads a command makes after a version conflict.
	CommandRetries int `mapstructure:"command_retries" validate:"gte=0"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		IterationWait:    DefaultIterationWait,
		BatchSize:        DefaultBatchSize,
		Workers:          DefaultWorkers,
		RetryLimit:       DefaultRetryLimit,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		RetryMaxDelay:    DefaultMaxDelay,
		CommandQueueSize: DefaultCommandQueueSize,
		CommandShards:    DefaultCommandShards,
		CommandRetries:   DefaultCommandRetries,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IterationWait <= 0 {
		c.IterationWait = d.IterationWait
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = d.CommandQueueSize
	}
	if c.CommandShards <= 0 {
		c.CommandShards = d.CommandShards
	}
	if c.CommandRetries <= 0 {
		c.CommandRetries = d.CommandRetries
	}
	return c
}

// Dependencies are the collaborators of a Manager. Store, Manifests, Provisioner,
// Dispatcher, DataFlow, Vault, and Guard are required.
type Dependencies struct {
	Store       TransferProcessStore
	Manifests   ManifestGenerator
	Provisioner ProvisionManager
	Dispatcher  DispatcherRegistry
	DataFlow    DataFlowManager
	Vault       Vault
	Guard       PendingGuard

	// Observable receives lifecycle events. A new one is created when nil.
	Observable *Observable

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Clock   Clock

	// IterationWait overrides the idle wait derived from Config.IterationWait.
	IterationWait WaitStrategy

	// Retry overrides the retry configuration derived from Config.
	Retry *RetryProcessConfiguration
}

// Manager drives transfer processes through their lifecycle. It leases due
// processes from the store, runs the handler of their state, and applies
// asynchronous completion commands.
type Manager struct {
	cfg Config

	store       TransferProcessStore
	manifests   ManifestGenerator
	provisioner ProvisionManager
	dispatcher  DispatcherRegistry
	dataFlow    DataFlowManager
	vault       Vault
	guard       PendingGuard

	observable *Observable
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	clock      Clock
	wait       WaitStrategy
	retry      RetryProcessConfiguration

	handlers map[State]stateHandler
	commands *CommandHandlerRegistry
	queue    *CommandQueue
	pool     *workerPool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager validates the dependencies and builds a manager.
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "store")
	}
	if deps.Manifests == nil {
		missing = append(missing, "manifest generator")
	}
	if deps.Provisioner == nil {
		missing = append(missing, "provision manager")
	}
	if deps.Dispatcher == nil {
		missing = append(missing, "dispatcher registry")
	}
	if deps.DataFlow == nil {
		missing = append(missing, "data flow manager")
	}
	if deps.Vault == nil {
		missing = append(missing, "vault")
	}
	if deps.Guard == nil {
		missing = append(missing, "pending guard")
	}
	if len(missing) > 0 {
		return nil, NewPermanentError(fmt.Sprintf("missing dependencies: %v", missing), nil).
			WithCode(ErrCodeValidation).
			WithOperation("new_manager")
	}

	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	wait := deps.IterationWait
	if wait == nil {
		wait = FixedWaitStrategy(cfg.IterationWait)
	}
	retry := NewRetryProcessConfiguration(cfg.RetryLimit, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	if deps.Retry != nil {
		retry = *deps.Retry
	}
	observable := deps.Observable
	if observable == nil {
		observable = NewObservable(logger, deps.Metrics)
	}

	m := &Manager{
		cfg:         cfg,
		store:       deps.Store,
		manifests:   deps.Manifests,
		provisioner: deps.Provisioner,
		dispatcher:  deps.Dispatcher,
		dataFlow:    deps.DataFlow,
		vault:       deps.Vault,
		guard:       deps.Guard,
		observable:  observable,
		logger:      logger.NewComponentLogger("transfer-manager"),
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		clock:       clock,
		wait:        wait,
		retry:       retry,
		pool:        newWorkerPool(cfg.Workers),
	}
	m.handlers = m.stateHandlers()
	m.commands = m.defaultCommandHandlers()
	m.queue = NewCommandQueue(m.commands, cfg.CommandShards, cfg.CommandQueueSize, m.logger)
	m.observable.Register("metrics", NewMetricsListener(deps.Metrics))

	return m, nil
}

// Observable returns the manager's listener registry.
func (m *Manager) Observable() *Observable {
	return m.observable
}

// Commands returns the registry commands are dispatched through.
func (m *Manager) Commands() *CommandHandlerRegistry {
	return m.commands
}

// Store returns the process store.
func (m *Manager) Store() TransferProcessStore {
	return m.store
}

// Start launches the polling loop and the command queue. It returns
// immediately; call Stop to shut down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("transfer manager already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	m.queue.Start()
	go m.run(loopCtx, m.done)

	m.logger.WithFields(map[string]interface{}{
		"batch_size":     m.cfg.BatchSize,
		"workers":        m.cfg.Workers,
		"retry_limit":    m.retry.Limit,
		"iteration_wait": m.wait.WaitFor().String(),
	}).Info("transfer manager started")
	return nil
}

// Stop stops leasing, waits for in-flight handlers, and drains the command queue.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for transfer manager loop: %w", ctx.Err())
	}

	if err := m.queue.Stop(ctx); err != nil {
		return err
	}
	m.logger.Info("transfer manager stopped")
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		processed, err := m.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Error("iteration failed")
		}
		if ctx.Err() != nil {
			return
		}
		if processed > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.wait.WaitFor()):
		}
	}
}

// ProcessOnce runs one iteration: it re-evaluates pending processes and then
// handles a batch of due processes for every active state, in priority order.
// It returns the number of processes that made progress.
func (m *Manager) ProcessOnce(ctx context.Context) (int, error) {
	processed, err := m.sweepPending(ctx)
	if err != nil {
		return processed, err
	}

	for _, state := range ActiveStates {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		batch, err := m.store.NextNotLeased(ctx, m.cfg.BatchSize, StoreFilter{
			State: state,
			DueBy: m.clock.Now(),
		})
		if err != nil {
			return processed, fmt.Errorf("lease %s processes: %w", state, err)
		}
		m.metrics.RecordLeased(state.String(), len(batch))

		// Handlers run detached from ctx so Stop lets them finish.
		work := context.WithoutCancel(ctx)
		m.pool.run(ctx, batch,
			func(p *TransferProcess) { m.process(work, p) },
			func(p *TransferProcess) { m.release(work, p) },
		)
		processed += len(batch)
	}

	return processed, nil
}

// sweepPending leases pending processes and asks the guard whether each one may
// keep waiting. Released processes count as a failed attempt of their state.
func (m *Manager) sweepPending(ctx context.Context) (int, error) {
	batch, err := m.store.NextNotLeased(ctx, m.cfg.BatchSize, StoreFilter{Pending: true})
	if err != nil {
		return 0, fmt.Errorf("lease pending processes: %w", err)
	}

	released := 0
	for _, p := range batch {
		if m.guard.Hold(ctx, p) {
			m.release(ctx, p)
			continue
		}

		m.logger.WithProcessID(p.ID).WithState(p.State.String()).Info("pending signal overdue")
		from := p.State
		p.Pending = false
		m.onFailure(p, NewTransientError("asynchronous completion not received in time", nil).
			WithCode(ErrCodeTimeout).
			WithProcess(p.ID))
		if m.save(ctx, p) {
			released++
			if p.State != from {
				m.notify(ctx, from, p)
			}
		}
	}
	return released, nil
}

// process runs the handler of p's state and persists the outcome.
func (m *Manager) process(ctx context.Context, p *TransferProcess) {
	handler, ok := m.handlers[p.State]
	if !ok {
		m.release(ctx, p)
		return
	}

	from := p.State
	logger := m.logger.WithProcessID(p.ID).WithState(from.String())

	ctx = telemetry.ExtractTraceContext(ctx, p.TraceContext)
	ctx, span := m.tracer.StartProcessSpan(ctx, p.ID, from.String())
	defer span.End()
	ctx = logger.WithContext(ctx)

	timer := telemetry.NewTimer()
	err := handler(ctx, p)

	outcome := "transitioned"
	switch {
	case err != nil:
		outcome = "failed"
		telemetry.RecordError(span, err)
		logger.WithError(err).Warn("handler failed")
		m.onFailure(p, err)
	case p.State == from && p.Pending:
		outcome = "pending"
		telemetry.RecordSuccess(span)
	default:
		telemetry.RecordSuccess(span)
	}
	m.metrics.RecordHandler(from.String(), outcome, timer.Duration())

	if !m.save(ctx, p) {
		return
	}
	if p.State != from {
		logger.Debugf("transitioned to %s", p.State)
		m.notify(ctx, from, p)
	}
}

// onFailure is the single place failed attempts are accounted for. Permanent
// errors fail the process at once; retryable ones back off until the retry
// limit is exceeded.
func (m *Manager) onFailure(p *TransferProcess, err error) {
	now := m.clock.Now()
	state := p.State.String()
	m.metrics.RecordError(string(classOf(err)))

	if IsPermanent(err) {
		m.metrics.RecordFailure(state, "permanent")
		m.fail(p, err.Error(), now)
		return
	}

	p.StateCount++
	p.StateTimestamp = now
	if m.retry.Exhausted(p.StateCount) {
		m.metrics.RecordFailure(state, "retry_exhausted")
		m.fail(p, fmt.Sprintf("retry limit exceeded in state %s after %d attempts: %v", state, p.StateCount, err), now)
		return
	}

	m.metrics.RecordRetry(state)
	p.NextAttemptAt = now.Add(m.retry.Delay(p.StateCount))
}

// fail records detail and moves p toward its terminal state.
func (m *Manager) fail(p *TransferProcess, detail string, now time.Time) {
	p.SetErrorDetail(detail)

	next := StateTerminating
	switch p.State {
	case StateTerminating:
		next = StateTerminated
	case StateDeprovisioning:
		next = StateDeprovisioned
	}
	if err := p.TransitionTo(next, now); err != nil {
		m.logger.WithProcessID(p.ID).WithError(err).Error("cannot fail process")
	}
}

// save persists p and breaks its lease. A version conflict means a command
// changed p meanwhile; the attempt is dropped and p stays with the newer version.
func (m *Manager) save(ctx context.Context, p *TransferProcess) bool {
	err := m.store.Save(ctx, p)
	if err == nil {
		return true
	}

	logger := m.logger.WithProcessID(p.ID)
	if IsConflict(err) {
		logger.Debug("process modified concurrently, skipping")
	} else {
		logger.WithError(err).Error("failed to save process")
	}
	m.release(ctx, p)
	return false
}

func (m *Manager) release(ctx context.Context, p *TransferProcess) {
	if err := m.store.Release(ctx, p); err != nil {
		m.logger.WithProcessID(p.ID).WithError(err).Warn("failed to release lease")
	}
}

func (m *Manager) notify(ctx context.Context, from State, p *TransferProcess) {
	m.observable.Notify(ctx, Event{
		Type:      EventTypeFor(p.State),
		From:      from,
		To:        p.State,
		Process:   p,
		Timestamp: p.StateTimestamp,
	})
}

// mutate applies change to the latest version of a process and saves it,
// re-reading on version conflicts. change reports whether p was modified.
func (m *Manager) mutate(
	ctx context.Context,
	id string,
	operation string,
	change func(p *TransferProcess) (bool, error),
) (*TransferProcess, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.CommandRetries; attempt++ {
		p, err := m.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		from := p.State
		changed, err := change(p)
		if err != nil {
			return nil, err
		}
		if !changed {
			return p, nil
		}

		if err := m.store.Save(ctx, p); err != nil {
			if IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if p.State != from {
			m.notify(ctx, from, p)
		}
		return p, nil
	}

	return nil, NewConflictError("too many concurrent modifications", lastErr).
		WithCode(ErrCodeConflict).
		WithProcess(id).
		WithOperation(operation)
}
