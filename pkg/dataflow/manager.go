package dataflow

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Address types and properties of the addresses handed to consumers.
const (
	AddressTypeProxy      = "HttpProxy"
	PropertyEndpoint      = "endpoint"
	PropertyAuthType      = "authType"
	PropertyAuthorization = "authorization"
)

// FlowState is the state of one data flow.
type FlowState string

const (
	FlowStarted    FlowState = "STARTED"
	FlowSuspended  FlowState = "SUSPENDED"
	FlowTerminated FlowState = "TERMINATED"
)

// Flow is the data plane view of a provider transfer process.
type Flow struct {
	ProcessID   string
	State       FlowState
	Source      *engine.DataAddress
	Destination *engine.DataAddress
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// Push reports whether data is sent to a consumer destination rather than
// pulled by the consumer.
func (f *Flow) Push() bool {
	return f.Destination != nil
}

// ProcessFinder loads transfer processes. engine.TransferProcessStore
// implements it.
type ProcessFinder interface {
	FindByID(ctx context.Context, id string) (*engine.TransferProcess, error)
}

// Config configures the data flow manager.
type Config struct {
	// PublicEndpoint is the base URL consumers pull data from.
	PublicEndpoint string

	// Processes, when set, is consulted on every pull so flows started by
	// another instance, or before a restart, are served from the store.
	Processes ProcessFinder
}

// Manager implements engine.DataFlowManager. It hands pull consumers a proxy
// address guarded by a per-flow token kept in the vault.
type Manager struct {
	cfg    Config
	vault  engine.Vault
	logger *telemetry.Logger
	now    func() time.Time

	mu    sync.RWMutex
	flows map[string]*Flow
}

var _ engine.DataFlowManager = (*Manager)(nil)

// NewManager creates a data flow manager.
func NewManager(cfg Config, vault engine.Vault, logger *telemetry.Logger) *Manager {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	cfg.PublicEndpoint = strings.TrimSuffix(cfg.PublicEndpoint, "/")
	return &Manager{
		cfg:    cfg,
		vault:  vault,
		logger: logger.NewComponentLogger("dataflow"),
		now:    func() time.Time { return time.Now().UTC() },
		flows:  make(map[string]*Flow),
	}
}

// TokenKey is the vault key of the pull token of a process.
func TokenKey(processID string) string {
	return "dataflow-" + processID
}

// Start implements engine.DataFlowManager. Starting a started flow again
// returns the same address.
func (m *Manager) Start(ctx context.Context, p *engine.TransferProcess) (*engine.DataAddress, error) {
	if p.ContentDataAddress == nil {
		return nil, engine.NewPermanentError("no content address to serve", nil).
			WithCode(engine.ErrCodeValidation).
			WithProcess(p.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	flow, ok := m.flows[p.ID]
	switch {
	case ok && flow.State == FlowTerminated:
		return nil, engine.NewPermanentError("data flow was terminated", nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithProcess(p.ID)
	case !ok:
		flow = &Flow{
			ProcessID:   p.ID,
			Source:      p.ContentDataAddress.Clone(),
			Destination: p.DataDestination.Clone(),
			StartedAt:   now,
		}
		m.flows[p.ID] = flow
	}
	flow.State = FlowStarted
	flow.UpdatedAt = now

	if flow.Push() {
		m.logger.WithProcessID(p.ID).WithField("destination", flow.Destination.Type).Info("Push data flow started")
		return nil, nil
	}

	token, err := m.token(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	m.logger.WithProcessID(p.ID).Info("Pull data flow started")

	return &engine.DataAddress{
		Type: AddressTypeProxy,
		Properties: map[string]string{
			PropertyEndpoint:      m.cfg.PublicEndpoint + "/" + p.ID,
			PropertyAuthType:      "bearer",
			PropertyAuthorization: token,
		},
	}, nil
}

// token returns the pull token of processID, issuing one when none exists.
// Callers hold m.mu.
func (m *Manager) token(ctx context.Context, processID string) (string, error) {
	key := TokenKey(processID)
	token, err := m.vault.Resolve(ctx, key)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return "", engine.NewTransientError("resolve data flow token", err).WithProcess(processID)
	}

	token = uuid.NewString()
	if err := m.vault.Store(ctx, key, token); err != nil {
		return "", engine.NewTransientError("store data flow token", err).WithProcess(processID)
	}
	return token, nil
}

// Suspend implements engine.DataFlowManager.
func (m *Manager) Suspend(_ context.Context, p *engine.TransferProcess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[p.ID]
	if !ok || flow.State == FlowTerminated {
		return nil
	}
	flow.State = FlowSuspended
	flow.UpdatedAt = m.now()
	m.logger.WithProcessID(p.ID).Info("Data flow suspended")
	return nil
}

// Terminate implements engine.DataFlowManager. The pull token is revoked.
func (m *Manager) Terminate(ctx context.Context, p *engine.TransferProcess) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.vault.Delete(ctx, TokenKey(p.ID)); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return engine.NewTransientError("revoke data flow token", err).WithProcess(p.ID)
	}

	flow, ok := m.flows[p.ID]
	if !ok {
		return nil
	}
	flow.State = FlowTerminated
	flow.UpdatedAt = m.now()
	m.logger.WithProcessID(p.ID).Info("Data flow terminated")
	return nil
}

// Flow returns a copy of the flow of processID.
func (m *Manager) Flow(processID string) (Flow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flow, ok := m.flows[processID]
	if !ok {
		return Flow{}, false
	}
	return *flow, true
}

// Authorize checks a pull token and returns the source address to read
// from. Only started flows are served.
func (m *Manager) Authorize(ctx context.Context, processID, token string) (*engine.DataAddress, error) {
	flow, ok, err := m.lookup(ctx, processID)
	if err != nil {
		return nil, err
	}
	if !ok || flow.State != FlowStarted || flow.Push() {
		return nil, engine.NewNotFoundError(processID)
	}
	source := flow.Source.Clone()

	expected, err := m.vault.Resolve(ctx, TokenKey(processID))
	if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return nil, engine.NewPermanentError("invalid data flow token", nil).
			WithCode(engine.ErrCodeRejected).
			WithProcess(processID)
	}
	return source, nil
}

// lookup returns the flow of processID. With a process finder the stored
// process is authoritative and refreshes the cached flow.
func (m *Manager) lookup(ctx context.Context, processID string) (Flow, bool, error) {
	if m.cfg.Processes == nil {
		flow, ok := m.Flow(processID)
		return flow, ok, nil
	}

	p, err := m.cfg.Processes.FindByID(ctx, processID)
	if errors.Is(err, engine.ErrNotFound) {
		return Flow{}, false, nil
	}
	if err != nil {
		return Flow{}, false, engine.NewTransientError("load transfer process", err).WithProcess(processID)
	}

	state, served := flowStateOf(p)
	if !served || p.ContentDataAddress == nil {
		return Flow{}, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[processID]
	if !ok {
		flow = &Flow{ProcessID: processID, StartedAt: p.StateTimestamp}
		m.flows[processID] = flow
	}
	if flow.State != state {
		flow.UpdatedAt = m.now()
	}
	flow.State = state
	flow.Source = p.ContentDataAddress.Clone()
	flow.Destination = p.DataDestination.Clone()
	return *flow, true, nil
}

// flowStateOf maps a provider process state to its data flow state. The
// second result is false for processes that never had a flow.
func flowStateOf(p *engine.TransferProcess) (FlowState, bool) {
	if p.IsConsumer() {
		return "", false
	}
	switch p.State {
	case engine.StateStarting, engine.StateStarted:
		// A consumer may pull as soon as the start message arrives, which
		// precedes the provider saving STARTED.
		return FlowStarted, true
	case engine.StateSuspending, engine.StateSuspended:
		return FlowSuspended, true
	case engine.StateCompleting, engine.StateCompleted,
		engine.StateTerminating, engine.StateTerminated,
		engine.StateDeprovisioning, engine.StateDeprovisioned:
		return FlowTerminated, true
	default:
		return "", false
	}
}
