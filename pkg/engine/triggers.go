package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// InitiateConsumer creates a consumer process that will request the transfer
// from the counterparty.
func (m *Manager) InitiateConsumer(ctx context.Context, req TransferRequest) (*TransferProcess, error) {
	return m.initiate(ctx, ProcessTypeConsumer, req)
}

// InitiateProvider creates the provider side of a transfer requested by a
// consumer. Repeated requests with the same correlation id return the
// existing process.
func (m *Manager) InitiateProvider(ctx context.Context, req TransferRequest) (*TransferProcess, error) {
	if req.CorrelationID == "" {
		return nil, NewPermanentError("provider processes require a correlation id", nil).
			WithCode(ErrCodeValidation).
			WithOperation("initiate_provider")
	}

	existing, err := m.store.FindByCorrelationID(ctx, req.CorrelationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return m.initiate(ctx, ProcessTypeProvider, req)
}

func (m *Manager) initiate(ctx context.Context, processType ProcessType, req TransferRequest) (*TransferProcess, error) {
	if err := m.commands.validate.Struct(req); err != nil {
		return nil, NewPermanentError("invalid transfer request", err).
			WithCode(ErrCodeValidation).
			WithOperation("initiate")
	}

	now := m.clock.Now()
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	p := &TransferProcess{
		ID:                  id,
		Type:                processType,
		State:               StateInitial,
		StateTimestamp:      now,
		NextAttemptAt:       now,
		CorrelationID:       req.CorrelationID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		AssetID:             req.AssetID,
		ContractID:          req.ContractID,
		CallbackAddresses:   append([]string(nil), req.CallbackAddresses...),
		DataDestination:     req.DataDestination.Clone(),
		TraceContext:        telemetry.InjectTraceContext(ctx),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create transfer process: %w", err)
	}

	m.logger.WithProcessID(p.ID).WithField("type", string(processType)).Info("transfer process initiated")
	m.notify(ctx, StateUnknown, p)
	return p, nil
}

// Get returns the process with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*TransferProcess, error) {
	return m.store.FindByID(ctx, id)
}

// List returns processes matching opts.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*TransferProcess, error) {
	return m.store.List(ctx, opts)
}

// Terminate asks the engine to terminate the process with the given reason.
func (m *Manager) Terminate(ctx context.Context, id, reason string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "terminate", StateTerminating, nil,
		[]State{StateTerminating, StateTerminated},
		func(p *TransferProcess) { p.SetErrorDetail(reason) })
}

// Complete asks the engine to complete a started transfer.
func (m *Manager) Complete(ctx context.Context, id string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "complete", StateCompleting,
		[]State{StateStarted},
		[]State{StateCompleting, StateCompleted}, nil)
}

// Suspend asks the engine to suspend a started transfer.
func (m *Manager) Suspend(ctx context.Context, id string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "suspend", StateSuspending,
		[]State{StateStarted},
		[]State{StateSuspending, StateSuspended}, nil)
}

// Resume continues a suspended transfer. Providers restart the data flow.
func (m *Manager) Resume(ctx context.Context, id string) (*TransferProcess, error) {
	p, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	target := StateStarted
	if !p.IsConsumer() {
		target = StateStarting
	}
	return m.trigger(ctx, id, "resume", target,
		[]State{StateSuspended},
		[]State{StateStarting, StateStarted}, nil)
}

// Deprovision releases the resources of a completed or terminated process.
func (m *Manager) Deprovision(ctx context.Context, id string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "deprovision", StateDeprovisioning,
		[]State{StateCompleted, StateTerminated},
		[]State{StateDeprovisioning, StateDeprovisioned}, nil)
}

// NotifyStarted records that the counterparty started the transfer. A consumer
// receives the address to read the data from, if the transfer is a pull.
func (m *Manager) NotifyStarted(ctx context.Context, id string, address *DataAddress) (*TransferProcess, error) {
	return m.trigger(ctx, id, "notify_started", StateStarted,
		[]State{StateRequested, StateSuspended},
		[]State{StateStarted},
		func(p *TransferProcess) {
			if p.IsConsumer() && address != nil {
				p.ContentDataAddress = address.Clone()
			}
		})
}

// NotifyCompleted records that the counterparty completed the transfer.
func (m *Manager) NotifyCompleted(ctx context.Context, id string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "notify_completed", StateCompleted,
		[]State{StateStarted, StateCompleting},
		[]State{StateCompleted}, nil)
}

// NotifySuspended records that the counterparty suspended the transfer.
func (m *Manager) NotifySuspended(ctx context.Context, id string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "notify_suspended", StateSuspended,
		[]State{StateStarted, StateSuspending},
		[]State{StateSuspended}, nil)
}

// NotifyTerminated records that the counterparty terminated the transfer. No
// termination message is sent back.
func (m *Manager) NotifyTerminated(ctx context.Context, id, reason string) (*TransferProcess, error) {
	return m.trigger(ctx, id, "notify_terminated", StateTerminating, nil,
		[]State{StateTerminating, StateTerminated},
		func(p *TransferProcess) {
			p.RemoteTerminated = true
			p.SetErrorDetail(reason)
		})
}

// trigger moves a process to target on behalf of an external caller. It is a
// no-op when the process is already in one of the settled states. A nil from
// list accepts every state the transition graph allows.
func (m *Manager) trigger(
	ctx context.Context,
	id string,
	operation string,
	target State,
	from []State,
	settled []State,
	prepare func(*TransferProcess),
) (*TransferProcess, error) {
	return m.mutate(ctx, id, operation, func(p *TransferProcess) (bool, error) {
		if containsState(settled, p.State) {
			return false, nil
		}
		if (from != nil && !containsState(from, p.State)) || !p.State.CanTransitionTo(target) {
			return false, NewPermanentError(fmt.Sprintf("cannot %s a process in state %s", operation, p.State), nil).
				WithCode(ErrCodeInvalidTransition).
				WithProcess(p.ID).
				WithOperation(operation)
		}
		if prepare != nil {
			prepare(p)
		}
		if err := p.TransitionTo(target, m.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
