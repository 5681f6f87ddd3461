package engine

import (
	"context"
	"fmt"
)

// stateHandler advances p by one step. It either transitions p, marks it
// pending, or returns an error for onFailure to account for.
type stateHandler func(ctx context.Context, p *TransferProcess) error

func (m *Manager) stateHandlers() map[State]stateHandler {
	return map[State]stateHandler{
		StateInitial:        m.handleInitial,
		StateProvisioning:   m.handleProvisioning,
		StateProvisioned:    m.handleProvisioned,
		StateRequesting:     m.handleRequesting,
		StateStarting:       m.handleStarting,
		StateSuspending:     m.handleSuspending,
		StateCompleting:     m.handleCompleting,
		StateTerminating:    m.handleTerminating,
		StateDeprovisioning: m.handleDeprovisioning,
	}
}

func (m *Manager) handleInitial(ctx context.Context, p *TransferProcess) error {
	manifest, err := m.manifests.GenerateManifest(ctx, p)
	if err != nil {
		return fmt.Errorf("generate resource manifest: %w", err)
	}
	if manifest == nil {
		manifest = &ResourceManifest{}
	}
	p.ResourceManifest = manifest
	return p.TransitionTo(StateProvisioning, m.clock.Now())
}

func (m *Manager) handleProvisioned(_ context.Context, p *TransferProcess) error {
	if p.IsConsumer() {
		return p.TransitionTo(StateRequesting, m.clock.Now())
	}
	return p.TransitionTo(StateStarting, m.clock.Now())
}

func (m *Manager) handleRequesting(ctx context.Context, p *TransferProcess) error {
	msg := newMessage(MessageTransferRequest, p)
	msg.CallbackAddress = m.cfg.CallbackAddress
	msg.DataDestination = p.DataDestination.Clone()

	ack, err := m.send(ctx, p, msg)
	if err != nil {
		return err
	}
	if ack != nil && ack.ProcessID != "" {
		p.CorrelationID = ack.ProcessID
	}
	return p.TransitionTo(StateRequested, m.clock.Now())
}

func (m *Manager) handleStarting(ctx context.Context, p *TransferProcess) error {
	address, err := m.dataFlow.Start(ctx, p)
	if err != nil {
		return fmt.Errorf("start data flow: %w", err)
	}

	msg := newMessage(MessageTransferStart, p)
	msg.DataAddress = address.Clone()
	if _, err := m.send(ctx, p, msg); err != nil {
		return err
	}
	return p.TransitionTo(StateStarted, m.clock.Now())
}

func (m *Manager) handleSuspending(ctx context.Context, p *TransferProcess) error {
	if !p.IsConsumer() {
		if err := m.dataFlow.Suspend(ctx, p); err != nil {
			return fmt.Errorf("suspend data flow: %w", err)
		}
	}
	if p.CounterPartyKnowsProcess() {
		if _, err := m.send(ctx, p, newMessage(MessageTransferSuspension, p)); err != nil {
			return err
		}
	}
	return p.TransitionTo(StateSuspended, m.clock.Now())
}

func (m *Manager) handleCompleting(ctx context.Context, p *TransferProcess) error {
	if _, err := m.send(ctx, p, newMessage(MessageTransferCompletion, p)); err != nil {
		return err
	}
	return p.TransitionTo(StateCompleted, m.clock.Now())
}

func (m *Manager) handleTerminating(ctx context.Context, p *TransferProcess) error {
	if !p.IsConsumer() {
		if err := m.dataFlow.Terminate(ctx, p); err != nil {
			return fmt.Errorf("terminate data flow: %w", err)
		}
	}
	if !p.RemoteTerminated && p.CounterPartyKnowsProcess() {
		msg := newMessage(MessageTransferTermination, p)
		msg.Reason = p.ErrorDetail
		if _, err := m.send(ctx, p, msg); err != nil {
			return err
		}
	}
	return p.TransitionTo(StateTerminated, m.clock.Now())
}

// send dispatches msg and records the outcome.
func (m *Manager) send(ctx context.Context, p *TransferProcess, msg RemoteMessage) (*Ack, error) {
	ack, err := m.dispatcher.Send(ctx, p.Protocol, msg)
	if err != nil {
		m.metrics.RecordDispatch(p.Protocol, string(msg.Type), "error")
		return nil, fmt.Errorf("send %s to %s: %w", msg.Type, p.CounterPartyAddress, err)
	}
	m.metrics.RecordDispatch(p.Protocol, string(msg.Type), "ok")
	return ack, nil
}

func newMessage(t MessageType, p *TransferProcess) RemoteMessage {
	return RemoteMessage{
		Type:                t,
		ProcessID:           p.ID,
		CorrelationID:       p.CorrelationID,
		CounterPartyAddress: p.CounterPartyAddress,
		Protocol:            p.Protocol,
		AssetID:             p.AssetID,
		ContractID:          p.ContractID,
	}
}
