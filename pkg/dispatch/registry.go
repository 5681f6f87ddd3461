package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// Dispatcher delivers protocol messages over one transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg engine.RemoteMessage) (*engine.Ack, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg engine.RemoteMessage) (*engine.Ack, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, msg engine.RemoteMessage) (*engine.Ack, error) {
	return f(ctx, msg)
}

// Registry routes messages to the dispatcher registered for their protocol.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
	logger      *telemetry.Logger
}

var _ engine.DispatcherRegistry = (*Registry)(nil)

// NewRegistry creates an empty dispatcher registry.
func NewRegistry(logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
		logger:      logger.NewComponentLogger("dispatcher"),
	}
}

// Register sets the dispatcher for protocol, replacing any previous one.
func (r *Registry) Register(protocol string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[protocol] = d
}

// Send implements engine.DispatcherRegistry.
func (r *Registry) Send(ctx context.Context, protocol string, msg engine.RemoteMessage) (*engine.Ack, error) {
	r.mu.RLock()
	d, ok := r.dispatchers[protocol]
	r.mu.RUnlock()

	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("no dispatcher for protocol %q", protocol), nil).
			WithCode(engine.ErrCodeDispatchFailed).
			WithProcess(msg.ProcessID)
	}

	ack, err := d.Dispatch(ctx, msg)
	if err != nil {
		r.logger.WithProcessID(msg.ProcessID).
			WithField("message", string(msg.Type)).
			WithField("protocol", protocol).
			WithError(err).
			Debug("Dispatch failed")
		return nil, err
	}
	return ack, nil
}
