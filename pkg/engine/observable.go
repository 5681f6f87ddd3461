package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// EventType names a transfer process lifecycle event.
type EventType string

// EventTypeFor returns the event type emitted when a process enters state.
func EventTypeFor(state State) EventType {
	return EventType("transfer." + strings.ToLower(state.String()))
}

// Event types for the states listeners most commonly react to.
var (
	EventProvisioned   = EventTypeFor(StateProvisioned)
	EventRequested     = EventTypeFor(StateRequested)
	EventStarted       = EventTypeFor(StateStarted)
	EventSuspended     = EventTypeFor(StateSuspended)
	EventCompleted     = EventTypeFor(StateCompleted)
	EventTerminated    = EventTypeFor(StateTerminated)
	EventDeprovisioned = EventTypeFor(StateDeprovisioned)
)

// Event describes a state transition of a transfer process.
type Event struct {
	Type EventType
	From State
	To   State

	// Process is a snapshot taken after the transition was persisted.
	Process *TransferProcess

	Timestamp time.Time
}

// Listener receives lifecycle events. Listeners run synchronously on the
// goroutine that persisted the transition and must not block for long.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type namedListener struct {
	name     string
	listener Listener
}

// Observable fans lifecycle events out to registered listeners. A failing or
// panicking listener is logged and never affects the others or the engine.
type Observable struct {
	mu        sync.RWMutex
	listeners []namedListener
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// NewObservable creates an observable with no listeners.
func NewObservable(logger *telemetry.Logger, metrics *telemetry.Metrics) *Observable {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Observable{
		logger:  logger.NewComponentLogger("observable"),
		metrics: metrics,
	}
}

// Register adds a listener. Listeners are notified in registration order.
func (o *Observable) Register(name string, l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, namedListener{name: name, listener: l})
}

// Unregister removes every listener registered under name.
func (o *Observable) Unregister(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.listeners[:0]
	for _, nl := range o.listeners {
		if nl.name != name {
			kept = append(kept, nl)
		}
	}
	o.listeners = kept
}

// Notify delivers event to every listener.
func (o *Observable) Notify(ctx context.Context, event Event) {
	o.mu.RLock()
	listeners := append([]namedListener(nil), o.listeners...)
	o.mu.RUnlock()

	for _, nl := range listeners {
		if err := o.deliver(ctx, nl, event); err != nil {
			o.metrics.RecordListenerError(nl.name)
			o.logger.WithField("listener", nl.name).
				WithField("event_type", string(event.Type)).
				WithProcessID(event.Process.ID).
				WithError(err).
				Warn("listener failed")
		}
	}
}

func (o *Observable) deliver(ctx context.Context, nl namedListener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	event.Process = event.Process.Clone()
	return nl.listener.OnEvent(ctx, event)
}
