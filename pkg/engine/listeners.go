package engine

import (
	"context"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

// NewMetricsListener counts transitions in Prometheus.
func NewMetricsListener(metrics *telemetry.Metrics) Listener {
	return ListenerFunc(func(_ context.Context, e Event) error {
		metrics.RecordTransition(string(e.Process.Type), e.From.String(), e.To.String())
		return nil
	})
}

// EventRouterListener forwards lifecycle events to the telemetry event router,
// where asynchronous subscribers pick them up. The process snapshot is passed
// in Data under "process".
type EventRouterListener struct {
	publisher *telemetry.EventPublisher
}

// NewEventRouterListener creates a listener publishing to publisher.
func NewEventRouterListener(publisher *telemetry.EventPublisher) *EventRouterListener {
	return &EventRouterListener{publisher: publisher}
}

// OnEvent implements Listener.
func (l *EventRouterListener) OnEvent(_ context.Context, e Event) error {
	level := telemetry.EventLevelInfo
	if e.To == StateTerminated || e.To == StateTerminating {
		level = telemetry.EventLevelWarning
	}

	return l.publisher.Publish(telemetry.Event{
		Timestamp: e.Timestamp,
		Type:      string(e.Type),
		Source:    "transfer-manager",
		ProcessID: e.Process.ID,
		State:     e.To.String(),
		Message:   e.From.String() + " -> " + e.To.String(),
		Level:     level,
		Data: map[string]interface{}{
			"process": e.Process,
			"type":    string(e.Process.Type),
		},
	})
}

// ProcessFromEvent returns the process snapshot carried by a routed event.
func ProcessFromEvent(e telemetry.Event) (*TransferProcess, bool) {
	p, ok := e.Data["process"].(*TransferProcess)
	return p, ok
}
