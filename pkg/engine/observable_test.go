package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
	"github.com/openfroyo/conveyor/pkg/telemetry"
)

func TestObservableIsolatesListeners(t *testing.T) {
	o := engine.NewObservable(nil, nil)

	o.Register("panics", engine.ListenerFunc(func(context.Context, engine.Event) error {
		panic("boom")
	}))
	o.Register("fails", engine.ListenerFunc(func(context.Context, engine.Event) error {
		return errors.New("listener down")
	}))
	o.Register("mutates", engine.ListenerFunc(func(_ context.Context, e engine.Event) error {
		e.Process.AssetID = "changed"
		return nil
	}))
	rec := &recorder{}
	o.Register("records", rec)

	p := &engine.TransferProcess{ID: "tp-1", Type: engine.ProcessTypeConsumer, State: engine.StateStarted, AssetID: "asset-1"}
	o.Notify(context.Background(), engine.Event{
		Type:    engine.EventStarted,
		From:    engine.StateRequested,
		To:      engine.StateStarted,
		Process: p,
	})

	if len(rec.events) != 1 {
		t.Fatalf("expected the last listener to be notified, got %d events", len(rec.events))
	}
	if rec.events[0].Process.AssetID != "asset-1" {
		t.Errorf("listener saw another listener's mutation: %q", rec.events[0].Process.AssetID)
	}
	if p.AssetID != "asset-1" {
		t.Errorf("listener mutated the engine's process: %q", p.AssetID)
	}

	o.Unregister("records")
	o.Notify(context.Background(), engine.Event{Type: engine.EventStarted, Process: p})
	if len(rec.events) != 1 {
		t.Errorf("unregistered listener was notified")
	}
}

func TestEventTypeFor(t *testing.T) {
	if got := engine.EventTypeFor(engine.StateDeprovisioned); got != "transfer.deprovisioned" {
		t.Errorf("EventTypeFor(DEPROVISIONED) = %s", got)
	}
	if engine.EventStarted != "transfer.started" {
		t.Errorf("EventStarted = %s", engine.EventStarted)
	}
}

func TestEventRouterListener(t *testing.T) {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true}, nil)
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	defer publisher.Shutdown(context.Background())

	var received []telemetry.Event
	publisher.Subscribe(func(e telemetry.Event) {
		received = append(received, e)
	}, telemetry.FilterByType(string(engine.EventTerminated)))

	o := engine.NewObservable(nil, nil)
	o.Register("router", engine.NewEventRouterListener(publisher))

	p := &engine.TransferProcess{ID: "tp-9", Type: engine.ProcessTypeProvider, State: engine.StateTerminated}
	now := time.Now().UTC()
	o.Notify(context.Background(), engine.Event{Type: engine.EventStarted, From: engine.StateStarting, To: engine.StateStarted, Process: p, Timestamp: now})
	o.Notify(context.Background(), engine.Event{Type: engine.EventTerminated, From: engine.StateTerminating, To: engine.StateTerminated, Process: p, Timestamp: now})

	if len(received) != 1 {
		t.Fatalf("expected one terminated event, got %d", len(received))
	}
	e := received[0]
	if e.ProcessID != "tp-9" || e.State != "TERMINATED" || e.Level != telemetry.EventLevelWarning {
		t.Errorf("unexpected event: %+v", e)
	}
	snapshot, ok := engine.ProcessFromEvent(e)
	if !ok || snapshot.ID != "tp-9" {
		t.Errorf("expected process snapshot in event data, got %v", e.Data["process"])
	}
}
