package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle event routed to asynchronous subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type, e.g. "transfer.started".
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ProcessID is the transfer process the event is about.
	ProcessID string `json:"process_id,omitempty"`

	// State is the state the process entered.
	State string `json:"state,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned by Publish when the async buffer is full.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher routes events to subscribers, asynchronously when configured.
type EventPublisher struct {
	config      EventsConfig
	logger      *Logger
	buffer      chan Event
	subscribers map[string]subscriberEntry
	order       []string
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger *Logger) (*EventPublisher, error) {
	if logger == nil {
		logger = NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		logger:      logger.NewComponentLogger("event-router"),
		subscribers: make(map[string]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.MaxBatchSize <= 0 {
			ep.config.MaxBatchSize = 1
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish routes an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return ErrPublisherStopped
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return ErrPublisherStopped
		default:
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber and returns its id.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := uuid.New().String()
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}
	ep.order = append(ep.order, id)
	return id
}

// Unsubscribe removes a subscriber.
func (ep *EventPublisher) Unsubscribe(id string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	delete(ep.subscribers, id)
	for i, existing := range ep.order {
		if existing == id {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers, isolating subscriber panics.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, 0, len(ep.order))
	for _, id := range ep.order {
		entries = append(entries, ep.subscribers[id])
	}
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		ep.safeDeliver(entry.subscriber, event)
	}
}

func (ep *EventPublisher) safeDeliver(subscriber EventSubscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.WithField("event_type", event.Type).
				WithError(fmt.Errorf("panic: %v", r)).
				Error("event subscriber panicked")
		}
	}()
	subscriber(event)
}

// Shutdown stops accepting events and waits for buffered events to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByProcessID creates a filter that only allows events for one transfer process.
func FilterByProcessID(processID string) EventFilter {
	return func(event Event) bool {
		return event.ProcessID == processID
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}
