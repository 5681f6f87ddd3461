package amqp

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// EventMessage is the body of a published lifecycle event.
type EventMessage struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ProcessID     string    `json:"process_id"`
	ProcessType   string    `json:"process_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	AssetID       string    `json:"asset_id,omitempty"`
	ContractID    string    `json:"contract_id,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEventMessage builds the message published for e.
func NewEventMessage(e engine.Event) EventMessage {
	msg := EventMessage{
		ID:        uuid.NewString(),
		Type:      string(e.Type),
		From:      e.From.String(),
		To:        e.To.String(),
		Timestamp: e.Timestamp,
	}
	if p := e.Process; p != nil {
		msg.ProcessID = p.ID
		msg.ProcessType = string(p.Type)
		msg.CorrelationID = p.CorrelationID
		msg.AssetID = p.AssetID
		msg.ContractID = p.ContractID
		msg.ErrorDetail = p.ErrorDetail
	}
	return msg
}

// EventListener publishes lifecycle events to an exchange, routed by event
// type, e.g. transfer.started.
type EventListener struct {
	publisher *Publisher
	exchange  string
	timeout   time.Duration
}

var _ engine.Listener = (*EventListener)(nil)

// NewEventListener creates a listener publishing to exchange.
func NewEventListener(publisher *Publisher, exchange string, timeout time.Duration) *EventListener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventListener{publisher: publisher, exchange: exchange, timeout: timeout}
}

// OnEvent implements engine.Listener.
func (l *EventListener) OnEvent(ctx context.Context, e engine.Event) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.publisher.Publish(ctx, l.exchange, string(e.Type), string(e.Type), NewEventMessage(e))
}
