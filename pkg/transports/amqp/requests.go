package amqp

import (
	"context"

	"github.com/openfroyo/conveyor/pkg/provision"
)

// RequestPublisher sends provisioning requests to external provisioners.
// Requests are routed as provision.<operation>.<resource type>.
type RequestPublisher struct {
	publisher *Publisher
	exchange  string
}

var _ provision.RequestPublisher = (*RequestPublisher)(nil)

// NewRequestPublisher creates a request publisher on exchange.
func NewRequestPublisher(publisher *Publisher, exchange string) *RequestPublisher {
	return &RequestPublisher{publisher: publisher, exchange: exchange}
}

// RoutingKey returns the routing key of req.
func RoutingKey(req provision.Request) string {
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = "unknown"
	}
	return "provision." + req.Operation + "." + resourceType
}

// PublishRequest implements provision.RequestPublisher.
func (r *RequestPublisher) PublishRequest(ctx context.Context, req provision.Request) error {
	return r.publisher.Publish(ctx, r.exchange, RoutingKey(req), "provision-request", req)
}
