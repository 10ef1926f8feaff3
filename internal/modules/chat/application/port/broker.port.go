package port

import (
	"context"

	"chatRelayWs/internal/modules/chat/domain"
)

// Delivery is one message handed to a consumer. Tag identifies it within the channel
// that delivered it and is what Ack needs.
type Delivery struct {
	Tag         uint64
	Body        []byte
	Redelivered bool
}

// DeliveryHandler receives deliveries from a user's queue, one at a time, in queue order.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Topology owns queue and exchange declarations. Every call is idempotent.
type Topology interface {
	EnsureUserQueue(ctx context.Context, userID string) error
	EnsureGroupExchange(ctx context.Context, groupID string) error
	Bind(ctx context.Context, userID, groupID string) error
	Unbind(ctx context.Context, userID, groupID string) error
	DeleteGroupExchange(ctx context.Context, groupID string) error
}

// Channel is a logical broker connection owned by one user session.
type Channel interface {
	SendDirect(ctx context.Context, msg *domain.Message) error
	SendGroup(ctx context.Context, msg *domain.Message) error
	SendNotice(ctx context.Context, msg *domain.Message) error
	Consume(ctx context.Context, userID string, handler DeliveryHandler) error
	Ack(d Delivery) error
	// Done is closed once the channel can no longer deliver: after Close, or when the
	// broker ended the consumer stream.
	Done() <-chan struct{}
	Close() error
}

// Broker is the process-wide broker connection acting as a channel factory.
type Broker interface {
	OpenChannel(ctx context.Context) (Channel, error)
	Topology() Topology
	Close() error
}
