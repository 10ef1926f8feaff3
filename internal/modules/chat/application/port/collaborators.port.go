package port

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoSession is returned by a SessionResolver that found no identity for the handshake.
var ErrNoSession = errors.New("no session")

// SocialGraph answers relationship questions owned by the social service.
type SocialGraph interface {
	IsFriend(ctx context.Context, userID, otherID string) (bool, error)
	IsInGroup(ctx context.Context, userID, groupID string) (bool, error)
}

// SessionResolver maps a websocket handshake to the user it belongs to.
type SessionResolver interface {
	Resolve(ctx context.Context, r *http.Request) (string, error)
}

// TopicHandler handles collaborator events read from one Kafka topic.
type TopicHandler interface {
	Topic() string
	Handle(ctx context.Context, key, value []byte) error
}
