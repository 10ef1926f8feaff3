package infrastructure

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/platform/broker"
)

// HandlerRegistry routes Kafka records to the handler registered for their topic.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]port.TopicHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]port.TopicHandler)}
}

func (r *HandlerRegistry) Register(h port.TopicHandler) {
	if h == nil {
		return
	}
	topic := strings.TrimSpace(h.Topic())
	if topic == "" {
		return
	}
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

// Topics lists the registered topics.
func (r *HandlerRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (r *HandlerRegistry) Dispatch(ctx context.Context, topic string, key, value []byte) error {
	r.mu.RLock()
	handler, ok := r.handlers[topic]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("kafka record without handler", slog.String("topic", topic))
		return nil
	}
	return handler.Handle(ctx, key, value)
}

var _ broker.TopicDispatcher = (*HandlerRegistry)(nil)
