package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/metrics"
)

// GroupTopology applies membership changes to the broker.
type GroupTopology interface {
	Join(ctx context.Context, userID, groupID string) error
	Leave(ctx context.Context, userID, groupID string) error
	Dismiss(ctx context.Context, groupID string) error
}

// RetryPolicy bounds how long a group event is retried before the consumer moves past it.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
}

// GroupEventHandler keeps group bindings in step with the group service.
type GroupEventHandler struct {
	topic    string
	topology GroupTopology
	retry    RetryPolicy
}

func NewGroupEventHandler(topic string, topology GroupTopology, retry RetryPolicy) *GroupEventHandler {
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.Interval <= 0 {
		retry.Interval = 500 * time.Millisecond
	}
	return &GroupEventHandler{topic: topic, topology: topology, retry: retry}
}

func (h *GroupEventHandler) Topic() string { return h.topic }

// Handle applies a group event. The consumer commits the offset whatever Handle returns,
// so transient topology errors are retried here; malformed events are not.
func (h *GroupEventHandler) Handle(ctx context.Context, _, value []byte) error {
	var ev domain.GroupEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return fmt.Errorf("%w: group event: %v", domain.ErrValidation, err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = h.retry.Interval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(h.retry.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			metrics.GroupEventRetries.Inc()
		}
		attempt++
		err := Apply(ctx, h.topology, ev)
		if errors.Is(err, domain.ErrValidation) {
			return backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("group event failed", slog.String("type", ev.Type), slog.String("groupId", ev.GroupID), slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return err
	}, policy)
}

// Apply routes one group event to the matching topology hook.
func Apply(ctx context.Context, topology GroupTopology, ev domain.GroupEvent) error {
	switch strings.ToLower(strings.TrimSpace(ev.Type)) {
	case domain.GroupMemberJoined:
		return topology.Join(ctx, ev.UserID, ev.GroupID)
	case domain.GroupMemberLeft:
		return topology.Leave(ctx, ev.UserID, ev.GroupID)
	case domain.GroupDismissed:
		return topology.Dismiss(ctx, ev.GroupID)
	default:
		return fmt.Errorf("%w: unknown group event %q", domain.ErrValidation, ev.Type)
	}
}

var _ port.TopicHandler = (*GroupEventHandler)(nil)
