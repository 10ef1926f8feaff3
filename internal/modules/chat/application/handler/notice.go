package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

// Notifier delivers a notice to one user.
type Notifier interface {
	Notify(ctx context.Context, to, noticeType string, data any) error
}

// NoticeHandler turns notice requests published by collaborators into notices.
type NoticeHandler struct {
	topic    string
	notifier Notifier
}

func NewNoticeHandler(topic string, notifier Notifier) *NoticeHandler {
	return &NoticeHandler{topic: topic, notifier: notifier}
}

func (h *NoticeHandler) Topic() string { return h.topic }

func (h *NoticeHandler) Handle(ctx context.Context, _, value []byte) error {
	var req domain.NoticeRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return fmt.Errorf("%w: notice request: %v", domain.ErrValidation, err)
	}
	if err := h.notifier.Notify(ctx, req.To, req.Type, req.Data); err != nil {
		return err
	}
	slog.Debug("notice request handled", slog.String("to", req.To), slog.String("type", req.Type))
	return nil
}

var _ port.TopicHandler = (*NoticeHandler)(nil)
