package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/metrics"
)

// Dispatcher delivers notices: straight to the socket when the user is online, through
// the user's mailbox otherwise.
type Dispatcher struct {
	presence port.PresenceRegistry
	notices  port.Channel
	now      func() time.Time
}

// NewDispatcher takes the process-wide channel used for mailbox notices.
func NewDispatcher(presence port.PresenceRegistry, notices port.Channel) *Dispatcher {
	return &Dispatcher{presence: presence, notices: notices, now: time.Now}
}

// Notify delivers a notice of noticeType to user to. A broker failure is logged and
// returned wrapped in domain.ErrDeliveryFailed; callers may treat it as non-fatal.
func (d *Dispatcher) Notify(ctx context.Context, to, noticeType string, data any) error {
	to = strings.TrimSpace(to)
	msg, err := domain.NewNoticeMessage(to, noticeType, data, d.now())
	if err != nil {
		return err
	}
	event, _ := domain.NoticeEventFrom(msg)

	if conn, ok := d.presence.Lookup(to); ok {
		err := conn.Emit(domain.EventNotice, event)
		if err == nil {
			metrics.Notices.WithLabelValues("live", "ok").Inc()
			slog.Debug("notice delivered live", slog.String("to", to), slog.String("type", event.Type))
			return nil
		}
		metrics.Notices.WithLabelValues("live", "error").Inc()
		slog.Warn("live notice failed, using mailbox", slog.String("to", to), slog.String("type", event.Type), slog.Any("error", err))
	}

	if err := d.notices.SendNotice(ctx, msg); err != nil {
		metrics.Notices.WithLabelValues("mailbox", "error").Inc()
		slog.Error("notice publish failed", slog.String("to", to), slog.String("type", event.Type), slog.Any("error", err))
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
		}
		return err
	}
	metrics.Notices.WithLabelValues("mailbox", "ok").Inc()
	slog.Debug("notice queued", slog.String("to", to), slog.String("type", event.Type))
	return nil
}
