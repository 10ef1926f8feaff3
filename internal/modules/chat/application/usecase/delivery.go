package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/metrics"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	StateAuthenticating SessionState = iota
	StateActive
	StateSuperseded
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DeliveryConfig tunes per-session behaviour.
type DeliveryConfig struct {
	// SendRate is the sustained send.message.text rate per connection. Zero disables the limit.
	SendRate rate.Limit
	// SendBurst is the limiter bucket size.
	SendBurst int
}

// DeliveryService starts delivery sessions for authenticated sockets.
type DeliveryService struct {
	broker   port.Broker
	presence port.PresenceRegistry
	social   port.SocialGraph
	cfg      DeliveryConfig
	newID    func() string
	now      func() time.Time
}

func NewDeliveryService(broker port.Broker, presence port.PresenceRegistry, social port.SocialGraph, cfg DeliveryConfig) *DeliveryService {
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return &DeliveryService{
		broker:   broker,
		presence: presence,
		social:   social,
		cfg:      cfg,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Start opens the session's channel, installs it in presence (superseding an older
// session of the same user) and starts consuming the user's queue.
func (s *DeliveryService) Start(ctx context.Context, userID string, socket port.Socket) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", domain.ErrInvalidOperation)
	}
	ch, err := s.broker.OpenChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	session := &Session{
		userID:   userID,
		socket:   socket,
		channel:  ch,
		presence: s.presence,
		social:   s.social,
		pending:  NewPendingAcks(),
		newID:    s.newID,
		now:      s.now,
		state:    StateAuthenticating,
	}
	if s.cfg.SendRate > 0 {
		session.limiter = rate.NewLimiter(s.cfg.SendRate, s.cfg.SendBurst)
	}

	if evicted := s.presence.Register(userID, session); evicted != nil {
		evicted.Supersede()
	}
	session.activate()
	socket.OnClose(session.Close)

	if err := ch.Consume(ctx, userID, session.handleDelivery); err != nil {
		session.Close()
		return nil, fmt.Errorf("consume %s: %w", userID, err)
	}
	go session.watch(ch.Done())
	slog.Info("session started", slog.String("userId", userID), slog.String("connId", socket.ID()))
	return session, nil
}

// Session is one authenticated connection: its socket, its broker channel and the
// deliveries awaiting a read ack.
type Session struct {
	userID   string
	socket   port.Socket
	channel  port.Channel
	presence port.PresenceRegistry
	social   port.SocialGraph
	pending  *PendingAcks
	limiter  *rate.Limiter
	newID    func() string
	now      func() time.Time

	mu    sync.Mutex
	state SessionState
}

func (s *Session) ID() string     { return s.socket.ID() }
func (s *Session) UserID() string { return s.userID }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit forwards an event to the socket.
func (s *Session) Emit(event string, data any) error {
	return s.socket.Emit(event, data)
}

func (s *Session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticating {
		s.state = StateActive
		metrics.ActiveSessions.Inc()
	}
}

// finish moves the session to a terminal state once. It reports false when the session
// had already ended.
func (s *Session) finish(next SessionState) bool {
	s.mu.Lock()
	prev := s.state
	if prev == StateSuperseded || prev == StateDisconnected {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()
	if prev == StateActive {
		metrics.ActiveSessions.Dec()
	}

	if err := s.channel.Close(); err != nil {
		slog.Warn("session channel close failed", slog.String("userId", s.userID), slog.Any("error", err))
	}
	s.presence.Remove(s.userID, s)
	if dropped := s.pending.Reset(); dropped > 0 {
		slog.Debug("session dropped pending acks", slog.String("userId", s.userID), slog.Int("count", dropped))
	}
	return true
}

// Supersede is called when a newer login of the same user took over presence.
func (s *Session) Supersede() {
	if !s.finish(StateSuperseded) {
		return
	}
	_ = s.socket.Emit(domain.EventError, domain.ErrorEvent{
		Type:    domain.ErrorTypeNewLogin,
		Message: "logged in from another connection",
		Time:    s.now().UnixMilli(),
	})
	s.socket.Close()
	slog.Info("session superseded", slog.String("userId", s.userID), slog.String("connId", s.ID()))
}

// Close ends the session. Unacknowledged messages stay in the user's queue.
func (s *Session) Close() {
	if !s.finish(StateDisconnected) {
		return
	}
	s.socket.Close()
	slog.Info("session closed", slog.String("userId", s.userID), slog.String("connId", s.ID()))
}

// watch ends the session when its channel dies underneath it, so the client reconnects
// and the broker redelivers whatever was left unacknowledged.
func (s *Session) watch(done <-chan struct{}) {
	<-done
	if s.State() != StateActive {
		return
	}
	slog.Warn("broker channel lost, closing session", slog.String("userId", s.userID), slog.String("connId", s.ID()))
	metrics.ChannelsLost.Inc()
	s.Close()
}

func (s *Session) handleDelivery(_ context.Context, d port.Delivery) {
	msg, err := domain.Unmarshal(d.Body)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedKind) {
			slog.Warn("skipping message of unsupported kind", slog.String("userId", s.userID), slog.Uint64("tag", d.Tag), slog.Any("error", err))
			metrics.Deliveries.WithLabelValues("unsupported").Inc()
		} else {
			slog.Warn("dropping undecodable delivery", slog.String("userId", s.userID), slog.Uint64("tag", d.Tag), slog.Any("error", err))
			metrics.Deliveries.WithLabelValues("poison").Inc()
		}
		if err := s.channel.Ack(d); err != nil {
			slog.Warn("poison ack failed", slog.String("userId", s.userID), slog.Any("error", err))
		}
		return
	}

	if event, ok := domain.NoticeEventFrom(msg); ok {
		if err := s.socket.Emit(domain.EventNotice, event); err != nil {
			slog.Warn("notice emit failed, leaving it queued", slog.String("userId", s.userID), slog.Any("error", err))
			return
		}
		if err := s.channel.Ack(d); err != nil {
			slog.Warn("notice ack failed", slog.String("userId", s.userID), slog.Any("error", err))
		}
		metrics.Deliveries.WithLabelValues(string(domain.KindNotice)).Inc()
		return
	}

	if replaced := s.pending.Put(msg.ID(), d); replaced {
		slog.Debug("pending entry replaced", slog.String("userId", s.userID), slog.String("messageId", msg.ID()))
	}
	if err := s.socket.Emit(domain.EventMessage, domain.MessageEvent{Data: msg, Redelivered: d.Redelivered}); err != nil {
		s.pending.Take(msg.ID())
		slog.Warn("message emit failed, leaving it queued", slog.String("userId", s.userID), slog.String("messageId", msg.ID()), slog.Any("error", err))
		return
	}
	metrics.Deliveries.WithLabelValues(string(msg.Kind())).Inc()
}

// MarkRead acknowledges a delivered message by id.
func (s *Session) MarkRead(_ context.Context, id string) domain.ReadResult {
	id = strings.TrimSpace(id)
	d, ok := s.pending.Take(id)
	if !ok {
		metrics.ReadAcks.WithLabelValues("invalid").Inc()
		return domain.ReadResult{Msg: domain.ReadStatusInvalidID, ID: id}
	}
	if err := s.channel.Ack(d); err != nil {
		s.pending.Restore(id, d)
		metrics.ReadAcks.WithLabelValues("error").Inc()
		slog.Warn("read ack failed", slog.String("userId", s.userID), slog.String("messageId", id), slog.Any("error", err))
		return domain.ReadResult{Msg: err.Error(), ID: id}
	}
	metrics.ReadAcks.WithLabelValues("ok").Inc()
	return domain.ReadResult{Msg: domain.ReadStatusOK, ID: id}
}

// SendText authorizes and publishes a text message, returning its id.
func (s *Session) SendText(ctx context.Context, targetKind domain.RecipientKind, targetID, content string) (string, error) {
	if state := s.State(); state != StateActive {
		return "", fmt.Errorf("%w: session is %s", domain.ErrInvalidOperation, state)
	}
	if targetKind != domain.RecipientDirect && targetKind != domain.RecipientGroup {
		return "", fmt.Errorf("%w: unsupported target type %d", domain.ErrAuthorization, targetKind)
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return "", domain.ErrRateLimited
	}

	msg, err := domain.NewTextMessage(s.newID(), s.userID, targetKind, targetID, content, s.now())
	if err != nil {
		return "", err
	}
	if err := s.authorize(ctx, msg); err != nil {
		return "", err
	}

	if targetKind == domain.RecipientGroup {
		err = s.channel.SendGroup(ctx, msg)
	} else {
		err = s.channel.SendDirect(ctx, msg)
	}
	if err != nil {
		slog.Error("text publish failed", slog.String("userId", s.userID), slog.String("messageId", msg.ID()), slog.Any("error", err))
		return "", err
	}
	slog.Debug("text published", slog.String("userId", s.userID), slog.String("messageId", msg.ID()), slog.String("target", msg.Recipient()))
	return msg.ID(), nil
}

func (s *Session) authorize(ctx context.Context, msg *domain.Message) error {
	var (
		allowed bool
		err     error
	)
	switch msg.RecipientKind() {
	case domain.RecipientDirect:
		allowed, err = s.social.IsFriend(ctx, s.userID, msg.Recipient())
	case domain.RecipientGroup:
		allowed, err = s.social.IsInGroup(ctx, s.userID, msg.Recipient())
	}
	if err != nil {
		return fmt.Errorf("social graph: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s may not message %s %s", domain.ErrAuthorization, s.userID, msg.RecipientKind(), msg.Recipient())
	}
	return nil
}

var _ port.Connection = (*Session)(nil)
