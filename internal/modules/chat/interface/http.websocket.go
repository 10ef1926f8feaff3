package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/application/usecase"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/modules/chat/infrastructure"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketOptions tunes the /ws endpoint.
type WebsocketOptions struct {
	// AuthGrace is how long an unauthenticated socket stays open after the user.no_login error.
	AuthGrace      time.Duration
	SendBuffer     int
	CommandTimeout time.Duration
}

// NewWebsocketHandler exposes /ws. The handshake is resolved to a user before the upgrade;
// a handshake without identity is still upgraded so the client can read why it is closed.
func NewWebsocketHandler(resolver port.SessionResolver, delivery *usecase.DeliveryService, opts WebsocketOptions) echo.HandlerFunc {
	if opts.AuthGrace <= 0 {
		opts.AuthGrace = 500 * time.Millisecond
	}
	return func(c echo.Context) error {
		req := c.Request()
		peerIP := c.RealIP()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)

		userID, resolveErr := resolver.Resolve(req.Context(), req)
		if resolveErr != nil && !errors.Is(resolveErr, port.ErrNoSession) {
			slog.Error("ws session lookup failed", slog.String("ip", peerIP), slog.String("reqID", requestID), slog.Any("error", resolveErr))
		}

		conn, err := upgrader.Upgrade(c.Response(), req, nil)
		if err != nil {
			slog.Error("ws upgrade failed", slog.String("ip", peerIP), slog.String("reqID", requestID), slog.Any("error", err))
			return err
		}

		processor := infrastructure.NewCommandProcessor(opts.CommandTimeout)
		client := infrastructure.NewClient(conn, opts.SendBuffer, processor)
		go client.WritePump()

		if resolveErr != nil {
			errType := domain.ErrorTypeNoLogin
			if !errors.Is(resolveErr, port.ErrNoSession) {
				errType = domain.ErrorTypeUnavailable
			}
			rejectAfterGrace(client, errType, opts.AuthGrace)
			slog.Info("ws rejected without session", slog.String("ip", peerIP), slog.String("type", errType))
			return nil
		}

		client.SetUserID(userID)
		session, err := delivery.Start(req.Context(), userID, client)
		if err != nil {
			slog.Error("ws session start failed", slog.String("userId", userID), slog.Any("error", err))
			rejectAfterGrace(client, domain.ErrorTypeUnavailable, opts.AuthGrace)
			return nil
		}

		registerSessionCommands(processor, session)
		go client.ReadPump()

		_ = client.Emit(domain.EventSystemConnected, map[string]string{
			"userId": userID,
			"connId": client.ID(),
		})
		slog.Info("ws connected", slog.String("userId", userID), slog.String("connId", client.ID()), slog.String("ip", peerIP), slog.String("reqID", requestID))
		return nil
	}
}

// rejectAfterGrace tells the client why it is being dropped and closes it after grace.
// The read loop runs so pings and the close handshake still work meanwhile.
func rejectAfterGrace(client *infrastructure.Client, errType string, grace time.Duration) {
	go client.ReadPump()
	_ = client.Emit(domain.EventError, domain.ErrorEvent{Type: errType, Time: time.Now().UnixMilli()})
	time.AfterFunc(grace, client.Close)
}

func registerSessionCommands(processor *infrastructure.CommandProcessor, session *usecase.Session) {
	processor.Register(domain.EventSendText, func(ctx context.Context, client *infrastructure.Client, cmd domain.Command) {
		handleSendText(ctx, client, session, cmd)
	})
	processor.Register(domain.EventMessageRead, func(ctx context.Context, client *infrastructure.Client, cmd domain.Command) {
		var payload domain.ReadCommand
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			_ = client.Reply(domain.EventMessageRead, cmd.RequestID, domain.ReadResult{Msg: domain.ReadStatusInvalidID})
			return
		}
		_ = client.Reply(domain.EventMessageRead, cmd.RequestID, session.MarkRead(ctx, payload.ID))
	})
}

func handleSendText(ctx context.Context, client *infrastructure.Client, session *usecase.Session, cmd domain.Command) {
	var payload domain.SendTextCommand
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		_ = client.Reply(domain.EventSendText, cmd.RequestID, domain.SendResult{Msg: "invalid payload"})
		return
	}
	id, err := session.SendText(ctx, payload.TargetType, payload.TargetID, payload.Content)
	switch {
	case err == nil:
		_ = client.Reply(domain.EventSendText, cmd.RequestID, domain.SendResult{Msg: domain.ReadStatusOK, ID: id})
	case errors.Is(err, domain.ErrAuthorization):
		slog.Info("ws send rejected", slog.String("userId", session.UserID()), slog.String("targetId", payload.TargetID), slog.Any("error", err))
		_ = client.Emit(domain.EventAuthorizedError, domain.ErrorEvent{
			Type:    domain.ErrorTypeNotAuthorized,
			Message: err.Error(),
			Time:    time.Now().UnixMilli(),
		})
	default:
		_ = client.Reply(domain.EventSendText, cmd.RequestID, domain.SendResult{Msg: err.Error()})
	}
}
