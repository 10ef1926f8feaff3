package infrastructure

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 16
)

var (
	// ErrClientClosed is returned by Emit after the client shut down.
	ErrClientClosed = errors.New("websocket client closed")
	// ErrSendBufferFull is returned when the outbound queue cannot take another frame.
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Client owns one websocket connection: a buffered outbound queue drained by WritePump
// and an inbound loop in ReadPump that feeds the CommandProcessor.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	commands *CommandProcessor

	mu     sync.RWMutex
	closed bool
	userID string

	closeOnce  sync.Once
	hookOnce   sync.Once
	hookMu     sync.Mutex
	closeHooks []func()
	gone       bool
}

// NewClient wraps an upgraded connection. buf bounds the outbound queue.
func NewClient(conn *websocket.Conn, buf int, commands *CommandProcessor) *Client {
	if buf <= 0 {
		buf = 16
	}
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, buf),
		commands: commands,
	}
}

func (c *Client) ID() string { return c.id }

// SetUserID attaches the authenticated identity, used for logging only.
func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) Emit(event string, data any) error {
	return c.enqueue(domain.Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()})
}

func (c *Client) Reply(event, requestID string, data any) error {
	return c.enqueue(domain.Envelope{Event: event, RequestID: requestID, Data: data, Timestamp: time.Now().UTC()})
}

func (c *Client) enqueue(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		slog.Warn("websocket send buffer full", slog.String("clientId", c.id), slog.String("userId", c.userID), slog.String("event", env.Event))
		go c.Close()
		return ErrSendBufferFull
	}
}

// Close stops accepting events. WritePump flushes what is queued, sends a close frame
// and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (c *Client) OnClose(fn func()) {
	if fn == nil {
		return
	}
	c.hookMu.Lock()
	if c.gone {
		c.hookMu.Unlock()
		fn()
		return
	}
	c.closeHooks = append(c.closeHooks, fn)
	c.hookMu.Unlock()
}

// terminate runs once both the transport and the outbound queue are finished with.
func (c *Client) terminate() {
	c.Close()
	_ = c.conn.Close()
	c.hookOnce.Do(func() {
		c.hookMu.Lock()
		hooks := c.closeHooks
		c.closeHooks = nil
		c.gone = true
		c.hookMu.Unlock()
		for _, hook := range hooks {
			func(h func()) {
				defer func() {
					if r := recover(); r != nil {
						slog.Warn("ws close hook panic", slog.String("clientId", c.id), slog.Any("error", r))
					}
				}()
				h()
			}(hook)
		}
	})
}

func (c *Client) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("websocket write error", slog.String("clientId", c.id), slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				slog.Warn("websocket ping error", slog.String("clientId", c.id), slog.Any("error", err))
				return
			}
		}
	}
}

// ReadPump blocks until the connection ends, then runs the close hooks.
func (c *Client) ReadPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	defer c.terminate()
	for {
		var cmd domain.Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = c.Emit(domain.EventError, domain.ErrorEvent{Type: domain.ErrorTypeBadRequest, Message: "malformed frame"})
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read ended", slog.String("clientId", c.id), slog.String("userId", c.UserID()), slog.Any("error", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.commands != nil {
			c.commands.Process(c, cmd)
		}
	}
}

var _ port.Socket = (*Client)(nil)
