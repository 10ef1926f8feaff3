package infrastructure

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatRelayWs/internal/modules/chat/domain"
)

// CommandHandler handles one inbound frame for a client.
type CommandHandler func(ctx context.Context, client *Client, cmd domain.Command)

// CommandProcessor maps inbound actions to handlers. Frames of one client are handled
// in arrival order on its read goroutine.
type CommandProcessor struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
	timeout  time.Duration
}

func NewCommandProcessor(timeout time.Duration) *CommandProcessor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	processor := &CommandProcessor{
		handlers: make(map[string]CommandHandler),
		timeout:  timeout,
	}
	processor.Register(domain.EventPing, processor.handlePing)
	return processor
}

func (p *CommandProcessor) Register(action string, handler CommandHandler) {
	if handler == nil {
		return
	}
	key := normalizeAction(action)
	if key == "" {
		return
	}
	p.mu.Lock()
	p.handlers[key] = handler
	p.mu.Unlock()
}

func (p *CommandProcessor) Process(client *Client, cmd domain.Command) {
	if client == nil {
		return
	}
	action := normalizeAction(cmd.Action)
	p.mu.RLock()
	handler, ok := p.handlers[action]
	p.mu.RUnlock()
	if !ok {
		slog.Debug("ws command ignored", slog.String("clientId", client.ID()), slog.String("userId", client.UserID()), slog.String("action", action))
		_ = client.Reply(domain.EventError, cmd.RequestID, domain.ErrorEvent{Type: domain.ErrorTypeBadRequest, Message: "unknown action " + cmd.Action})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	handler(ctx, client, cmd)
}

func (p *CommandProcessor) handlePing(_ context.Context, client *Client, cmd domain.Command) {
	_ = client.Reply(domain.EventSystemPong, cmd.RequestID, nil)
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
