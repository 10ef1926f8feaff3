package infrastructure

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"chatRelayWs/internal/modules/chat/application/port"
)

const presenceKeyPrefix = "presence:"

// compareAndDelete removes the key only while it still holds the caller's connection id.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPresenceMirror publishes presence transitions to Redis so other processes can
// see who is online. It is write-only; the in-memory registry stays authoritative.
type RedisPresenceMirror struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisPresenceMirror(client redis.UniversalClient, ttl time.Duration) *RedisPresenceMirror {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPresenceMirror{client: client, ttl: ttl, timeout: 2 * time.Second}
}

// PresenceKey is the Redis key holding a user's live connection id.
func PresenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func (m *RedisPresenceMirror) Online(userID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.client.Set(ctx, PresenceKey(userID), connID, m.ttl).Err(); err != nil {
		slog.Warn("presence mirror set failed", slog.String("userId", userID), slog.Any("error", err))
	}
}

func (m *RedisPresenceMirror) Offline(userID, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := compareAndDelete.Run(ctx, m.client, []string{PresenceKey(userID)}, connID).Err(); err != nil && err != redis.Nil {
		slog.Warn("presence mirror delete failed", slog.String("userId", userID), slog.Any("error", err))
	}
}

var _ port.PresenceObserver = (*RedisPresenceMirror)(nil)
