package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/shared/auth"
)

const (
	DefaultSessionCookie = "koa.sid"
	DefaultSessionPrefix = "koa:sess:"
)

// RedisSessionResolver reads the web app's cookie session from Redis. The cookie value
// is the session token; the stored document is JSON carrying userId.
type RedisSessionResolver struct {
	client redis.UniversalClient
	cookie string
	prefix string
}

func NewRedisSessionResolver(client redis.UniversalClient, cookie, prefix string) *RedisSessionResolver {
	if strings.TrimSpace(cookie) == "" {
		cookie = DefaultSessionCookie
	}
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return &RedisSessionResolver{client: client, cookie: cookie, prefix: prefix}
}

type sessionDocument struct {
	UserID json.RawMessage `json:"userId"`
}

func (r *RedisSessionResolver) Resolve(ctx context.Context, req *http.Request) (string, error) {
	cookie, err := req.Cookie(r.cookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return "", port.ErrNoSession
	}
	raw, err := r.client.Get(ctx, r.prefix+strings.TrimSpace(cookie.Value)).Result()
	if errors.Is(err, redis.Nil) {
		return "", port.ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	var doc sessionDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		slog.Warn("session document undecodable", slog.Any("error", err))
		return "", port.ErrNoSession
	}
	userID := decodeUserID(doc.UserID)
	if userID == "" {
		return "", port.ErrNoSession
	}
	return userID, nil
}

// decodeUserID accepts a JSON string or number; anything else is no identity.
func decodeUserID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// JWTSessionResolver authenticates a bearer token from the Authorization header or
// the token query parameter. The subject claim is the user id.
type JWTSessionResolver struct {
	validator  auth.TokenValidator
	queryParam string
}

func NewJWTSessionResolver(validator auth.TokenValidator, queryParam string) *JWTSessionResolver {
	return &JWTSessionResolver{validator: validator, queryParam: queryParam}
}

func (r *JWTSessionResolver) Resolve(_ context.Context, req *http.Request) (string, error) {
	token := auth.RequestToken(req, r.queryParam)
	if token == "" {
		return "", port.ErrNoSession
	}
	claims, err := r.validator.Validate(token)
	if err != nil {
		slog.Debug("jwt session rejected", slog.Any("error", err))
		return "", port.ErrNoSession
	}
	return claims.Subject, nil
}

// ChainResolver tries each resolver in order and returns the first identity found.
// Infrastructure errors stop the chain.
type ChainResolver []port.SessionResolver

func (c ChainResolver) Resolve(ctx context.Context, req *http.Request) (string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		userID, err := r.Resolve(ctx, req)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, port.ErrNoSession) {
			return "", err
		}
	}
	return "", port.ErrNoSession
}

var (
	_ port.SessionResolver = (*RedisSessionResolver)(nil)
	_ port.SessionResolver = (*JWTSessionResolver)(nil)
	_ port.SessionResolver = ChainResolver(nil)
)
