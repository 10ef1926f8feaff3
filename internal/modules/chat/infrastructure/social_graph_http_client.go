package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatRelayWs/internal/modules/chat/application/port"
)

// SocialGraphHTTPClient asks the social service about friendships and group membership.
//
//	GET /internal/users/{userId}/friends/{otherId}   -> {"result": bool}
//	GET /internal/groups/{groupId}/members/{userId}  -> {"result": bool}
//
// A 404 answers false.
type SocialGraphHTTPClient struct {
	rest *RESTClient
}

func NewSocialGraphHTTPClient(baseURL, token string, timeout time.Duration, client *http.Client) (*SocialGraphHTTPClient, error) {
	rest, err := NewRESTClient(baseURL, token, timeout, client)
	if err != nil {
		return nil, err
	}
	return &SocialGraphHTTPClient{rest: rest}, nil
}

func (c *SocialGraphHTTPClient) IsFriend(ctx context.Context, userID, otherID string) (bool, error) {
	return c.check(ctx, "/internal/users/"+url.PathEscape(userID)+"/friends/"+url.PathEscape(otherID))
}

func (c *SocialGraphHTTPClient) IsInGroup(ctx context.Context, userID, groupID string) (bool, error) {
	return c.check(ctx, "/internal/groups/"+url.PathEscape(groupID)+"/members/"+url.PathEscape(userID))
}

type relationResponse struct {
	Result bool `json:"result"`
}

func (c *SocialGraphHTTPClient) check(ctx context.Context, path string) (bool, error) {
	req, err := c.rest.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	res, err := c.rest.Do(req)
	if err != nil {
		slog.Error("social graph request error", slog.String("path", path), slog.Any("error", err))
		return false, fmt.Errorf("social graph request failed: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var payload relationResponse
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			return false, fmt.Errorf("decode social graph response: %w", err)
		}
		return payload.Result, nil
	case http.StatusNotFound:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		slog.Error("social graph unexpected status", slog.Int("status", res.StatusCode), slog.String("path", path), slog.String("body", strings.TrimSpace(string(body))))
		return false, fmt.Errorf("unexpected social graph response %d", res.StatusCode)
	}
}

var _ port.SocialGraph = (*SocialGraphHTTPClient)(nil)
