package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/application/usecase"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/modules/chat/infrastructure"
	"chatRelayWs/internal/platform/broker"
)

const testToken = "internal-secret"

// queryResolver trusts the ?user= parameter.
type queryResolver struct{}

func (queryResolver) Resolve(_ context.Context, r *http.Request) (string, error) {
	if u := r.URL.Query().Get("user"); u != "" {
		return u, nil
	}
	return "", port.ErrNoSession
}

type friends map[[2]string]bool

func (f friends) IsFriend(_ context.Context, a, b string) (bool, error)   { return f[[2]string{a, b}], nil }
func (f friends) IsInGroup(context.Context, string, string) (bool, error) { return false, nil }

type server struct {
	url      string
	broker   *broker.MemoryBroker
	presence *infrastructure.PresenceRegistry
}

func newServer(t *testing.T, social port.SocialGraph) *server {
	t.Helper()
	return newServerWith(t, social, usecase.DeliveryConfig{})
}

func newServerWith(t *testing.T, social port.SocialGraph, cfg usecase.DeliveryConfig) *server {
	t.Helper()
	b := broker.NewMemoryBroker(broker.Options{RetryInterval: time.Millisecond})
	presence := infrastructure.NewPresenceRegistry()
	delivery := usecase.NewDeliveryService(b, presence, social, cfg)
	notices, err := b.OpenChannel(context.Background())
	if err != nil {
		t.Fatalf("open notice channel: %v", err)
	}
	t.Cleanup(func() { _ = notices.Close() })

	e := echo.New()
	e.GET("/ws", NewWebsocketHandler(queryResolver{}, delivery, WebsocketOptions{AuthGrace: 20 * time.Millisecond}))
	RegisterInternalRoutes(e.Group("/internal"), testToken, usecase.NewDispatcher(presence, notices), usecase.NewGroupTopologyUseCase(b.Topology()))
	RegisterOpsRoutes(e, presence)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &server{url: srv.URL, broker: b, presence: presence}
}

func (s *server) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.url, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *server) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// readUntil reads frames until one named event arrives and returns it.
func readUntil(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func TestWebsocketWithoutSessionIsToldAndClosed(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	conn := s.dial(t, "")
	f := readUntil(t, conn, domain.EventError)
	var ev domain.ErrorEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil || ev.Type != domain.ErrorTypeNoLogin {
		t.Fatalf("expected user.no_login, got %s (%v)", f.Data, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after grace, got %v", err)
	}
}

func TestWebsocketSendAndReadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{{"u1", "u2"}: true, {"u2", "u1"}: true})
	alice := s.dial(t, "?user=u1")
	readUntil(t, alice, domain.EventSystemConnected)

	payload := `{"targetType":1,"targetId":"u2","content":"hello"}`
	if err := alice.WriteJSON(domain.Command{Action: domain.EventSendText, RequestID: "r-1", Payload: json.RawMessage(payload)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readUntil(t, alice, domain.EventSendText)
	var sent domain.SendResult
	if err := json.Unmarshal(reply.Data, &sent); err != nil || sent.Msg != "ok" || sent.ID == "" || reply.RequestID != "r-1" {
		t.Fatalf("unexpected send reply %+v %s", reply, reply.Data)
	}

	bob := s.dial(t, "?user=u2")
	delivered := readUntil(t, bob, domain.EventMessage)
	var ev struct {
		Data struct {
			ID   string `json:"id"`
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(delivered.Data, &ev); err != nil || ev.Data.ID != sent.ID || ev.Data.Text.Content != "hello" {
		t.Fatalf("unexpected delivery %s (%v)", delivered.Data, err)
	}

	read := `{"id":"` + sent.ID + `"}`
	if err := bob.WriteJSON(domain.Command{Action: domain.EventMessageRead, RequestID: "r-2", Payload: json.RawMessage(read)}); err != nil {
		t.Fatalf("write read: %v", err)
	}
	ack := readUntil(t, bob, domain.EventMessageRead)
	var res domain.ReadResult
	if err := json.Unmarshal(ack.Data, &res); err != nil || res.Msg != domain.ReadStatusOK {
		t.Fatalf("unexpected read reply %s", ack.Data)
	}
}

func TestWebsocketSendToStrangerIsNotAuthorized(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	conn := s.dial(t, "?user=u1")
	readUntil(t, conn, domain.EventSystemConnected)

	payload := `{"targetType":1,"targetId":"u9","content":"hi"}`
	if err := conn.WriteJSON(domain.Command{Action: domain.EventSendText, RequestID: "r-1", Payload: json.RawMessage(payload)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readUntil(t, conn, domain.EventAuthorizedError)
	var ev domain.ErrorEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil || ev.Type != domain.ErrorTypeNotAuthorized {
		t.Fatalf("unexpected authorized.error %s", f.Data)
	}
	if got := len(s.broker.Ready("u9")); got != 0 {
		t.Fatalf("nothing may be published, found %d", got)
	}
}

func TestWebsocketRateLimitedSendRepliesWithReason(t *testing.T) {
	t.Parallel()

	s := newServerWith(t, friends{{"u1", "u2"}: true}, usecase.DeliveryConfig{SendRate: rate.Every(time.Hour), SendBurst: 1})
	conn := s.dial(t, "?user=u1")
	readUntil(t, conn, domain.EventSystemConnected)

	payload := json.RawMessage(`{"targetType":1,"targetId":"u2","content":"hi"}`)
	want := []string{domain.ReadStatusOK, domain.ErrRateLimited.Error()}
	for i, msg := range want {
		if err := conn.WriteJSON(domain.Command{Action: domain.EventSendText, RequestID: "r", Payload: payload}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		reply := readUntil(t, conn, domain.EventSendText)
		var res domain.SendResult
		if err := json.Unmarshal(reply.Data, &res); err != nil || res.Msg != msg {
			t.Fatalf("send %d: expected %q, got %s", i, msg, reply.Data)
		}
	}
	if got := len(s.broker.Ready("u2")); got != 1 {
		t.Fatalf("expected only the first message published, found %d", got)
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	for _, token := range []string{"", "wrong"} {
		resp := s.do(t, http.MethodPost, "/internal/notices", token, `{"to":"u1","type":"x"}`)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
	}
}

func TestInternalNoticeRoute(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	resp := s.do(t, http.MethodPost, "/internal/notices", testToken, `{"to":"u3","type":"friend.add","data":{"from":"u1"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := len(s.broker.Ready("u3")); got != 1 {
		t.Fatalf("expected notice queued for offline user, got %d", got)
	}

	cases := []struct {
		body   string
		status int
	}{
		{`{`, http.StatusBadRequest},
		{`{"to":"u3"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if resp := s.do(t, http.MethodPost, "/internal/notices", testToken, tc.body); resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.status, resp.StatusCode)
		}
	}

	s.broker.FailNextPublishes(5)
	resp = s.do(t, http.MethodPost, "/internal/notices", testToken, `{"to":"u3","type":"friend.add"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on broker failure, got %d", resp.StatusCode)
	}
}

func TestInternalGroupRoutes(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	if resp := s.do(t, http.MethodPut, "/internal/groups/g1/members/u1", testToken, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("join: expected 204, got %d", resp.StatusCode)
	}
	if !s.broker.IsBound("u1", "g1") {
		t.Fatal("expected u1 bound to g1")
	}
	if resp := s.do(t, http.MethodDelete, "/internal/groups/g1/members/u1", testToken, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("leave: expected 204, got %d", resp.StatusCode)
	}
	if s.broker.IsBound("u1", "g1") {
		t.Fatal("expected u1 unbound")
	}
	if resp := s.do(t, http.MethodDelete, "/internal/groups/g1", testToken, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("dismiss: expected 204, got %d", resp.StatusCode)
	}
	if s.broker.HasExchange("g1") {
		t.Fatal("expected exchange removed")
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newServer(t, friends{})
	resp := s.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected health body %v (%v)", body, err)
	}
}
