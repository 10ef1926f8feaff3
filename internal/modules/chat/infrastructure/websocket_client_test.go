package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatRelayWs/internal/modules/chat/domain"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// serveClient upgrades every request into a Client and hands it to the test.
func serveClient(t *testing.T, processor *CommandProcessor) (*websocket.Conn, <-chan *Client) {
	t.Helper()
	clients := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		client := NewClient(conn, 8, processor)
		go client.WritePump()
		go client.ReadPump()
		clients <- client
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer, clients
}

func readEnvelope(t *testing.T, peer *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]json.RawMessage
	if err := peer.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestClientPingRepliesPong(t *testing.T) {
	t.Parallel()

	peer, _ := serveClient(t, NewCommandProcessor(time.Second))
	if err := peer.WriteJSON(domain.Command{Action: " PING ", RequestID: "r-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readEnvelope(t, peer)
	if string(frame["event"]) != `"system.pong"` || string(frame["requestId"]) != `"r-1"` {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestClientUnknownActionAndMalformedFrame(t *testing.T) {
	t.Parallel()

	peer, _ := serveClient(t, NewCommandProcessor(time.Second))
	_ = peer.WriteMessage(websocket.TextMessage, []byte("{not json"))
	frame := readEnvelope(t, peer)
	if string(frame["event"]) != `"error"` {
		t.Fatalf("expected error frame, got %v", frame)
	}

	_ = peer.WriteJSON(domain.Command{Action: "dance", RequestID: "r-2"})
	frame = readEnvelope(t, peer)
	if string(frame["event"]) != `"error"` || string(frame["requestId"]) != `"r-2"` {
		t.Fatalf("expected error reply, got %v", frame)
	}
}

func TestClientRegisteredHandlerRuns(t *testing.T) {
	t.Parallel()

	processor := NewCommandProcessor(time.Second)
	processor.Register(domain.EventMessageRead, func(_ context.Context, c *Client, cmd domain.Command) {
		var read domain.ReadCommand
		_ = json.Unmarshal(cmd.Payload, &read)
		_ = c.Reply(domain.EventMessageRead, cmd.RequestID, domain.ReadResult{Msg: domain.ReadStatusOK, ID: read.ID})
	})
	peer, _ := serveClient(t, processor)
	_ = peer.WriteJSON(domain.Command{Action: domain.EventMessageRead, RequestID: "r-3", Payload: json.RawMessage(`{"id":"m-1"}`)})
	frame := readEnvelope(t, peer)
	if string(frame["data"]) != `{"msg":"ok","id":"m-1"}` {
		t.Fatalf("unexpected data %s", frame["data"])
	}
}

func TestClientCloseFlushesThenRunsHooks(t *testing.T) {
	t.Parallel()

	peer, clients := serveClient(t, nil)
	client := <-clients

	hooked := make(chan struct{})
	client.OnClose(func() { close(hooked) })

	if err := client.Emit(domain.EventError, domain.ErrorEvent{Type: domain.ErrorTypeNewLogin}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	client.Close()
	if err := client.Emit(domain.EventNotice, nil); err != ErrClientClosed {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}

	frame := readEnvelope(t, peer)
	if string(frame["event"]) != `"error"` {
		t.Fatalf("expected queued frame before close, got %v", frame)
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := peer.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook did not run")
	}

	late := make(chan struct{})
	client.OnClose(func() { close(late) })
	select {
	case <-late:
	default:
		t.Fatal("hook registered after close must run immediately")
	}
}
