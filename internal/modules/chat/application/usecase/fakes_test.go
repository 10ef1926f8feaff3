package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

type emitted struct {
	event string
	data  any
}

// fakeSocket records emitted events. Close behaves like a transport going away: the
// close hooks run once.
type fakeSocket struct {
	id string

	mu       sync.Mutex
	events   []emitted
	closed   bool
	hooks    []func()
	failEmit error
	changed  chan struct{}
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{id: id, changed: make(chan struct{}, 128)}
}

func (s *fakeSocket) ID() string { return s.id }

func (s *fakeSocket) Emit(event string, data any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("socket closed")
	}
	if s.failEmit != nil {
		err := s.failEmit
		s.mu.Unlock()
		return err
	}
	s.events = append(s.events, emitted{event: event, data: data})
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *fakeSocket) Reply(event, _ string, data any) error {
	return s.Emit(event, data)
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	s.poke()
}

func (s *fakeSocket) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *fakeSocket) poke() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) named(event string) []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []emitted
	for _, e := range s.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// waitFor blocks until n events named event were emitted.
func (s *fakeSocket) waitFor(t *testing.T, event string, n int) []emitted {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := s.named(event); len(got) >= n {
			return got
		}
		select {
		case <-s.changed:
		case <-deadline:
			t.Fatalf("socket %s: timed out waiting for %d %q events, have %d", s.id, n, event, len(s.named(event)))
		}
	}
}

// settle gives the delivery goroutine time to process anything already queued.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func messageOf(t *testing.T, e emitted) *domain.Message {
	t.Helper()
	ev, ok := e.data.(domain.MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", e.data)
	}
	return ev.Data
}

func noticeOf(t *testing.T, e emitted) domain.NoticeEvent {
	t.Helper()
	ev, ok := e.data.(domain.NoticeEvent)
	if !ok {
		t.Fatalf("expected NoticeEvent, got %T", e.data)
	}
	return ev
}

func errorOf(t *testing.T, e emitted) domain.ErrorEvent {
	t.Helper()
	ev, ok := e.data.(domain.ErrorEvent)
	if !ok {
		t.Fatalf("expected ErrorEvent, got %T", e.data)
	}
	return ev
}

// fakeSocial answers from fixed friend pairs and group rosters.
type fakeSocial struct {
	friends map[[2]string]bool
	groups  map[string]map[string]bool
	err     error
}

func newFakeSocial() *fakeSocial {
	return &fakeSocial{friends: make(map[[2]string]bool), groups: make(map[string]map[string]bool)}
}

func (f *fakeSocial) befriend(a, b string) {
	f.friends[[2]string{a, b}] = true
	f.friends[[2]string{b, a}] = true
}

func (f *fakeSocial) join(groupID string, users ...string) {
	if f.groups[groupID] == nil {
		f.groups[groupID] = make(map[string]bool)
	}
	for _, u := range users {
		f.groups[groupID][u] = true
	}
}

func (f *fakeSocial) IsFriend(_ context.Context, a, b string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.friends[[2]string{a, b}], nil
}

func (f *fakeSocial) IsInGroup(_ context.Context, userID, groupID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.groups[groupID][userID], nil
}

// memPresence is a minimal registry so the usecase tests do not depend on infrastructure.
type memPresence struct {
	mu      sync.Mutex
	entries map[string]port.Connection
}

func newMemPresence() *memPresence {
	return &memPresence{entries: make(map[string]port.Connection)}
}

func (p *memPresence) Register(userID string, conn port.Connection) port.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.entries[userID]
	p.entries[userID] = conn
	if ok && prev.ID() != conn.ID() {
		return prev
	}
	return nil
}

func (p *memPresence) Lookup(userID string) (port.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.entries[userID]
	return c, ok
}

func (p *memPresence) Remove(userID string, conn port.Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.entries[userID]; ok && c.ID() == conn.ID() {
		delete(p.entries, userID)
		return true
	}
	return false
}

func (p *memPresence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// stubChannel is a port.Channel whose calls are scripted by the test.
type stubChannel struct {
	mu      sync.Mutex
	ackErr  error
	acked   []uint64
	sendErr error
	sent    []*domain.Message
	closed  bool
	done    chan struct{}
	endOnce sync.Once
}

func (c *stubChannel) SendDirect(_ context.Context, m *domain.Message) error { return c.send(m) }
func (c *stubChannel) SendGroup(_ context.Context, m *domain.Message) error  { return c.send(m) }
func (c *stubChannel) SendNotice(_ context.Context, m *domain.Message) error { return c.send(m) }

func (c *stubChannel) send(m *domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *stubChannel) Consume(context.Context, string, port.DeliveryHandler) error { return nil }

func (c *stubChannel) Ack(d port.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	c.acked = append(c.acked, d.Tag)
	return nil
}

func (c *stubChannel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// end simulates the broker dropping the consumer.
func (c *stubChannel) end() {
	c.Done()
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	c.endOnce.Do(func() { close(done) })
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.end()
	return nil
}

func (c *stubChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stubBroker hands out one scripted channel.
type stubBroker struct {
	ch *stubChannel
}

func (b stubBroker) OpenChannel(context.Context) (port.Channel, error) { return b.ch, nil }
func (b stubBroker) Topology() port.Topology                           { return nil }
func (b stubBroker) Close() error                                      { return nil }
