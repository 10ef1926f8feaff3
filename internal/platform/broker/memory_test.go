package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

func mustText(t *testing.T, id, sender string, kind domain.RecipientKind, recipient string) *domain.Message {
	t.Helper()
	msg, err := domain.NewTextMessage(id, sender, kind, recipient, "hi", time.Now())
	if err != nil {
		t.Fatalf("construct text: %v", err)
	}
	return msg
}

func mustNotice(t *testing.T, recipient string) *domain.Message {
	t.Helper()
	msg, err := domain.NewNoticeMessage(recipient, "friend.add", map[string]string{"from": "u1"}, time.Now())
	if err != nil {
		t.Fatalf("construct notice: %v", err)
	}
	return msg
}

func openMemoryChannel(t *testing.T, b *MemoryBroker) port.Channel {
	t.Helper()
	ch, err := b.OpenChannel(context.Background())
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

type collector struct {
	mu         sync.Mutex
	deliveries []port.Delivery
	notify     chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, d port.Delivery) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []port.Delivery {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.deliveries) >= n {
			out := append([]port.Delivery(nil), c.deliveries...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", n)
		}
	}
}

func TestMemoryTopologyIsIdempotent(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	topo := b.Topology()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := topo.EnsureUserQueue(ctx, "u1"); err != nil {
			t.Fatalf("ensure queue: %v", err)
		}
		if err := topo.EnsureGroupExchange(ctx, "g1"); err != nil {
			t.Fatalf("ensure exchange: %v", err)
		}
		if err := topo.Bind(ctx, "u1", "g1"); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if !b.IsBound("u1", "g1") {
		t.Fatal("expected u1 bound to g1")
	}
	if err := topo.Unbind(ctx, "u1", "g1"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if b.IsBound("u1", "g1") {
		t.Fatal("expected u1 unbound from g1")
	}
	if err := topo.DeleteGroupExchange(ctx, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := topo.DeleteGroupExchange(ctx, "g1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if b.HasExchange("g1") {
		t.Fatal("expected exchange removed")
	}
}

func TestMemorySendDirectEchoesToSender(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ch := openMemoryChannel(t, b)
	if err := ch.SendDirect(context.Background(), mustText(t, "m-1", "a", domain.RecipientDirect, "b")); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if got := len(b.Ready("a")); got != 1 {
		t.Fatalf("expected sender echo, got %d", got)
	}
	if got := len(b.Ready("b")); got != 1 {
		t.Fatalf("expected recipient copy, got %d", got)
	}
}

func TestMemorySendRejectsWrongKinds(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ch := openMemoryChannel(t, b)
	ctx := context.Background()

	if err := ch.SendNotice(ctx, mustText(t, "m-1", "a", domain.RecipientDirect, "b")); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("SendNotice(text): expected ErrInvalidOperation, got %v", err)
	}
	if err := ch.SendDirect(ctx, mustNotice(t, "b")); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("SendDirect(notice): expected ErrInvalidOperation, got %v", err)
	}
	if err := ch.SendGroup(ctx, mustText(t, "m-2", "a", domain.RecipientDirect, "b")); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("SendGroup(direct): expected ErrInvalidOperation, got %v", err)
	}
}

func TestMemorySendNoticeOnlyReachesRecipient(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ch := openMemoryChannel(t, b)
	if err := ch.SendNotice(context.Background(), mustNotice(t, "b")); err != nil {
		t.Fatalf("send notice: %v", err)
	}
	if got := len(b.Ready("b")); got != 1 {
		t.Fatalf("expected notice in recipient queue, got %d", got)
	}
	if got := len(b.Ready("u1")); got != 0 {
		t.Fatalf("notice must not echo, got %d", got)
	}
}

func TestMemoryGroupFanout(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ctx := context.Background()
	for _, u := range []string{"u1", "u2", "u3"} {
		if err := b.Topology().Bind(ctx, u, "g"); err != nil {
			t.Fatalf("bind %s: %v", u, err)
		}
	}
	if err := b.Topology().EnsureUserQueue(ctx, "u4"); err != nil {
		t.Fatalf("ensure u4: %v", err)
	}

	ch := openMemoryChannel(t, b)
	if err := ch.SendGroup(ctx, mustText(t, "m-1", "u1", domain.RecipientGroup, "g")); err != nil {
		t.Fatalf("send group: %v", err)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		if got := len(b.Ready(u)); got != 1 {
			t.Fatalf("%s: expected 1 message, got %d", u, got)
		}
	}
	if got := len(b.Ready("u4")); got != 0 {
		t.Fatalf("non-member received %d messages", got)
	}
}

func TestMemoryConsumeAckAndRequeueOnClose(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ctx := context.Background()
	sender := openMemoryChannel(t, b)
	for _, id := range []string{"m-1", "m-2"} {
		if err := sender.SendDirect(ctx, mustText(t, id, "a", domain.RecipientDirect, "b")); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}

	consumer, _ := b.OpenChannel(ctx)
	got := newCollector()
	if err := consumer.Consume(ctx, "b", got.handle); err != nil {
		t.Fatalf("consume: %v", err)
	}
	deliveries := got.wait(t, 2)

	if err := consumer.Ack(deliveries[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := consumer.Ack(deliveries[0]); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("second ack: expected ErrInvalidOperation, got %v", err)
	}
	_ = consumer.Close()

	ready := b.Ready("b")
	if len(ready) != 1 {
		t.Fatalf("expected the unacked message back in the queue, got %d", len(ready))
	}
	msg, err := domain.Unmarshal(ready[0])
	if err != nil {
		t.Fatalf("decode requeued: %v", err)
	}
	if msg.ID() != "m-2" {
		t.Fatalf("expected m-2 requeued, got %s", msg.ID())
	}

	next := openMemoryChannel(t, b)
	again := newCollector()
	if err := next.Consume(ctx, "b", again.handle); err != nil {
		t.Fatalf("consume again: %v", err)
	}
	redelivered := again.wait(t, 1)
	if !redelivered[0].Redelivered {
		t.Fatal("expected redelivered flag")
	}
}

func TestMemoryQueueTTLExpiresMessages(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := NewMemoryBroker(Options{QueueTTL: time.Hour})
	b.SetClock(func() time.Time { return now })
	ch := openMemoryChannel(t, b)
	if err := ch.SendNotice(context.Background(), mustNotice(t, "b")); err != nil {
		t.Fatalf("send notice: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if got := len(b.Ready("b")); got != 0 {
		t.Fatalf("expected expired message dropped, got %d", got)
	}
}

func TestMemoryPublishRetriesOnce(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{PublishRetries: 1, RetryInterval: time.Millisecond})
	ch := openMemoryChannel(t, b)
	ctx := context.Background()

	b.FailNextPublishes(1)
	if err := ch.SendNotice(ctx, mustNotice(t, "b")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	b.FailNextPublishes(2)
	err := ch.SendNotice(ctx, mustNotice(t, "b"))
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if got := len(b.Ready("b")); got != 1 {
		t.Fatalf("expected exactly one notice enqueued, got %d", got)
	}
}

func TestMemoryPublishAfterResetRedeclares(t *testing.T) {
	t.Parallel()

	b := NewMemoryBroker(Options{})
	ch := openMemoryChannel(t, b)
	ctx := context.Background()
	if err := ch.SendGroup(ctx, mustText(t, "m-1", "a", domain.RecipientGroup, "g")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	b.Reset()
	if err := ch.SendGroup(ctx, mustText(t, "m-2", "a", domain.RecipientGroup, "g")); err != nil {
		t.Fatalf("send after reset: %v", err)
	}
	if !b.HasExchange("g") {
		t.Fatal("expected exchange re-declared")
	}
}

func TestQueueAndExchangeNames(t *testing.T) {
	t.Parallel()

	if got := QueueName(" 42 "); got != "user-42" {
		t.Fatalf("unexpected queue name %q", got)
	}
	if got := ExchangeName("7"); got != "group-7" {
		t.Fatalf("unexpected exchange name %q", got)
	}
}
