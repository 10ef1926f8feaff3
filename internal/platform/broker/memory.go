package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
)

var (
	errQueueNotFound    = errors.New("NOT_FOUND - no queue")
	errExchangeNotFound = errors.New("NOT_FOUND - no exchange")
	errInjected         = errors.New("injected publish failure")
)

type memItem struct {
	body        []byte
	enqueued    time.Time
	redelivered bool
}

type memQueue struct {
	items []memItem
	wake  chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{wake: make(chan struct{})}
}

func (q *memQueue) push(item memItem) {
	q.items = append(q.items, item)
	q.signal()
}

func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// MemoryBroker is a process-local broker with the same queue, fanout, TTL and ack
// semantics as the AMQP driver. It backs AMQP_URL=memory and the tests.
type MemoryBroker struct {
	mu            sync.Mutex
	opts          Options
	now           func() time.Time
	queues        map[string]*memQueue
	exchanges     map[string]map[string]struct{}
	failPublishes int
	topology      *memoryTopology
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker(opts Options) *MemoryBroker {
	b := &MemoryBroker{
		opts:      opts.withDefaults(),
		now:       time.Now,
		queues:    make(map[string]*memQueue),
		exchanges: make(map[string]map[string]struct{}),
	}
	b.topology = &memoryTopology{b: b}
	return b
}

// SetClock replaces the clock used for TTL expiry.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// FailNextPublishes makes the next n publishes fail before reaching any queue.
func (b *MemoryBroker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// Reset drops every queue, exchange and binding, as a broker restart without
// durable storage would.
func (b *MemoryBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.signal()
	}
	b.queues = make(map[string]*memQueue)
	b.exchanges = make(map[string]map[string]struct{})
}

// Ready returns the bodies waiting in a user's queue, oldest first, without consuming them.
func (b *MemoryBroker) Ready(userID string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[QueueName(userID)]
	if !ok {
		return nil
	}
	b.expireLocked(q)
	out := make([][]byte, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.body)
	}
	return out
}

// Enqueue appends a raw body to a user's queue, bypassing message validation.
func (b *MemoryBroker) Enqueue(userID string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareQueueLocked(QueueName(userID)).push(memItem{body: append([]byte(nil), body...), enqueued: b.now()})
}

// HasExchange reports whether the group exchange is declared.
func (b *MemoryBroker) HasExchange(groupID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[ExchangeName(groupID)]
	return ok
}

// IsBound reports whether the user's queue is bound to the group exchange.
func (b *MemoryBroker) IsBound(userID, groupID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bound, ok := b.exchanges[ExchangeName(groupID)]
	if !ok {
		return false
	}
	_, ok = bound[QueueName(userID)]
	return ok
}

func (b *MemoryBroker) expireLocked(q *memQueue) {
	now := b.now()
	kept := q.items[:0]
	for _, item := range q.items {
		if now.Sub(item.enqueued) < b.opts.QueueTTL {
			kept = append(kept, item)
		}
	}
	q.items = kept
}

func (b *MemoryBroker) declareQueueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) declareExchangeLocked(name string) {
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = make(map[string]struct{})
	}
}

func (b *MemoryBroker) publishLocked(exchange, queue string, body []byte) error {
	if b.failPublishes > 0 {
		b.failPublishes--
		return errInjected
	}
	item := memItem{body: append([]byte(nil), body...), enqueued: b.now()}
	if exchange == "" {
		q, ok := b.queues[queue]
		if !ok {
			return fmt.Errorf("%w '%s'", errQueueNotFound, queue)
		}
		q.push(item)
		return nil
	}
	bound, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w '%s'", errExchangeNotFound, exchange)
	}
	for name := range bound {
		if q, ok := b.queues[name]; ok {
			q.push(item)
		}
	}
	return nil
}

// OpenChannel returns a new channel for one session.
func (b *MemoryBroker) OpenChannel(_ context.Context) (port.Channel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryChannel{b: b, unacked: make(map[uint64]memUnacked), ctx: ctx, cancel: cancel}, nil
}

// Topology returns the topology manager.
func (b *MemoryBroker) Topology() port.Topology {
	return b.topology
}

// Close is a no-op; the broker lives as long as the process.
func (b *MemoryBroker) Close() error {
	return nil
}

var _ port.Broker = (*MemoryBroker)(nil)

type memoryTopology struct {
	b *MemoryBroker
}

func (t *memoryTopology) EnsureUserQueue(_ context.Context, userID string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.declareQueueLocked(QueueName(userID))
	return nil
}

func (t *memoryTopology) EnsureGroupExchange(_ context.Context, groupID string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.declareExchangeLocked(ExchangeName(groupID))
	return nil
}

func (t *memoryTopology) Bind(_ context.Context, userID, groupID string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.declareQueueLocked(QueueName(userID))
	t.b.declareExchangeLocked(ExchangeName(groupID))
	t.b.exchanges[ExchangeName(groupID)][QueueName(userID)] = struct{}{}
	return nil
}

func (t *memoryTopology) Unbind(_ context.Context, userID, groupID string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.declareQueueLocked(QueueName(userID))
	t.b.declareExchangeLocked(ExchangeName(groupID))
	delete(t.b.exchanges[ExchangeName(groupID)], QueueName(userID))
	return nil
}

func (t *memoryTopology) DeleteGroupExchange(_ context.Context, groupID string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	delete(t.b.exchanges, ExchangeName(groupID))
	return nil
}

type memUnacked struct {
	queue string
	item  memItem
}

// MemoryChannel is the MemoryBroker implementation of port.Channel.
type MemoryChannel struct {
	b       *MemoryBroker
	nextTag uint64
	unacked map[uint64]memUnacked
	queue   string
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// publish declares the targets and sends under the broker lock on every attempt, so a
// retry after Reset re-creates what the first attempt found missing.
func (c *MemoryChannel) publish(ctx context.Context, target string, declare func(), send func() error) error {
	return publishWithRetry(ctx, c.b.opts, target, func() error {
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		if c.closed {
			return fmt.Errorf("%w: channel closed", domain.ErrInvalidOperation)
		}
		declare()
		return send()
	}, func() error { return nil })
}

func (c *MemoryChannel) SendDirect(ctx context.Context, msg *domain.Message) error {
	if err := requireChat(msg, "SendDirect"); err != nil {
		return err
	}
	if err := requireRecipientKind(msg, domain.RecipientDirect, "SendDirect"); err != nil {
		return err
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	remaining := directTargets(msg)
	return c.publish(ctx, "direct", func() {
		for _, userID := range remaining {
			c.b.declareQueueLocked(QueueName(userID))
		}
	}, func() error {
		for len(remaining) > 0 {
			if err := c.b.publishLocked("", QueueName(remaining[0]), body); err != nil {
				return err
			}
			remaining = remaining[1:]
		}
		return nil
	})
}

func (c *MemoryChannel) SendGroup(ctx context.Context, msg *domain.Message) error {
	if err := requireChat(msg, "SendGroup"); err != nil {
		return err
	}
	if err := requireRecipientKind(msg, domain.RecipientGroup, "SendGroup"); err != nil {
		return err
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	exchange := ExchangeName(msg.Recipient())
	return c.publish(ctx, "group", func() {
		c.b.declareExchangeLocked(exchange)
	}, func() error {
		return c.b.publishLocked(exchange, "", body)
	})
}

func (c *MemoryChannel) SendNotice(ctx context.Context, msg *domain.Message) error {
	if err := requireNotice(msg); err != nil {
		return err
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	queue := QueueName(msg.Recipient())
	return c.publish(ctx, "notice", func() {
		c.b.declareQueueLocked(queue)
	}, func() error {
		return c.b.publishLocked("", queue, body)
	})
}

func (c *MemoryChannel) Consume(_ context.Context, userID string, handler port.DeliveryHandler) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: channel closed", domain.ErrInvalidOperation)
	}
	if c.queue != "" {
		return fmt.Errorf("%w: channel already consuming", domain.ErrInvalidOperation)
	}
	c.queue = QueueName(userID)
	c.b.declareQueueLocked(c.queue)
	go c.dispatch(handler)
	return nil
}

func (c *MemoryChannel) dispatch(handler port.DeliveryHandler) {
	for {
		c.b.mu.Lock()
		if c.closed {
			c.b.mu.Unlock()
			return
		}
		q := c.b.declareQueueLocked(c.queue)
		c.b.expireLocked(q)
		if len(q.items) == 0 {
			wake := q.wake
			c.b.mu.Unlock()
			select {
			case <-c.ctx.Done():
				return
			case <-wake:
			}
			continue
		}
		item := q.items[0]
		q.items = q.items[1:]
		c.nextTag++
		tag := c.nextTag
		c.unacked[tag] = memUnacked{queue: c.queue, item: item}
		c.b.mu.Unlock()

		handler(c.ctx, port.Delivery{Tag: tag, Body: item.body, Redelivered: item.redelivered})
	}
}

// Done is closed when the channel is closed.
func (c *MemoryChannel) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *MemoryChannel) Ack(d port.Delivery) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.unacked[d.Tag]; !ok || c.closed {
		return fmt.Errorf("%w: unknown delivery tag %d", domain.ErrInvalidOperation, d.Tag)
	}
	delete(c.unacked, d.Tag)
	return nil
}

// Close stops consumption and puts unacknowledged deliveries back at the head of
// their queue, flagged as redelivered.
func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		c.closed = true
		if len(c.unacked) == 0 {
			return
		}
		tags := make([]uint64, 0, len(c.unacked))
		for tag := range c.unacked {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
		requeued := make(map[string][]memItem)
		for _, tag := range tags {
			entry := c.unacked[tag]
			entry.item.redelivered = true
			requeued[entry.queue] = append(requeued[entry.queue], entry.item)
		}
		for name, items := range requeued {
			q := c.b.declareQueueLocked(name)
			q.items = append(items, q.items...)
			q.signal()
		}
		c.unacked = make(map[uint64]memUnacked)
	})
	return nil
}

var _ port.Channel = (*MemoryChannel)(nil)
