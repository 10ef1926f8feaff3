package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"chatRelayWs/internal/modules/chat/application/port"
)

// amqpChannel is the subset of *amqp.Channel used by this package.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Ack(tag uint64, multiple bool) error
	Close() error
	IsClosed() bool
}

type opener func() (amqpChannel, error)

// rawChannel adds confirmed publishing to *amqp.Channel.
type rawChannel struct {
	*amqp.Channel
}

// PublishConfirmed publishes and blocks until the broker confirms, reporting false on a
// nack. A channel outside confirm mode returns as soon as the frame is written.
func (r rawChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (bool, error) {
	dc, err := r.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return false, err
	}
	if dc == nil {
		return true, nil
	}
	return dc.WaitContext(ctx)
}

var errConnectionClosed = errors.New("amqp connection closed")

// Connection is the process-wide AMQP connection. It is created once by Dial, hands out
// per-session channels through OpenChannel and is released by Close.
type Connection struct {
	url      string
	opts     Options
	mu       sync.Mutex
	conn     *amqp.Connection
	closed   bool
	topology *Topology
}

// Dial connects to the broker. The connection is re-dialed lazily when a later channel
// open finds it closed, e.g. after a broker restart.
func Dial(url string, opts Options) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	c := &Connection{url: url, opts: opts.withDefaults(), conn: conn}
	c.topology = newTopology(c.openRaw, c.opts)
	slog.Info("amqp connected", slog.String("queueTTL", c.opts.QueueTTL.String()), slog.Int("publishRetries", c.opts.PublishRetries), slog.String("confirmTimeout", c.opts.ConfirmTimeout.String()))
	return c, nil
}

func (c *Connection) openRaw() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnectionClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		slog.Warn("amqp connection lost, redialing")
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("amqp redial: %w", err)
		}
		c.conn = conn
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return rawChannel{Channel: ch}, nil
}

// OpenChannel returns a new logical channel for one user session.
func (c *Connection) OpenChannel(_ context.Context) (port.Channel, error) {
	return newChannel(c.openRaw, c.opts), nil
}

// Topology returns the shared topology manager.
func (c *Connection) Topology() port.Topology {
	return c.topology
}

// Close tears down the topology channel and the connection.
func (c *Connection) Close() error {
	c.topology.close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

var _ port.Broker = (*Connection)(nil)

func declareUserQueue(ch amqpChannel, userID string, opts Options) error {
	_, err := ch.QueueDeclare(QueueName(userID), true, false, false, false, amqp.Table{
		"x-message-ttl": opts.QueueTTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueName(userID), err)
	}
	return nil
}

func declareGroupExchange(ch amqpChannel, groupID string) error {
	if err := ch.ExchangeDeclare(ExchangeName(groupID), amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeName(groupID), err)
	}
	return nil
}

// Topology declares queues and exchanges on a dedicated channel. A channel closed by a
// broker exception is replaced on the next call.
type Topology struct {
	open opener
	opts Options
	mu   sync.Mutex
	ch   amqpChannel
}

func newTopology(open opener, opts Options) *Topology {
	return &Topology{open: open, opts: opts}
}

func (t *Topology) do(fn func(ch amqpChannel) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil || t.ch.IsClosed() {
		ch, err := t.open()
		if err != nil {
			return err
		}
		t.ch = ch
	}
	err := fn(t.ch)
	if err != nil && t.ch.IsClosed() {
		t.ch = nil
	}
	return err
}

func (t *Topology) EnsureUserQueue(_ context.Context, userID string) error {
	return t.do(func(ch amqpChannel) error { return declareUserQueue(ch, userID, t.opts) })
}

func (t *Topology) EnsureGroupExchange(_ context.Context, groupID string) error {
	return t.do(func(ch amqpChannel) error { return declareGroupExchange(ch, groupID) })
}

func (t *Topology) Bind(_ context.Context, userID, groupID string) error {
	return t.do(func(ch amqpChannel) error {
		if err := declareUserQueue(ch, userID, t.opts); err != nil {
			return err
		}
		if err := declareGroupExchange(ch, groupID); err != nil {
			return err
		}
		return ch.QueueBind(QueueName(userID), "", ExchangeName(groupID), false, nil)
	})
}

func (t *Topology) Unbind(_ context.Context, userID, groupID string) error {
	return t.do(func(ch amqpChannel) error {
		if err := declareUserQueue(ch, userID, t.opts); err != nil {
			return err
		}
		if err := declareGroupExchange(ch, groupID); err != nil {
			return err
		}
		return ch.QueueUnbind(QueueName(userID), "", ExchangeName(groupID), nil)
	})
}

func (t *Topology) DeleteGroupExchange(_ context.Context, groupID string) error {
	err := t.do(func(ch amqpChannel) error { return ch.ExchangeDelete(ExchangeName(groupID), false, false) })
	if err != nil {
		return cleanupError(groupID, err)
	}
	return nil
}

func (t *Topology) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil && !t.ch.IsClosed() {
		_ = t.ch.Close()
	}
	t.ch = nil
}

var _ port.Topology = (*Topology)(nil)
