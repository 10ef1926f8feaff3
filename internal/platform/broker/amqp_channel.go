package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/metrics"
)

// Channel publishes and consumes for one user session. Publishing and consuming run on
// separate AMQP channels so a broker exception raised by a publish cannot cancel the
// session's consumer.
type Channel struct {
	open opener
	opts Options

	pubMu sync.Mutex
	pub   amqpChannel

	subMu       sync.Mutex
	sub         amqpChannel
	consumerTag string
	outstanding map[uint64]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newChannel(open opener, opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		open:        open,
		opts:        opts,
		consumerTag: "ws-" + uuid.NewString(),
		outstanding: make(map[uint64]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *Channel) withPub(fn func(ch amqpChannel) error) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: channel closed", domain.ErrInvalidOperation)
	}
	if c.pub == nil || c.pub.IsClosed() {
		ch, err := c.open()
		if err != nil {
			return err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("amqp confirm mode: %w", err)
		}
		c.pub = ch
	}
	err := fn(c.pub)
	if err != nil && c.pub.IsClosed() {
		c.pub = nil
	}
	return err
}

var errNacked = errors.New("publish not confirmed by broker")

// publishConfirmed publishes on a confirm-mode channel and turns a nack or a missing
// confirmation into an error so the retry policy sees it.
func (c *Channel) publishConfirmed(ctx context.Context, ch amqpChannel, exchange, key string, msg amqp.Publishing) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()
	ack, err := ch.PublishConfirmed(wctx, exchange, key, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.BrokerNacks.Inc()
		}
		return err
	}
	if !ack {
		metrics.BrokerNacks.Inc()
		return errNacked
	}
	return nil
}

func publishing(msg *domain.Message, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Type:         string(msg.Kind()),
		Timestamp:    msg.Time(),
		Body:         body,
	}
}

// publishToQueues declares each queue and publishes to it, retrying only the queues that
// have not received the message yet.
func (c *Channel) publishToQueues(ctx context.Context, target string, msg *domain.Message, userIDs []string) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	remaining := append([]string(nil), userIDs...)
	publish := func() error {
		return c.withPub(func(ch amqpChannel) error {
			for len(remaining) > 0 {
				userID := remaining[0]
				if err := declareUserQueue(ch, userID, c.opts); err != nil {
					return err
				}
				if err := c.publishConfirmed(ctx, ch, "", QueueName(userID), publishing(msg, body)); err != nil {
					return fmt.Errorf("publish to %s: %w", QueueName(userID), err)
				}
				remaining = remaining[1:]
			}
			return nil
		})
	}
	return publishWithRetry(ctx, c.opts, target, publish, c.heal)
}

// heal drops a publishing channel killed by a broker exception; the next attempt
// re-opens it and re-declares its targets.
func (c *Channel) heal() error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pub != nil && c.pub.IsClosed() {
		c.pub = nil
	}
	slog.Debug("amqp publish retry", slog.String("consumerTag", c.consumerTag))
	return nil
}

func (c *Channel) SendDirect(ctx context.Context, msg *domain.Message) error {
	if err := requireChat(msg, "SendDirect"); err != nil {
		return err
	}
	if err := requireRecipientKind(msg, domain.RecipientDirect, "SendDirect"); err != nil {
		return err
	}
	return c.publishToQueues(ctx, "direct", msg, directTargets(msg))
}

func (c *Channel) SendGroup(ctx context.Context, msg *domain.Message) error {
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
	publish := func() error {
		return c.withPub(func(ch amqpChannel) error {
			if err := declareGroupExchange(ch, msg.Recipient()); err != nil {
				return err
			}
			if err := c.publishConfirmed(ctx, ch, ExchangeName(msg.Recipient()), "", publishing(msg, body)); err != nil {
				return fmt.Errorf("publish to %s: %w", ExchangeName(msg.Recipient()), err)
			}
			return nil
		})
	}
	return publishWithRetry(ctx, c.opts, "group", publish, c.heal)
}

func (c *Channel) SendNotice(ctx context.Context, msg *domain.Message) error {
	if err := requireNotice(msg); err != nil {
		return err
	}
	return c.publishToQueues(ctx, "notice", msg, []string{msg.Recipient()})
}

// Consume starts delivering the user's queue to handler on a goroutine owned by the
// channel. The handler context is cancelled when the channel closes.
func (c *Channel) Consume(_ context.Context, userID string, handler port.DeliveryHandler) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: channel closed", domain.ErrInvalidOperation)
	}
	if c.sub != nil {
		return fmt.Errorf("%w: channel already consuming", domain.ErrInvalidOperation)
	}
	ch, err := c.open()
	if err != nil {
		return err
	}
	if err := declareUserQueue(ch, userID, c.opts); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(QueueName(userID), c.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp consume %s: %w", QueueName(userID), err)
	}
	c.sub = ch
	go c.dispatch(userID, deliveries, handler)
	return nil
}

func (c *Channel) dispatch(userID string, deliveries <-chan amqp.Delivery, handler port.DeliveryHandler) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if c.ctx.Err() == nil {
					slog.Warn("amqp delivery stream ended", slog.String("userId", userID), slog.String("consumerTag", c.consumerTag))
					// The broker dropped the consumer. Unacked deliveries are requeued by the
					// broker, so the channel is finished and its owner must start over.
					_ = c.Close()
				}
				return
			}
			c.subMu.Lock()
			c.outstanding[d.DeliveryTag] = struct{}{}
			c.subMu.Unlock()
			handler(c.ctx, port.Delivery{Tag: d.DeliveryTag, Body: d.Body, Redelivered: d.Redelivered})
		}
	}
}

// Done is closed once the channel is closed, including when the broker ended the
// consumer stream.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Ack acknowledges one delivery. Acking a handle twice, or one this channel never
// delivered, fails with ErrInvalidOperation instead of raising a broker exception.
func (c *Channel) Ack(d port.Delivery) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: channel closed", domain.ErrInvalidOperation)
	}
	if _, ok := c.outstanding[d.Tag]; !ok || c.sub == nil {
		return fmt.Errorf("%w: unknown delivery tag %d", domain.ErrInvalidOperation, d.Tag)
	}
	if err := c.sub.Ack(d.Tag, false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	delete(c.outstanding, d.Tag)
	return nil
}

// Close stops consumption and releases both AMQP channels. Deliveries that were not
// acknowledged go back to the queue.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.subMu.Lock()
		if c.sub != nil && !c.sub.IsClosed() {
			err = c.sub.Close()
		}
		c.outstanding = make(map[uint64]struct{})
		c.subMu.Unlock()

		c.pubMu.Lock()
		if c.pub != nil && !c.pub.IsClosed() {
			if perr := c.pub.Close(); err == nil {
				err = perr
			}
		}
		c.pub = nil
		c.pubMu.Unlock()
	})
	return err
}

var _ port.Channel = (*Channel)(nil)
