package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatRelayWs/internal/modules/chat/domain"
	"chatRelayWs/internal/shared/metrics"
)

const (
	// DefaultQueueTTL bounds how long an undelivered message waits in a mailbox.
	DefaultQueueTTL       = 7 * 24 * time.Hour
	defaultRetryInterval  = 200 * time.Millisecond
	defaultPrefetch       = 32
	defaultConfirmTimeout = 5 * time.Second
)

// QueueName returns the mailbox queue name of a user.
func QueueName(userID string) string {
	return "user-" + strings.TrimSpace(userID)
}

// ExchangeName returns the fanout exchange name of a group.
func ExchangeName(groupID string) string {
	return "group-" + strings.TrimSpace(groupID)
}

// Options tunes both broker drivers.
type Options struct {
	// QueueTTL is applied as x-message-ttl on every user queue.
	QueueTTL time.Duration
	// PublishRetries is how many times a failed publish is retried after re-declaring its targets.
	PublishRetries int
	// RetryInterval is the first backoff interval between retries.
	RetryInterval time.Duration
	// Prefetch caps unacknowledged deliveries per consumer.
	Prefetch int
	// ConfirmTimeout bounds the wait for a publisher confirm; an unconfirmed publish is retried.
	ConfirmTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueTTL <= 0 {
		o.QueueTTL = DefaultQueueTTL
	}
	if o.PublishRetries < 0 {
		o.PublishRetries = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.Prefetch <= 0 {
		o.Prefetch = defaultPrefetch
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
	return o
}

func (o Options) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.RetryInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.PublishRetries)), ctx)
}

// publishWithRetry runs publish and, on failure, heal followed by publish again until the
// retry budget is spent. Only the last error is reported, wrapped in ErrDeliveryFailed.
func publishWithRetry(ctx context.Context, opts Options, target string, publish, heal func() error) error {
	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.BrokerRetries.Inc()
			if err := heal(); err != nil {
				return err
			}
		}
		attempt++
		return publish()
	}
	err := backoff.Retry(op, opts.backOff(ctx))
	metrics.BrokerPublishes.WithLabelValues(target, metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("%w: %s publish after %d attempt(s): %v", domain.ErrDeliveryFailed, target, attempt, err)
	}
	return nil
}

func requireChat(msg *domain.Message, op string) error {
	if msg == nil {
		return fmt.Errorf("%w: %s: nil message", domain.ErrInvalidOperation, op)
	}
	if msg.IsNotice() {
		return fmt.Errorf("%w: %s does not accept notices", domain.ErrInvalidOperation, op)
	}
	return nil
}

func requireNotice(msg *domain.Message) error {
	if msg == nil || !msg.IsNotice() {
		return fmt.Errorf("%w: SendNotice only accepts notices", domain.ErrInvalidOperation)
	}
	return nil
}

func cleanupError(groupID string, err error) error {
	return fmt.Errorf("%w: delete %s: %v", domain.ErrTopologyCleanup, ExchangeName(groupID), err)
}

// directTargets lists the queues a direct message lands in: recipient first, then the
// sender's echo copy. A note-to-self lands once.
func directTargets(msg *domain.Message) []string {
	if msg.Sender() == msg.Recipient() {
		return []string{msg.Recipient()}
	}
	return []string{msg.Recipient(), msg.Sender()}
}

func requireRecipientKind(msg *domain.Message, want domain.RecipientKind, op string) error {
	if msg.RecipientKind() != want {
		return fmt.Errorf("%w: %s needs a %s message, got %s", domain.ErrInvalidOperation, op, want, msg.RecipientKind())
	}
	return nil
}
