package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicDispatcher routes one Kafka record to the handler registered for its topic.
type TopicDispatcher interface {
	Dispatch(ctx context.Context, topic string, key, value []byte) error
}

// KafkaConsumer reads collaborator events from one topic.
type KafkaConsumer struct {
	reader     *kafka.Reader
	errBackoff time.Duration
}

func NewKafkaConsumer(brokers []string, groupID string, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}),
		errBackoff: time.Second,
	}
}

// Consume blocks until ctx is cancelled. Handler errors are logged and the record is
// committed anyway; collaborators re-send on their side when they need to.
func (c *KafkaConsumer) Consume(ctx context.Context, dispatcher TopicDispatcher) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			slog.Warn("kafka read error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.errBackoff):
			}
			continue
		}
		slog.Debug("kafka message consumed",
			slog.String("topic", m.Topic),
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
			slog.String("key", string(m.Key)),
		)
		if err := dispatcher.Dispatch(ctx, m.Topic, m.Key, m.Value); err != nil {
			slog.Warn("kafka handler error", slog.String("topic", m.Topic), slog.Int64("offset", m.Offset), slog.Any("error", err))
		}
	}
}
