package broker

import (
	"context"
	"log/slog"
)

// StartKafkaConsumers starts one consumer goroutine per topic. It returns immediately;
// the consumers stop when ctx is cancelled.
func StartKafkaConsumers(
	ctx context.Context,
	dispatcher TopicDispatcher,
	brokers []string,
	groupID string,
	topics []string,
) {
	if len(brokers) == 0 {
		// kafka.NewReader panics on an empty broker list
		slog.Info("kafka ingress disabled, no brokers configured")
		return
	}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		go func(tp string) {
			consumer := NewKafkaConsumer(brokers, groupID, tp)
			slog.Info("kafka consumer started", slog.String("topic", tp), slog.String("group", groupID))
			if err := consumer.Consume(ctx, dispatcher); err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", slog.String("topic", tp), slog.Any("error", err))
			}
		}(topic)
	}
}
