// Package kafka mirrors audit entries to a Kafka topic for downstream
// compliance consumers. The audit store stays the source of truth.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"chenu/internal/audit/models"
)

// Producer is the subset of *kgo.Client used here.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Publisher produces one record per audit entry, keyed by actor so a
// consumer sees each actor's entries in order.
type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

func NewPublisher(producer Producer, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, topic: topic, logger: logger}
}

// Publish enqueues the entry asynchronously. Broker errors are logged from
// the produce callback; only encoding failures are returned.
func (p *Publisher) Publish(ctx context.Context, entry models.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(entry.ActorID.String()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(entry.Action)},
			{Key: "seq", Value: []byte(strconv.FormatUint(entry.Seq, 10))},
		},
	}

	// The produce callback outlives the request; detach from its cancellation.
	p.producer.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("audit mirror produce failed",
				"topic", r.Topic,
				"seq", entry.Seq,
				"error", err,
			)
		}
	})
	return nil
}
