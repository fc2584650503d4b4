package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/disaster-incident-service/internal/config"
	"github.com/couchcryptid/disaster-incident-service/internal/domain"
)

// Writer publishes enqueued notifications to the sink topic for the external
// delivery transport. It implements pipeline.NotificationPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishBatch serializes and publishes outbox entries to the sink topic in
// a single WriteMessages call. Keyed by user so one user's notifications
// stay ordered.
func (w *Writer) PublishBatch(ctx context.Context, entries []domain.OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(entries))
	for i := range entries {
		msg, err := serializeToMessage(entries[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an outbox entry into a Kafka message.
func serializeToMessage(entry domain.OutboxEntry) (kafkago.Message, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize outbox entry: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(entry.UserID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "incident_id", Value: []byte(entry.IncidentID)},
			{Key: "notification_type", Value: []byte(entry.NotificationType)},
			{Key: "expires_at", Value: []byte(entry.ExpiresAt.Format(time.RFC3339))},
		},
	}, nil
}
