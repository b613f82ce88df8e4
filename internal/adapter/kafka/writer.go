package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/amp-association-service/internal/config"
	"github.com/couchcryptid/amp-association-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes event exports to the export topic, keyed by event id so
// successive exports of one event land on the same partition.
// It implements pipeline.ExportSink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured export topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaExportTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Export publishes one event's payload.
func (w *Writer) Export(ctx context.Context, eventID string, payload domain.ExportPayload) error {
	msg, err := serializeToMessage(eventID, payload)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish export %s: %w", eventID, err)
	}
	w.logger.Debug("export published", "event_id", eventID, "features", len(payload.Features))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an export payload into a Kafka message.
func serializeToMessage(eventID string, payload domain.ExportPayload) (kafkago.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize export %s: %w", eventID, err)
	}
	return kafkago.Message{
		Key:   []byte(eventID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "object_key", Value: []byte(domain.ExportKey(eventID))},
			{Key: "run_id", Value: []byte(payload.RunID)},
			{Key: "process_time", Value: []byte(payload.ProcessTime)},
		},
	}, nil
}
