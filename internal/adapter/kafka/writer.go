package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/config"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces beacon lifecycle events to a Kafka topic.
// It implements pipeline.ChangePublisher.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured lifecycle topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes and writes every change in a single WriteMessages call.
// Messages are keyed by beacon id so all transitions of a beacon share a partition.
func (p *Publisher) Publish(ctx context.Context, changes []domain.BeaconChange) error {
	if len(changes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(changes))
	for i := range changes {
		msg, err := serializeToMessage(changes[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d beacon events: %w", len(msgs), err)
	}
	p.logger.Debug("beacon events published", "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a BeaconChange into a Kafka message.
func serializeToMessage(change domain.BeaconChange) (kafkago.Message, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize beacon change: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(change.Beacon.ID.String()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "change", Value: []byte(change.Kind)},
			{Key: "source", Value: []byte(change.Beacon.Source)},
			{Key: "flagged", Value: []byte(strconv.FormatBool(change.Flagged))},
			{Key: "occurred_at", Value: []byte(change.OccurredAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
