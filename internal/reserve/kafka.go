package reserve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tonsurance/hedge-engine/internal/model"
)

// KafkaSink publishes refill transfers to a Kafka topic consumed by the
// vault's treasury service. Messages are keyed by policy ID so a consumer
// can drop replays of an already-applied refill.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func (s *KafkaSink) Transfer(ctx context.Context, t model.ReserveTransfer) error {
	msg, err := transferMessage(t)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish reserve transfer %s: %w", t.ID, err)
	}
	return nil
}

func transferMessage(t model.ReserveTransfer) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode reserve transfer: %w", err)
	}
	return kafka.Message{
		Key:   []byte(t.PolicyID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "transfer_id", Value: []byte(t.ID)},
			{Key: "reserve_vault", Value: []byte(t.ReserveVault)},
		},
		Time: t.CreatedAt,
	}, nil
}

// Close flushes pending writes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
