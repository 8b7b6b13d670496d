// Package consumer feeds cloud-side entity changes from the entity.changed topic
// into the fan-out resolver.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	kafkautil "github.com/thingsboard/thingsboard-sub059/pkg/kafka"
)

// MessageConsumer reads and commits change messages.
type MessageConsumer interface {
	ReadMessage(ctx context.Context) (*entity.Change, *kafka.Message, error)
	CommitMessage(ctx context.Context, msg *kafka.Message) error
	Close() error
}

// Consumer wraps a Kafka reader for entity.changed events.
type Consumer struct {
	reader *kafka.Reader
	topic  string
}

var _ MessageConsumer = (*Consumer)(nil)

// NewConsumer creates a consumer with at-least-once semantics: offsets are only
// committed through CommitMessage.
func NewConsumer(brokers, topic, groupID string) (*Consumer, error) {
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}

	brokerList := kafkautil.ParseBrokers(brokers)
	slog.Info("Initializing Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	reader := kafka.NewReader(kafkautil.NewReaderConfig(brokerList, topic, groupID))
	kafkautil.LogReaderConfig(topic, groupID)

	return &Consumer{reader: reader, topic: topic}, nil
}

// ReadMessage fetches the next change. A message that cannot be decoded is
// returned together with the error so the caller can commit past it.
func (c *Consumer) ReadMessage(ctx context.Context) (*entity.Change, *kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message from Kafka: %w", err)
	}

	change, err := DecodeChange(msg.Value)
	if err != nil {
		return nil, &msg, err
	}
	return change, &msg, nil
}

// DecodeChange parses and validates a JSON entity change.
func DecodeChange(data []byte) (*entity.Change, error) {
	var change entity.Change
	if err := json.Unmarshal(data, &change); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity.changed event: %w", err)
	}
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity.changed event: %w", err)
	}
	return &change, nil
}

// CommitMessage commits the offset of msg.
func (c *Consumer) CommitMessage(ctx context.Context, msg *kafka.Message) error {
	return c.reader.CommitMessages(ctx, *msg)
}

// Close closes the reader.
func (c *Consumer) Close() error {
	slog.Info("Closing Kafka consumer", "topic", c.topic)
	if err := c.reader.Close(); err != nil {
		slog.Error("Error closing Kafka consumer", "error", err)
		return err
	}
	return nil
}
