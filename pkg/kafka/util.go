// Package kafka provides shared Kafka utilities for the edgesync binary.
package kafka

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// MaxPollWait is the maximum time a reader waits for new data before returning.
	MaxPollWait = 500 * time.Millisecond
	// CommitInterval is how often to commit offsets. Zero means synchronous commits.
	CommitInterval = 0 * time.Second
	// WriteTimeout is the maximum time to wait for a Kafka write operation.
	WriteTimeout = 10 * time.Second
)

// ParseBrokers parses a comma-separated broker list and trims whitespace.
// Returns a slice of broker addresses.
func ParseBrokers(brokers string) []string {
	if brokers == "" {
		return nil
	}
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}
	return brokerList
}

// ValidateConsumerParams validates common consumer parameters.
// Returns an error if any parameter is invalid.
func ValidateConsumerParams(brokers, topic, groupID string) error {
	if brokers == "" {
		return fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	if groupID == "" {
		return fmt.Errorf("groupID cannot be empty")
	}
	return nil
}

// ValidateProducerParams validates common producer parameters.
// Returns an error if any parameter is invalid.
func ValidateProducerParams(brokers string) error {
	if brokers == "" {
		return fmt.Errorf("brokers cannot be empty")
	}
	return nil
}

// LogReaderConfig logs the reader configuration values.
func LogReaderConfig(topic, groupID string) {
	slog.Info("Kafka consumer configured",
		"topic", topic,
		"group_id", groupID,
		"min_bytes", 1,
		"max_bytes", 10e6,
		"max_wait", MaxPollWait.String(),
		"commit_interval", CommitInterval.String(),
	)
}

// NewReaderConfig creates a standard Kafka reader configuration for at-least-once delivery.
// Offsets are committed explicitly after a message has been fully handled.
func NewReaderConfig(brokers []string, topic, groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,    // Return immediately when any data is available
		MaxBytes:       10e6, // 10MB
		MaxWait:        MaxPollWait,
		CommitInterval: CommitInterval,
		StartOffset:    kafka.FirstOffset, // Start from beginning if no committed offset
	}
}

// NewWriter creates a synchronous, key-hashed writer without a fixed topic.
// Every message must carry its own Topic; keying by edge id keeps one edge's
// events on one partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		WriteTimeout:           WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
}
