// Package queue implements the edge event store over Kafka. Every edge owns one
// notification topic, consumed by a group named after the topic.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	kafkautil "github.com/thingsboard/thingsboard-sub059/pkg/kafka"
)

// TopicPrefix prefixes every per-edge notification topic.
const TopicPrefix = "tb_edge_event.notifications."

// TopicFor returns the notification topic of an edge. The consumer group uses the same name.
func TopicFor(tenantID, edgeID uuid.UUID) string {
	return TopicPrefix + tenantID.String() + "." + edgeID.String()
}

// MessageWriter is the part of *kafka.Writer the queue uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the queue uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader on topic, joining the group of the same name.
type ReaderFactory func(topic string) MessageReader

// TopicEnsurer makes sure topic exists before it is consumed.
type TopicEnsurer func(ctx context.Context, topic string) error

// KafkaReaders returns a ReaderFactory backed by kafka-go readers.
func KafkaReaders(brokers []string) ReaderFactory {
	return func(topic string) MessageReader {
		kafkautil.LogReaderConfig(topic, topic)
		return kafka.NewReader(kafkautil.NewReaderConfig(brokers, topic, topic))
	}
}

// KafkaTopicEnsurer returns a TopicEnsurer that provisions topics through broker.
func KafkaTopicEnsurer(broker string, partitions, replicationFactor int) TopicEnsurer {
	return func(ctx context.Context, topic string) error {
		return kafkautil.EnsureTopic(ctx, broker, kafkautil.TopicSpec{
			Name:              topic,
			Partitions:        partitions,
			ReplicationFactor: replicationFactor,
		})
	}
}

// EdgeEventQueue implements events.Store over per-edge Kafka topics.
type EdgeEventQueue struct {
	writer    MessageWriter
	newReader ReaderFactory
	ensure    TopicEnsurer
}

var _ events.Store = (*EdgeEventQueue)(nil)

// Option configures an EdgeEventQueue.
type Option func(*EdgeEventQueue)

// WithTopicEnsurer provisions the edge topic before a stream is opened.
func WithTopicEnsurer(ensure TopicEnsurer) Option {
	return func(q *EdgeEventQueue) { q.ensure = ensure }
}

// NewEdgeEventQueue creates a queue writing through writer and reading through newReader.
func NewEdgeEventQueue(writer MessageWriter, newReader ReaderFactory, opts ...Option) *EdgeEventQueue {
	q := &EdgeEventQueue{writer: writer, newReader: newReader}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AppendEvent publishes event to its edge topic, keyed by edge id.
func (q *EdgeEventQueue) AppendEvent(ctx context.Context, event *events.EdgeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal edge event: %w", err))
	}

	msg := kafka.Message{
		Topic: TopicFor(event.TenantID, event.EdgeID),
		Key:   []byte(event.EdgeID.String()),
		Value: value,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return retry.Temporary(fmt.Errorf("failed to write edge event to %s: %w", msg.Topic, err))
	}

	slog.Debug("Appended edge event",
		"topic", msg.Topic,
		"event_id", event.ID,
		"type", event.Type,
		"action", event.Action,
	)
	return nil
}

// StreamPending opens the edge's consumer group. The stream must be closed by the caller.
func (q *EdgeEventQueue) StreamPending(ctx context.Context, tenantID, edgeID uuid.UUID) (events.PendingStream, error) {
	topic := TopicFor(tenantID, edgeID)
	if q.ensure != nil {
		if err := q.ensure(ctx, topic); err != nil {
			return nil, fmt.Errorf("failed to ensure topic %s: %w", topic, err)
		}
	}
	return &stream{
		tenantID: tenantID,
		edgeID:   edgeID,
		reader:   q.newReader(topic),
		fetched:  make(map[int64]kafka.Message),
	}, nil
}

// Close closes the writer.
func (q *EdgeEventQueue) Close() error {
	return q.writer.Close()
}

// stream maps event SeqIDs to partition offsets. All records of one edge share a
// partition because they are keyed by edge id.
type stream struct {
	tenantID uuid.UUID
	edgeID   uuid.UUID
	reader   MessageReader

	mu      sync.Mutex
	fetched map[int64]kafka.Message
}

func (s *stream) Next(ctx context.Context) (*events.EdgeEvent, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch edge event: %w", err)
	}

	var event events.EdgeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Surfaced with no type so the dispatcher fails it permanently and moves on.
		slog.Warn("Malformed edge event record",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		event = events.EdgeEvent{TenantID: s.tenantID, EdgeID: s.edgeID}
	}
	event.SeqID = msg.Offset

	s.mu.Lock()
	s.fetched[msg.Offset] = msg
	s.mu.Unlock()
	return &event, nil
}

func (s *stream) Ack(ctx context.Context, event *events.EdgeEvent) error {
	s.mu.Lock()
	msg, ok := s.fetched[event.SeqID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("edge event at offset %d was not fetched from this stream", event.SeqID)
	}

	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}

	s.mu.Lock()
	for offset := range s.fetched {
		if offset <= event.SeqID {
			delete(s.fetched, offset)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *stream) Close() error {
	return s.reader.Close()
}
