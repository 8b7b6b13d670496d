package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
)

var (
	tenantID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	edgeID   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func TestTopicFor(t *testing.T) {
	got := TopicFor(tenantID, edgeID)
	want := "tb_edge_event.notifications.11111111-1111-1111-1111-111111111111.22222222-2222-2222-2222-222222222222"
	if got != want {
		t.Errorf("TopicFor() = %q, want %q", got, want)
	}
	if TopicFor(tenantID, edgeID) != got {
		t.Error("TopicFor() should be deterministic")
	}
}

func TestAppendEvent(t *testing.T) {
	w := &fakeWriter{}
	q := NewEdgeEventQueue(w, nil)
	event := events.NewEdgeEvent(tenantID, edgeID, events.TypeAlarm, events.ActionAlarmAck, uuid.New(), nil)

	if err := q.AppendEvent(context.Background(), event); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("written = %d, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != TopicFor(tenantID, edgeID) {
		t.Errorf("topic = %q", msg.Topic)
	}
	if string(msg.Key) != edgeID.String() {
		t.Errorf("key = %q, want edge id", msg.Key)
	}
	var decoded events.EdgeEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not JSON: %v", err)
	}
	if decoded.ID != event.ID || decoded.Action != events.ActionAlarmAck {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAppendEvent_WriteErrorIsTemporary(t *testing.T) {
	q := NewEdgeEventQueue(&fakeWriter{err: errBroker}, nil)
	err := q.AppendEvent(context.Background(), events.NewEdgeEvent(tenantID, edgeID, events.TypeAlarm, events.ActionAdded, uuid.New(), nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsRetryable(err) {
		t.Errorf("write error should be retryable: %v", err)
	}
}

func record(t *testing.T, offset int64, event *events.EdgeEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: TopicFor(tenantID, edgeID), Offset: offset, Value: value}
}

func TestStream_NextAndAck(t *testing.T) {
	first := events.NewEdgeEvent(tenantID, edgeID, events.TypeAlarm, events.ActionAdded, uuid.New(), nil)
	second := events.NewEdgeEvent(tenantID, edgeID, events.TypeAlarm, events.ActionAlarmClear, uuid.New(), nil)
	reader := &fakeReader{records: []kafka.Message{record(t, 40, first), record(t, 41, second)}}

	var ensured []string
	q := NewEdgeEventQueue(&fakeWriter{}, func(topic string) MessageReader { return reader },
		WithTopicEnsurer(func(_ context.Context, topic string) error {
			ensured = append(ensured, topic)
			return nil
		}))

	ctx := context.Background()
	s, err := q.StreamPending(ctx, tenantID, edgeID)
	if err != nil {
		t.Fatalf("StreamPending() error = %v", err)
	}
	if len(ensured) != 1 || ensured[0] != TopicFor(tenantID, edgeID) {
		t.Errorf("ensured = %v", ensured)
	}

	got1, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got1.ID != first.ID || got1.SeqID != 40 || got2.ID != second.ID || got2.SeqID != 41 {
		t.Errorf("events out of order: %+v %+v", got1, got2)
	}

	if err := s.Ack(ctx, got1); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := s.Ack(ctx, got2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 40 || reader.committed[1] != 41 {
		t.Errorf("committed = %v", reader.committed)
	}

	if err := s.Ack(ctx, got1); err == nil {
		t.Error("acking an already committed event should fail")
	}
	if err := s.Close(); err != nil || !reader.closed {
		t.Errorf("Close() error = %v, closed = %v", err, reader.closed)
	}
}

func TestStream_MalformedRecordHasNoType(t *testing.T) {
	reader := &fakeReader{records: []kafka.Message{{Offset: 7, Value: []byte("{not json")}}}
	q := NewEdgeEventQueue(&fakeWriter{}, func(string) MessageReader { return reader })

	s, err := q.StreamPending(context.Background(), tenantID, edgeID)
	if err != nil {
		t.Fatal(err)
	}
	event, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if event.Type != "" || event.SeqID != 7 || event.EdgeID != edgeID {
		t.Errorf("event = %+v", event)
	}
	if err := s.Ack(context.Background(), event); err != nil {
		t.Errorf("malformed record should still be ackable: %v", err)
	}
}

func TestStream_NextHonoursContext(t *testing.T) {
	q := NewEdgeEventQueue(&fakeWriter{}, func(string) MessageReader { return &fakeReader{} })
	s, err := q.StreamPending(context.Background(), tenantID, edgeID)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want deadline exceeded", err)
	}
}

func TestStreamPending_EnsureError(t *testing.T) {
	q := NewEdgeEventQueue(&fakeWriter{}, func(string) MessageReader { return &fakeReader{} },
		WithTopicEnsurer(func(context.Context, string) error { return errBroker }))
	if _, err := q.StreamPending(context.Background(), tenantID, edgeID); err == nil {
		t.Error("expected error when topic cannot be ensured")
	}
}

func TestTotalLagForGroups(t *testing.T) {
	topicA := TopicFor(tenantID, edgeID)
	topicB := TopicFor(tenantID, uuid.MustParse("33333333-3333-3333-3333-333333333333"))

	admin := &fakeAdmin{
		meta: &kafka.MetadataResponse{Topics: []kafka.Topic{
			{Name: topicA, Partitions: []kafka.Partition{{ID: 0}, {ID: 1}}},
			{Name: topicB, Partitions: []kafka.Partition{{ID: 0}}},
			{Name: "missing", Error: errors.New("unknown topic")},
		}},
		offsets: &kafka.ListOffsetsResponse{Topics: map[string][]kafka.PartitionOffsets{
			topicA: {
				{Partition: 0, FirstOffset: 0, LastOffset: 10},
				{Partition: 1, FirstOffset: 5, LastOffset: 8},
			},
			topicB: {{Partition: 0, FirstOffset: 0, LastOffset: 4}},
		}},
		committed: map[string][]kafka.OffsetFetchPartition{
			topicA: {
				{Partition: 0, CommittedOffset: 7},
				{Partition: 1, CommittedOffset: -1}, // never committed
			},
			topicB: {{Partition: 0, CommittedOffset: 4}},
		},
	}

	lag, err := NewLagProbe(admin).TotalLagForGroups(context.Background(), []string{topicA, topicB, "missing"})
	if err != nil {
		t.Fatalf("TotalLagForGroups() error = %v", err)
	}
	if lag[topicA] != 3+3 {
		t.Errorf("lag[A] = %d, want 6", lag[topicA])
	}
	if lag[topicB] != 0 {
		t.Errorf("lag[B] = %d, want 0", lag[topicB])
	}
	if _, ok := lag["missing"]; ok {
		t.Error("unknown topic should be left out")
	}
	for _, g := range admin.groups {
		if g != topicA && g != topicB {
			t.Errorf("unexpected group %q", g)
		}
	}
}

func TestTotalLagForGroups_MetadataError(t *testing.T) {
	_, err := NewLagProbe(&fakeAdmin{metaErr: errBroker}).TotalLagForGroups(context.Background(), []string{"t"})
	if err == nil {
		t.Error("expected error")
	}
}

func TestTotalLagForGroups_NoTopics(t *testing.T) {
	lag, err := NewLagProbe(&fakeAdmin{}).TotalLagForGroups(context.Background(), nil)
	if err != nil || len(lag) != 0 {
		t.Errorf("lag = %v, err = %v", lag, err)
	}
}
