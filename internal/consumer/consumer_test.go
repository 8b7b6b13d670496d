package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
)

func TestNewConsumer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		group   string
	}{
		{"empty brokers", "", "entity.changed", "edgesync"},
		{"empty topic", "localhost:9092", "", "edgesync"},
		{"empty group", "localhost:9092", "entity.changed", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConsumer(tt.brokers, tt.topic, tt.group); err == nil {
				t.Error("NewConsumer() expected error")
			}
		})
	}
}

func TestDecodeChange(t *testing.T) {
	tenant := uuid.New()
	entityID := uuid.New()

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "valid alarm change",
			data: `{"tenant_id":"` + tenant.String() + `","type":"ALARM","entity_id":"` + entityID.String() +
				`","action":"UPDATED","originator":{"entityType":"DEVICE","id":"` + uuid.NewString() + `"}}`,
		},
		{
			name: "valid relation change",
			data: `{"tenant_id":"` + tenant.String() + `","type":"DEVICE","action":"RELATION_DELETED","originator":{"entityType":"DEVICE","id":"` + uuid.NewString() + `"}}`,
		},
		{name: "not json", data: `{`, wantErr: true},
		{name: "missing tenant", data: `{"type":"ALARM","entity_id":"` + entityID.String() + `","action":"ADDED"}`, wantErr: true},
		{name: "relation without originator", data: `{"tenant_id":"` + tenant.String() + `","type":"DEVICE","action":"RELATION_DELETED"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, err := DecodeChange([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeChange() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && change.TenantID != tenant {
				t.Errorf("tenant = %s", change.TenantID)
			}
		})
	}
}

func change(action events.EdgeEventActionType) *entity.Change {
	return &entity.Change{
		TenantID:   uuid.New(),
		Type:       events.TypeAlarm,
		EntityID:   uuid.New(),
		Action:     action,
		Originator: entity.EntityID{Type: entity.TypeDevice, ID: uuid.New()},
	}
}

func TestProcessChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &fakeConsumer{
		drained: cancel,
		reads: []read{
			{change: change(events.ActionAdded), msg: &kafka.Message{Offset: 1}},
			{msg: &kafka.Message{Offset: 2}, err: errors.New("failed to unmarshal")},
			{err: errors.New("broker down")},
			{change: change(events.ActionAlarmAck), msg: &kafka.Message{Offset: 3}},
		},
	}
	n := &fakeNotifier{}
	m := &fakeMetrics{}

	if err := NewProcessor(c, n, WithMetrics(m)).ProcessChanges(ctx); err != nil {
		t.Fatalf("ProcessChanges() error = %v", err)
	}

	if len(n.published) != 2 || n.published[1].Action != events.ActionAlarmAck {
		t.Errorf("published = %+v", n.published)
	}
	if want := []int64{1, 2, 3}; len(c.committed) != 3 || c.committed[0] != want[0] || c.committed[1] != want[1] || c.committed[2] != want[2] {
		t.Errorf("committed = %v, want %v", c.committed, want)
	}
	if m.fannedOut != 2 || m.failed != 2 || len(m.types) != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestProcessChanges_FanoutErrorStillCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &fakeConsumer{drained: cancel, reads: []read{{change: change(events.ActionUpdated), msg: &kafka.Message{Offset: 9}}}}
	m := &fakeMetrics{}
	if err := NewProcessor(c, &fakeNotifier{err: errFanout}, WithMetrics(m)).ProcessChanges(ctx); err != nil {
		t.Fatal(err)
	}
	if len(c.committed) != 1 || m.failed != 1 || m.fannedOut != 0 {
		t.Errorf("committed = %v, metrics = %+v", c.committed, m)
	}
}

func TestProcessChanges_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &fakeConsumer{drained: func() {}}
	if err := NewProcessor(c, &fakeNotifier{}).ProcessChanges(ctx); err != nil {
		t.Errorf("ProcessChanges() error = %v, want nil", err)
	}
}
