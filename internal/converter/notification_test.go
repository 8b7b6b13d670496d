package converter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

func newRuleService() *fakeNotificationService[entity.NotificationRule] {
	return &fakeNotificationService[entity.NotificationRule]{
		items: make(map[uuid.UUID]*entity.NotificationRule),
		idOf:  func(r *entity.NotificationRule) uuid.UUID { return r.ID },
	}
}

func TestNotificationRule_Lifecycle(t *testing.T) {
	svc := newRuleService()
	notifier := &recordingNotifier{}
	proc := NewNotificationRuleProcessor(svc, notifier)
	ctx := context.Background()

	if proc.EntityType() != events.TypeNotificationRule {
		t.Errorf("EntityType() = %s", proc.EntityType())
	}

	id := uuid.New()
	body := []byte(`{"name":"Critical alarms","triggerType":"ALARM","configuration":{"escalation":1}}`)

	for _, msgType := range []wire.UpdateMsgType{wire.EntityCreatedRPCMessage, wire.EntityUpdatedRPCMessage} {
		if err := proc.ProcessUplink(ctx, tenantID, latestEdge, wire.NewEntityUpdateMsg(msgType, id, body)); err != nil {
			t.Fatalf("ProcessUplink(%v) error = %v", msgType, err)
		}
	}
	stored := svc.items[id]
	if stored == nil || stored.Name != "Critical alarms" || stored.TenantID != tenantID {
		t.Fatalf("stored = %+v", stored)
	}

	if err := proc.ProcessUplink(ctx, tenantID, latestEdge, wire.NewEntityUpdateMsg(wire.EntityDeletedRPCMessage, id, nil)); err != nil {
		t.Fatalf("ProcessUplink(delete) error = %v", err)
	}
	if _, ok := svc.items[id]; ok {
		t.Error("rule should be deleted")
	}

	changes := notifier.all()
	want := []events.EdgeEventActionType{events.ActionAdded, events.ActionUpdated, events.ActionDeleted}
	if len(changes) != len(want) {
		t.Fatalf("changes = %d, want %d", len(changes), len(want))
	}
	for i, action := range want {
		if changes[i].Action != action || changes[i].Type != events.TypeNotificationRule {
			t.Errorf("change[%d] = %s %s, want %s", i, changes[i].Type, changes[i].Action, action)
		}
		if !changes[i].Originator.IsZero() {
			t.Errorf("change[%d] should be tenant-wide", i)
		}
	}
	if len(changes[2].Body) == 0 {
		t.Error("delete change should carry a snapshot")
	}
}

func TestNotification_InvalidPayloadIsPermanent(t *testing.T) {
	proc := NewNotificationTargetProcessor(&fakeNotificationService[entity.NotificationTarget]{
		items: make(map[uuid.UUID]*entity.NotificationTarget),
		idOf:  func(e *entity.NotificationTarget) uuid.UUID { return e.ID },
	}, nil)

	tests := []struct {
		name string
		msg  *wire.EntityUpdateMsg
	}{
		{name: "malformed", msg: &wire.EntityUpdateMsg{MsgType: wire.EntityCreatedRPCMessage, Entity: []byte("[")}},
		{name: "no id", msg: &wire.EntityUpdateMsg{MsgType: wire.EntityUpdatedRPCMessage, Entity: []byte(`{"name":"x"}`)}},
		{name: "empty", msg: &wire.EntityUpdateMsg{MsgType: wire.EntityCreatedRPCMessage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := proc.ProcessUplink(context.Background(), tenantID, latestEdge, tt.msg); !retry.IsPermanent(err) {
				t.Errorf("ProcessUplink() error = %v, want permanent", err)
			}
		})
	}
}

func TestNotification_UnknownMsgTypeIsSafe(t *testing.T) {
	svc := &fakeNotificationService[entity.NotificationTemplate]{
		items: make(map[uuid.UUID]*entity.NotificationTemplate),
		idOf:  func(e *entity.NotificationTemplate) uuid.UUID { return e.ID },
	}
	proc := NewNotificationTemplateProcessor(svc, nil)

	msg := &wire.EntityUpdateMsg{MsgType: wire.Unrecognized, Entity: []byte("not even json")}
	if err := proc.ProcessUplink(context.Background(), tenantID, latestEdge, msg); err != nil {
		t.Errorf("ProcessUplink() error = %v, want nil", err)
	}
	if svc.saves+svc.deletes != 0 {
		t.Error("unknown message type must not mutate state")
	}
}

func TestNotification_ConvertToDownlink(t *testing.T) {
	svc := &fakeNotificationService[entity.NotificationTemplate]{
		items: make(map[uuid.UUID]*entity.NotificationTemplate),
		idOf:  func(e *entity.NotificationTemplate) uuid.UUID { return e.ID },
	}
	tmpl := &entity.NotificationTemplate{
		TenantEntity:     entity.TenantEntity{ID: uuid.New(), TenantID: tenantID},
		Name:             "Alarm email",
		NotificationType: "ALARM",
	}
	svc.items[tmpl.ID] = tmpl
	proc := NewNotificationTemplateProcessor(svc, nil)

	ev := events.NewEdgeEvent(tenantID, latestEdge.ID, events.TypeNotificationTemplate, events.ActionUpdated, tmpl.ID, nil)
	msg, err := proc.ConvertToDownlink(context.Background(), ev, wire.V_LATEST)
	if err != nil {
		t.Fatalf("ConvertToDownlink() error = %v", err)
	}
	if len(msg.NotificationTemplateUpdateMsg) != 1 || len(msg.NotificationRuleUpdateMsg) != 0 {
		t.Fatalf("downlink lists = %+v", msg)
	}
	var decoded entity.NotificationTemplate
	if err := json.Unmarshal(msg.NotificationTemplateUpdateMsg[0].Entity, &decoded); err != nil || decoded.Name != tmpl.Name {
		t.Errorf("decoded = %+v, err = %v", decoded, err)
	}

	snap, _ := json.Marshal(tmpl)
	del := events.NewEdgeEvent(tenantID, latestEdge.ID, events.TypeNotificationTemplate, events.ActionDeleted, tmpl.ID, snap)
	msg, err = proc.ConvertToDownlink(context.Background(), del, wire.V_LATEST)
	if err != nil || msg == nil || msg.NotificationTemplateUpdateMsg[0].MsgType != wire.EntityDeletedRPCMessage {
		t.Errorf("ConvertToDownlink(delete) = %+v, %v", msg, err)
	}

	bare := events.NewEdgeEvent(tenantID, latestEdge.ID, events.TypeNotificationTemplate, events.ActionDeleted, uuid.New(), nil)
	if msg, err := proc.ConvertToDownlink(context.Background(), bare, wire.V_LATEST); msg != nil || err != nil {
		t.Errorf("ConvertToDownlink(delete without snapshot) = %v, %v; want nil, nil", msg, err)
	}
}
