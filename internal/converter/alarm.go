package converter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/version"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// AlarmProcessor synchronizes alarms.
type AlarmProcessor struct {
	alarms   entity.AlarmService
	lookup   entity.EntityLookup
	versions *version.Table
	notifier entity.ChangeNotifier
	handlers handlerTable
	now      func() time.Time
}

var _ Processor = (*AlarmProcessor)(nil)

// NewAlarmProcessor creates the alarm processor.
func NewAlarmProcessor(alarms entity.AlarmService, lookup entity.EntityLookup, versions *version.Table, notifier entity.ChangeNotifier) *AlarmProcessor {
	p := &AlarmProcessor{
		alarms:   alarms,
		lookup:   lookup,
		versions: versions,
		notifier: notifier,
		now:      time.Now,
	}
	p.handlers = handlerTable{
		wire.EntityCreatedRPCMessage: p.alarmHandler(p.onSave),
		wire.EntityUpdatedRPCMessage: p.alarmHandler(p.onSave),
		wire.AlarmAckRPCMessage:      p.alarmHandler(p.onAck),
		wire.AlarmClearRPCMessage:    p.alarmHandler(p.onClear),
		wire.EntityDeletedRPCMessage: p.alarmHandler(p.onDelete),
	}
	return p
}

func (p *AlarmProcessor) EntityType() events.EdgeEventType { return events.TypeAlarm }

type alarmHandlerFunc func(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, adapter version.Adapter, msg *wire.AlarmUpdateMsg) error

func (p *AlarmProcessor) alarmHandler(fn alarmHandlerFunc) handlerFunc {
	return func(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
		alarmMsg, ok := msg.(*wire.AlarmUpdateMsg)
		if !ok {
			return retry.Permanent(fmt.Errorf("invalid alarm update message type %T", msg))
		}
		return fn(ctx, tenantID, edge, p.versions.ForEdge(edge.Version), alarmMsg)
	}
}

// ProcessUplink applies an alarm update from edge.
func (p *AlarmProcessor) ProcessUplink(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	return p.handlers.dispatch(ctx, events.TypeAlarm, tenantID, edge, msg)
}

// onSave creates or updates the alarm. Creating an alarm whose id already exists updates it.
func (p *AlarmProcessor) onSave(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, adapter version.Adapter, msg *wire.AlarmUpdateMsg) error {
	alarm, err := adapter.BuildAlarm(ctx, tenantID, msg)
	if err != nil {
		return fmt.Errorf("failed to build alarm: %w", err)
	}
	if alarm == nil {
		slog.Warn("Alarm originator not found, discarding update",
			"tenant_id", tenantID,
			"edge_id", edge.ID,
			"originator_type", msg.OriginatorType,
			"originator_name", msg.OriginatorName,
		)
		return nil
	}

	existing, err := p.alarms.FindAlarmByID(ctx, tenantID, alarm.ID)
	if err != nil {
		return lookupFailed("alarm", err)
	}

	action := events.ActionAdded
	if existing != nil {
		action = events.ActionUpdated
		alarm.CreatedTime = existing.CreatedTime
	} else if alarm.CreatedTime == 0 {
		alarm.CreatedTime = p.now().UnixMilli()
	}

	if err := p.alarms.SaveAlarm(ctx, alarm); err != nil {
		return fmt.Errorf("failed to save alarm: %w", err)
	}

	slog.Debug("Alarm saved from edge",
		"tenant_id", tenantID,
		"edge_id", edge.ID,
		"alarm_id", alarm.ID,
		"action", action,
	)
	p.publish(ctx, alarm, action, nil)
	return nil
}

// findTarget resolves the alarm an ack, clear or delete refers to. Returns nil when absent.
func (p *AlarmProcessor) findTarget(ctx context.Context, tenantID uuid.UUID, adapter version.Adapter, msg *wire.AlarmUpdateMsg) (*entity.Alarm, error) {
	id, ok, err := adapter.AlarmID(ctx, tenantID, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alarm id: %w", err)
	}
	if !ok {
		return nil, nil
	}
	alarm, err := p.alarms.FindAlarmByID(ctx, tenantID, id)
	if err != nil {
		return nil, lookupFailed("alarm", err)
	}
	return alarm, nil
}

// requestedTs returns the timestamp the edge recorded for an ack or clear, or now.
func (p *AlarmProcessor) requestedTs(msg *wire.AlarmUpdateMsg, legacyTs int64, pick func(*entity.Alarm) int64) int64 {
	if legacyTs > 0 {
		return legacyTs
	}
	if len(msg.Entity) > 0 {
		var sent entity.Alarm
		if err := json.Unmarshal(msg.Entity, &sent); err == nil && pick(&sent) > 0 {
			return pick(&sent)
		}
	}
	return p.now().UnixMilli()
}

func (p *AlarmProcessor) onAck(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, adapter version.Adapter, msg *wire.AlarmUpdateMsg) error {
	alarm, err := p.findTarget(ctx, tenantID, adapter, msg)
	if err != nil || alarm == nil {
		return err
	}
	ts := p.requestedTs(msg, msg.AckTs, func(a *entity.Alarm) int64 { return a.AckTs })
	if !alarm.Ack(ts) {
		slog.Debug("Alarm already acknowledged", "tenant_id", tenantID, "edge_id", edge.ID, "alarm_id", alarm.ID)
		return nil
	}
	if err := p.alarms.SaveAlarm(ctx, alarm); err != nil {
		return fmt.Errorf("failed to acknowledge alarm: %w", err)
	}
	p.publish(ctx, alarm, events.ActionAlarmAck, nil)
	return nil
}

func (p *AlarmProcessor) onClear(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, adapter version.Adapter, msg *wire.AlarmUpdateMsg) error {
	alarm, err := p.findTarget(ctx, tenantID, adapter, msg)
	if err != nil || alarm == nil {
		return err
	}
	ts := p.requestedTs(msg, msg.ClearTs, func(a *entity.Alarm) int64 { return a.ClearTs })
	if !alarm.Clear(ts) {
		slog.Debug("Alarm already cleared", "tenant_id", tenantID, "edge_id", edge.ID, "alarm_id", alarm.ID)
		return nil
	}
	if err := p.alarms.SaveAlarm(ctx, alarm); err != nil {
		return fmt.Errorf("failed to clear alarm: %w", err)
	}
	p.publish(ctx, alarm, events.ActionAlarmClear, nil)
	return nil
}

func (p *AlarmProcessor) onDelete(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, adapter version.Adapter, msg *wire.AlarmUpdateMsg) error {
	alarm, err := p.findTarget(ctx, tenantID, adapter, msg)
	if err != nil || alarm == nil {
		return err
	}
	if err := p.alarms.DeleteAlarm(ctx, tenantID, alarm.ID); err != nil {
		return fmt.Errorf("failed to delete alarm: %w", err)
	}
	p.publish(ctx, alarm, events.ActionAlarmDelete, snapshot(alarm))
	return nil
}

func (p *AlarmProcessor) publish(ctx context.Context, alarm *entity.Alarm, action events.EdgeEventActionType, body json.RawMessage) {
	notify(ctx, p.notifier, entity.Change{
		TenantID:   alarm.TenantID,
		Type:       events.TypeAlarm,
		EntityID:   alarm.ID,
		Action:     action,
		Originator: alarm.Originator,
		Body:       body,
	})
}

// ConvertToDownlink builds the alarm message for event. Deletes are described
// from the event snapshot since the alarm no longer exists; a delete without
// a snapshot yields no message.
func (p *AlarmProcessor) ConvertToDownlink(ctx context.Context, event *events.EdgeEvent, v wire.EdgeVersion) (*wire.DownlinkMsg, error) {
	msgType, ok := event.Action.UpdateMsgType()
	if !ok {
		return nil, nil
	}
	adapter := p.versions.ForEdge(v)

	var alarm *entity.Alarm
	if msgType == wire.EntityDeletedRPCMessage {
		if len(event.Body) == 0 {
			return nil, nil
		}
		alarm = &entity.Alarm{TenantEntity: entity.TenantEntity{ID: event.EntityID, TenantID: event.TenantID}}
		if err := json.Unmarshal(event.Body, alarm); err != nil {
			return nil, retry.Permanent(fmt.Errorf("malformed alarm snapshot: %w", err))
		}
	} else {
		found, err := p.alarms.FindAlarmByID(ctx, event.TenantID, event.EntityID)
		if err != nil {
			return nil, lookupFailed("alarm", err)
		}
		if found == nil {
			return nil, nil
		}
		alarm = found
	}

	var originatorName string
	if adapter.Legacy() && !alarm.Originator.IsZero() {
		name, err := p.lookup.FindName(ctx, event.TenantID, alarm.Originator)
		if err != nil {
			return nil, lookupFailed("originator name", err)
		}
		originatorName = name
	}

	msg, err := adapter.EncodeAlarm(msgType, alarm, originatorName)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return &wire.DownlinkMsg{AlarmUpdateMsg: []*wire.AlarmUpdateMsg{msg}}, nil
}
