package version

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// currentAdapter speaks the id-based dialect: the alarm travels as JSON.
type currentAdapter struct{}

func (a *currentAdapter) Legacy() bool { return false }

func decodeAlarm(msg *wire.AlarmUpdateMsg) (*entity.Alarm, error) {
	if len(msg.Entity) == 0 {
		return nil, nil
	}
	var alarm entity.Alarm
	if err := json.Unmarshal(msg.Entity, &alarm); err != nil {
		return nil, retry.Permanent(fmt.Errorf("malformed alarm entity: %w", err))
	}
	return &alarm, nil
}

func (a *currentAdapter) ResolveOriginator(_ context.Context, _ uuid.UUID, msg *wire.AlarmUpdateMsg) (entity.EntityID, bool, error) {
	alarm, err := decodeAlarm(msg)
	if err != nil || alarm == nil || alarm.Originator.ID == uuid.Nil {
		return entity.EntityID{}, false, err
	}
	return alarm.Originator, true, nil
}

func (a *currentAdapter) BuildAlarm(_ context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (*entity.Alarm, error) {
	alarm, err := decodeAlarm(msg)
	if err != nil || alarm == nil {
		return nil, err
	}
	if alarm.Originator.ID == uuid.Nil {
		return nil, nil
	}
	alarm.TenantID = tenantID
	if id, ok := msg.EntityUUID(); ok {
		alarm.ID = id
	}
	return alarm, nil
}

func (a *currentAdapter) AlarmID(_ context.Context, _ uuid.UUID, msg *wire.AlarmUpdateMsg) (uuid.UUID, bool, error) {
	if id, ok := msg.EntityUUID(); ok {
		return id, true, nil
	}
	alarm, err := decodeAlarm(msg)
	if err != nil || alarm == nil || alarm.ID == uuid.Nil {
		return uuid.Nil, false, err
	}
	return alarm.ID, true, nil
}

func (a *currentAdapter) EncodeAlarm(msgType wire.UpdateMsgType, alarm *entity.Alarm, _ string) (*wire.AlarmUpdateMsg, error) {
	data, err := json.Marshal(alarm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alarm: %w", err)
	}
	return &wire.AlarmUpdateMsg{
		EntityUpdateMsg: *wire.NewEntityUpdateMsg(msgType, alarm.ID, data),
	}, nil
}
