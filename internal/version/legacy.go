package version

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// legacyAdapter speaks the V1 dialect: originators by name, alarms by originator and type.
type legacyAdapter struct {
	lookup entity.EntityLookup
	alarms entity.AlarmService
}

func (a *legacyAdapter) Legacy() bool { return true }

func (a *legacyAdapter) ResolveOriginator(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (entity.EntityID, bool, error) {
	originatorType := entity.EntityType(msg.OriginatorType)
	switch originatorType {
	case entity.TypeDevice, entity.TypeAsset, entity.TypeEntityView:
	default:
		slog.Warn("Unsupported originator type in legacy alarm update",
			"tenant_id", tenantID,
			"originator_type", msg.OriginatorType,
			"originator_name", msg.OriginatorName,
		)
		return entity.EntityID{}, false, nil
	}

	id, found, err := a.lookup.FindByName(ctx, tenantID, originatorType, msg.OriginatorName)
	if err != nil {
		return entity.EntityID{}, false, fmt.Errorf("failed to find originator %s %q: %w", originatorType, msg.OriginatorName, err)
	}
	return id, found, nil
}

func (a *legacyAdapter) latestAlarm(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID, alarmType string) (*entity.Alarm, error) {
	alarm, err := a.alarms.FindLatestAlarm(ctx, tenantID, originator, alarmType)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest alarm: %w", err)
	}
	return alarm, nil
}

func (a *legacyAdapter) BuildAlarm(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (*entity.Alarm, error) {
	originator, found, err := a.ResolveOriginator(ctx, tenantID, msg)
	if err != nil || !found {
		return nil, err
	}

	acknowledged, cleared := false, false
	if msg.Status != "" {
		if acknowledged, cleared, err = entity.AlarmStatus(msg.Status).Flags(); err != nil {
			return nil, retry.Permanent(err)
		}
	}

	var details json.RawMessage
	if msg.Details != "" {
		if !json.Valid([]byte(msg.Details)) {
			return nil, retry.Permanent(fmt.Errorf("malformed alarm details"))
		}
		details = json.RawMessage(msg.Details)
	}

	alarm := &entity.Alarm{
		TenantEntity: entity.TenantEntity{TenantID: tenantID},
		Originator:   originator,
		Type:         msg.Type,
		Severity:     msg.Severity,
		Acknowledged: acknowledged,
		Cleared:      cleared,
		StartTs:      msg.StartTs,
		EndTs:        msg.EndTs,
		AckTs:        msg.AckTs,
		ClearTs:      msg.ClearTs,
		Details:      details,
		Propagate:    msg.Propagate,
	}

	existing, err := a.latestAlarm(ctx, tenantID, originator, msg.Type)
	if err != nil {
		return nil, err
	}
	switch id, ok := msg.EntityUUID(); {
	case existing != nil:
		alarm.ID = existing.ID
		alarm.CreatedTime = existing.CreatedTime
	case ok:
		alarm.ID = id
	default:
		alarm.ID = uuid.New()
	}
	return alarm, nil
}

func (a *legacyAdapter) AlarmID(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (uuid.UUID, bool, error) {
	originator, found, err := a.ResolveOriginator(ctx, tenantID, msg)
	if err != nil || !found {
		return uuid.Nil, false, err
	}
	existing, err := a.latestAlarm(ctx, tenantID, originator, msg.Type)
	if err != nil || existing == nil {
		return uuid.Nil, false, err
	}
	return existing.ID, true, nil
}

func (a *legacyAdapter) EncodeAlarm(msgType wire.UpdateMsgType, alarm *entity.Alarm, originatorName string) (*wire.AlarmUpdateMsg, error) {
	return &wire.AlarmUpdateMsg{
		EntityUpdateMsg: *wire.NewEntityUpdateMsg(msgType, alarm.ID, nil),
		Type:            alarm.Type,
		OriginatorType:  string(alarm.Originator.Type),
		OriginatorName:  originatorName,
		Severity:        alarm.Severity,
		Status:          string(alarm.Status()),
		StartTs:         alarm.StartTs,
		EndTs:           alarm.EndTs,
		AckTs:           alarm.AckTs,
		ClearTs:         alarm.ClearTs,
		Details:         string(alarm.Details),
		Propagate:       alarm.Propagate,
	}, nil
}
