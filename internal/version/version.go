// Package version adapts alarm update messages to the dialect an edge speaks.
// Edges older than V_3_6_0 identify originators by name and alarms by
// originator and type; newer edges send ids and the full entity as JSON.
package version

import (
	"context"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// Adapter converts between alarm update messages and alarms for one dialect.
type Adapter interface {
	// Legacy reports whether this is the name-based dialect.
	Legacy() bool
	// ResolveOriginator finds the local originator the message refers to.
	ResolveOriginator(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (entity.EntityID, bool, error)
	// BuildAlarm builds the alarm described by the message. It returns (nil, nil)
	// when the originator cannot be resolved.
	BuildAlarm(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (*entity.Alarm, error)
	// AlarmID returns the id of the local alarm the message refers to.
	AlarmID(ctx context.Context, tenantID uuid.UUID, msg *wire.AlarmUpdateMsg) (uuid.UUID, bool, error)
	// EncodeAlarm builds the downlink form of alarm.
	EncodeAlarm(msgType wire.UpdateMsgType, alarm *entity.Alarm, originatorName string) (*wire.AlarmUpdateMsg, error)
}

// Table selects the adapter for an edge version.
type Table struct {
	adapters map[wire.EdgeVersion]Adapter
	current  Adapter
}

var legacyVersions = []wire.EdgeVersion{wire.V_3_3_0, wire.V_3_3_3, wire.V_3_4_0, wire.V_3_5_0}

// NewTable builds the version table. lookup and alarms serve the legacy dialect.
func NewTable(lookup entity.EntityLookup, alarms entity.AlarmService) *Table {
	current := &currentAdapter{}
	legacy := &legacyAdapter{lookup: lookup, alarms: alarms}

	t := &Table{
		adapters: make(map[wire.EdgeVersion]Adapter),
		current:  current,
	}
	for _, v := range legacyVersions {
		t.adapters[v] = legacy
	}
	return t
}

// ForEdge returns the adapter for v. Versions without a dedicated entry use the current dialect.
func (t *Table) ForEdge(v wire.EdgeVersion) Adapter {
	if a, ok := t.adapters[v]; ok {
		return a
	}
	return t.current
}
