// Package events defines the edge event model: the per-edge queue records the
// dispatcher turns into downlink messages.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// EdgeEventType is the kind of entity an event refers to.
type EdgeEventType string

const (
	TypeAlarm                EdgeEventType = "ALARM"
	TypeAlarmComment         EdgeEventType = "ALARM_COMMENT"
	TypeNotificationRule     EdgeEventType = "NOTIFICATION_RULE"
	TypeNotificationTarget   EdgeEventType = "NOTIFICATION_TARGET"
	TypeNotificationTemplate EdgeEventType = "NOTIFICATION_TEMPLATE"
	TypeDevice               EdgeEventType = "DEVICE"
	TypeAsset                EdgeEventType = "ASSET"
	TypeEntityView           EdgeEventType = "ENTITY_VIEW"
	TypeEdge                 EdgeEventType = "EDGE"
)

// EdgeEventActionType is what happened to the entity.
type EdgeEventActionType string

const (
	ActionAdded               EdgeEventActionType = "ADDED"
	ActionUpdated             EdgeEventActionType = "UPDATED"
	ActionDeleted             EdgeEventActionType = "DELETED"
	ActionAlarmAck            EdgeEventActionType = "ALARM_ACK"
	ActionAlarmClear          EdgeEventActionType = "ALARM_CLEAR"
	ActionAlarmDelete         EdgeEventActionType = "ALARM_DELETE"
	ActionCredentialsUpdated  EdgeEventActionType = "CREDENTIALS_UPDATED"
	ActionAssignedToEdge      EdgeEventActionType = "ASSIGNED_TO_EDGE"
	ActionUnassignedFromEdge  EdgeEventActionType = "UNASSIGNED_FROM_EDGE"
	ActionRelationAddOrUpdate EdgeEventActionType = "RELATION_ADD_OR_UPDATE"
	ActionRelationDeleted     EdgeEventActionType = "RELATION_DELETED"
	ActionAddedComment        EdgeEventActionType = "ADDED_COMMENT"
	ActionUpdatedComment      EdgeEventActionType = "UPDATED_COMMENT"
	ActionDeletedComment      EdgeEventActionType = "DELETED_COMMENT"
)

// UpdateMsgType maps an action to the wire operation. Relation actions and
// unknown actions produce no message and report false.
func (a EdgeEventActionType) UpdateMsgType() (wire.UpdateMsgType, bool) {
	switch a {
	case ActionAdded, ActionAssignedToEdge, ActionAddedComment:
		return wire.EntityCreatedRPCMessage, true
	case ActionUpdated, ActionCredentialsUpdated, ActionUpdatedComment:
		return wire.EntityUpdatedRPCMessage, true
	case ActionDeleted, ActionAlarmDelete, ActionUnassignedFromEdge, ActionDeletedComment:
		return wire.EntityDeletedRPCMessage, true
	case ActionAlarmAck:
		return wire.AlarmAckRPCMessage, true
	case ActionAlarmClear:
		return wire.AlarmClearRPCMessage, true
	default:
		return wire.Unrecognized, false
	}
}

// IsRelation reports whether the action describes a relation change.
func (a EdgeEventActionType) IsRelation() bool {
	return a == ActionRelationAddOrUpdate || a == ActionRelationDeleted
}

// EdgeEvent is one queued change for one edge. It is never modified after creation.
type EdgeEvent struct {
	ID          uuid.UUID           `json:"id"`
	SeqID       int64               `json:"seq_id"`
	TenantID    uuid.UUID           `json:"tenant_id"`
	EdgeID      uuid.UUID           `json:"edge_id"`
	EntityID    uuid.UUID           `json:"entity_id"`
	Type        EdgeEventType       `json:"type"`
	Action      EdgeEventActionType `json:"action"`
	Body        json.RawMessage     `json:"body,omitempty"`
	CreatedTime int64               `json:"created_time"` // Unix millis
}

// NewEdgeEvent creates an event with a fresh id. SeqID is left for the store to assign.
func NewEdgeEvent(tenantID, edgeID uuid.UUID, typ EdgeEventType, action EdgeEventActionType, entityID uuid.UUID, body json.RawMessage) *EdgeEvent {
	return &EdgeEvent{
		ID:          uuid.New(),
		TenantID:    tenantID,
		EdgeID:      edgeID,
		EntityID:    entityID,
		Type:        typ,
		Action:      action,
		Body:        body,
		CreatedTime: time.Now().UnixMilli(),
	}
}

// Store persists edge events and streams them back per edge in order.
type Store interface {
	AppendEvent(ctx context.Context, event *EdgeEvent) error
	StreamPending(ctx context.Context, tenantID, edgeID uuid.UUID) (PendingStream, error)
}

// PendingStream yields the not yet acknowledged events of one edge.
// Next blocks until an event is available or ctx is done.
// Ack marks the event and every earlier one as handled.
type PendingStream interface {
	Next(ctx context.Context) (*EdgeEvent, error)
	Ack(ctx context.Context, event *EdgeEvent) error
	Close() error
}
