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
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// AlarmCommentProcessor synchronizes alarm comments. Every change needs the
// parent alarm; comments on unknown alarms are dropped.
type AlarmCommentProcessor struct {
	comments entity.AlarmCommentService
	alarms   entity.AlarmService
	notifier entity.ChangeNotifier
	handlers handlerTable
	now      func() time.Time
}

var _ Processor = (*AlarmCommentProcessor)(nil)

// NewAlarmCommentProcessor creates the alarm comment processor.
func NewAlarmCommentProcessor(comments entity.AlarmCommentService, alarms entity.AlarmService, notifier entity.ChangeNotifier) *AlarmCommentProcessor {
	p := &AlarmCommentProcessor{
		comments: comments,
		alarms:   alarms,
		notifier: notifier,
		now:      time.Now,
	}
	p.handlers = handlerTable{
		wire.EntityCreatedRPCMessage: p.onSave,
		wire.EntityUpdatedRPCMessage: p.onSave,
		wire.EntityDeletedRPCMessage: p.onDelete,
	}
	return p
}

func (p *AlarmCommentProcessor) EntityType() events.EdgeEventType { return events.TypeAlarmComment }

// ProcessUplink applies an alarm comment update from edge.
func (p *AlarmCommentProcessor) ProcessUplink(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	return p.handlers.dispatch(ctx, events.TypeAlarmComment, tenantID, edge, msg)
}

func (p *AlarmCommentProcessor) parentAlarm(ctx context.Context, tenantID, alarmID uuid.UUID) (*entity.Alarm, error) {
	if alarmID == uuid.Nil {
		return nil, nil
	}
	alarm, err := p.alarms.FindAlarmByID(ctx, tenantID, alarmID)
	if err != nil {
		return nil, lookupFailed("parent alarm", err)
	}
	return alarm, nil
}

func (p *AlarmCommentProcessor) onSave(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	if len(msg.GetEntity()) == 0 {
		return retry.Permanent(fmt.Errorf("invalid alarm comment update: entity is empty"))
	}
	var comment entity.AlarmComment
	if err := json.Unmarshal(msg.GetEntity(), &comment); err != nil {
		return retry.Permanent(fmt.Errorf("malformed alarm comment: %w", err))
	}
	if id, ok := msg.EntityUUID(); ok {
		comment.ID = id
	}
	if comment.ID == uuid.Nil {
		return retry.Permanent(fmt.Errorf("invalid alarm comment update: id is missing"))
	}
	comment.TenantID = tenantID

	parent, err := p.parentAlarm(ctx, tenantID, comment.AlarmID)
	if err != nil {
		return err
	}
	if parent == nil {
		slog.Debug("Parent alarm not found, skipping comment",
			"tenant_id", tenantID,
			"edge_id", edge.ID,
			"comment_id", comment.ID,
			"alarm_id", comment.AlarmID,
		)
		return nil
	}

	existing, err := p.comments.FindCommentByID(ctx, tenantID, comment.ID)
	if err != nil {
		return lookupFailed("alarm comment", err)
	}
	action := events.ActionAddedComment
	if existing != nil {
		action = events.ActionUpdatedComment
		comment.CreatedTime = existing.CreatedTime
	} else if comment.CreatedTime == 0 {
		comment.CreatedTime = p.now().UnixMilli()
	}

	if err := p.comments.SaveComment(ctx, &comment); err != nil {
		return fmt.Errorf("failed to save alarm comment: %w", err)
	}
	p.publish(ctx, &comment, parent, action, nil)
	return nil
}

func (p *AlarmCommentProcessor) onDelete(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	id, ok := updateID(msg)
	if !ok {
		return retry.Permanent(fmt.Errorf("invalid alarm comment delete: id is missing"))
	}
	comment, err := p.comments.FindCommentByID(ctx, tenantID, id)
	if err != nil {
		return lookupFailed("alarm comment", err)
	}
	if comment == nil {
		return nil
	}
	parent, err := p.parentAlarm(ctx, tenantID, comment.AlarmID)
	if err != nil {
		return err
	}
	if parent == nil {
		slog.Debug("Parent alarm not found, skipping comment delete",
			"tenant_id", tenantID,
			"edge_id", edge.ID,
			"comment_id", id,
		)
		return nil
	}

	if err := p.comments.DeleteComment(ctx, tenantID, id); err != nil {
		return fmt.Errorf("failed to delete alarm comment: %w", err)
	}
	p.publish(ctx, comment, parent, events.ActionDeletedComment, snapshot(comment))
	return nil
}

func (p *AlarmCommentProcessor) publish(ctx context.Context, comment *entity.AlarmComment, parent *entity.Alarm, action events.EdgeEventActionType, body json.RawMessage) {
	notify(ctx, p.notifier, entity.Change{
		TenantID:   comment.TenantID,
		Type:       events.TypeAlarmComment,
		EntityID:   comment.ID,
		Action:     action,
		Originator: parent.Originator,
		ParentID:   parent.ID,
		Body:       body,
	})
}

// ConvertToDownlink builds the comment message for event.
func (p *AlarmCommentProcessor) ConvertToDownlink(ctx context.Context, event *events.EdgeEvent, _ wire.EdgeVersion) (*wire.DownlinkMsg, error) {
	msgType, ok := event.Action.UpdateMsgType()
	if !ok {
		return nil, nil
	}

	var body []byte
	if msgType == wire.EntityDeletedRPCMessage {
		if len(event.Body) == 0 {
			return nil, nil
		}
		body = event.Body
	} else {
		comment, err := p.comments.FindCommentByID(ctx, event.TenantID, event.EntityID)
		if err != nil {
			return nil, lookupFailed("alarm comment", err)
		}
		if comment == nil {
			return nil, nil
		}
		if body, err = json.Marshal(comment); err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to marshal alarm comment: %w", err))
		}
	}

	msg := wire.NewEntityUpdateMsg(msgType, event.EntityID, body)
	return &wire.DownlinkMsg{AlarmCommentUpdateMsg: []*wire.EntityUpdateMsg{msg}}, nil
}
