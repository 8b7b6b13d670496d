package converter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// notificationEntity is a pointer to one of the notification entity structs.
type notificationEntity[T any] interface {
	*T
	Base() *entity.TenantEntity
}

// notificationProcessor synchronizes one tenant-scoped notification entity type.
// The three notification types differ only in their service and downlink list.
type notificationProcessor[T any, PT notificationEntity[T]] struct {
	eventType events.EdgeEventType
	service   entity.NotificationService[T]
	notifier  entity.ChangeNotifier
	attach    func(d *wire.DownlinkMsg, m *wire.EntityUpdateMsg)
	handlers  handlerTable
}

func newNotificationProcessor[T any, PT notificationEntity[T]](
	eventType events.EdgeEventType,
	service entity.NotificationService[T],
	notifier entity.ChangeNotifier,
	attach func(d *wire.DownlinkMsg, m *wire.EntityUpdateMsg),
) *notificationProcessor[T, PT] {
	p := &notificationProcessor[T, PT]{
		eventType: eventType,
		service:   service,
		notifier:  notifier,
		attach:    attach,
	}
	p.handlers = handlerTable{
		wire.EntityCreatedRPCMessage: p.onSave,
		wire.EntityUpdatedRPCMessage: p.onSave,
		wire.EntityDeletedRPCMessage: p.onDelete,
	}
	return p
}

// NewNotificationRuleProcessor creates the notification rule processor.
func NewNotificationRuleProcessor(service entity.NotificationRuleService, notifier entity.ChangeNotifier) Processor {
	return newNotificationProcessor[entity.NotificationRule](events.TypeNotificationRule, service, notifier,
		func(d *wire.DownlinkMsg, m *wire.EntityUpdateMsg) {
			d.NotificationRuleUpdateMsg = append(d.NotificationRuleUpdateMsg, m)
		})
}

// NewNotificationTargetProcessor creates the notification target processor.
func NewNotificationTargetProcessor(service entity.NotificationTargetService, notifier entity.ChangeNotifier) Processor {
	return newNotificationProcessor[entity.NotificationTarget](events.TypeNotificationTarget, service, notifier,
		func(d *wire.DownlinkMsg, m *wire.EntityUpdateMsg) {
			d.NotificationTargetUpdateMsg = append(d.NotificationTargetUpdateMsg, m)
		})
}

// NewNotificationTemplateProcessor creates the notification template processor.
func NewNotificationTemplateProcessor(service entity.NotificationTemplateService, notifier entity.ChangeNotifier) Processor {
	return newNotificationProcessor[entity.NotificationTemplate](events.TypeNotificationTemplate, service, notifier,
		func(d *wire.DownlinkMsg, m *wire.EntityUpdateMsg) {
			d.NotificationTemplateUpdateMsg = append(d.NotificationTemplateUpdateMsg, m)
		})
}

func (p *notificationProcessor[T, PT]) EntityType() events.EdgeEventType { return p.eventType }

func (p *notificationProcessor[T, PT]) ProcessUplink(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	return p.handlers.dispatch(ctx, p.eventType, tenantID, edge, msg)
}

func (p *notificationProcessor[T, PT]) onSave(ctx context.Context, tenantID uuid.UUID, _ entity.Edge, msg wire.UpdateMsg) error {
	if len(msg.GetEntity()) == 0 {
		return retry.Permanent(fmt.Errorf("invalid %s update: entity is empty", p.eventType))
	}
	e := PT(new(T))
	if err := json.Unmarshal(msg.GetEntity(), e); err != nil {
		return retry.Permanent(fmt.Errorf("malformed %s: %w", p.eventType, err))
	}
	base := e.Base()
	if id, ok := msg.EntityUUID(); ok {
		base.ID = id
	}
	if base.ID == uuid.Nil {
		return retry.Permanent(fmt.Errorf("invalid %s update: id is missing", p.eventType))
	}
	base.TenantID = tenantID

	existing, err := p.service.FindByID(ctx, tenantID, base.ID)
	if err != nil {
		return lookupFailed(string(p.eventType), err)
	}
	action := events.ActionAdded
	if existing != nil {
		action = events.ActionUpdated
		base.CreatedTime = PT(existing).Base().CreatedTime
	}

	if err := p.service.Save(ctx, (*T)(e)); err != nil {
		return fmt.Errorf("failed to save %s: %w", p.eventType, err)
	}
	p.publish(ctx, tenantID, base.ID, action, nil)
	return nil
}

func (p *notificationProcessor[T, PT]) onDelete(ctx context.Context, tenantID uuid.UUID, _ entity.Edge, msg wire.UpdateMsg) error {
	id, ok := updateID(msg)
	if !ok {
		return retry.Permanent(fmt.Errorf("invalid %s delete: id is missing", p.eventType))
	}
	existing, err := p.service.FindByID(ctx, tenantID, id)
	if err != nil {
		return lookupFailed(string(p.eventType), err)
	}
	if existing == nil {
		return nil
	}
	if err := p.service.Delete(ctx, tenantID, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p.eventType, err)
	}
	p.publish(ctx, tenantID, id, events.ActionDeleted, snapshot(existing))
	return nil
}

func (p *notificationProcessor[T, PT]) publish(ctx context.Context, tenantID, id uuid.UUID, action events.EdgeEventActionType, body json.RawMessage) {
	notify(ctx, p.notifier, entity.Change{
		TenantID: tenantID,
		Type:     p.eventType,
		EntityID: id,
		Action:   action,
		Body:     body,
	})
}

func (p *notificationProcessor[T, PT]) ConvertToDownlink(ctx context.Context, event *events.EdgeEvent, _ wire.EdgeVersion) (*wire.DownlinkMsg, error) {
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
		e, err := p.service.FindByID(ctx, event.TenantID, event.EntityID)
		if err != nil {
			return nil, lookupFailed(string(p.eventType), err)
		}
		if e == nil {
			return nil, nil
		}
		if body, err = json.Marshal(e); err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to marshal %s: %w", p.eventType, err))
		}
	}

	d := &wire.DownlinkMsg{}
	p.attach(d, wire.NewEntityUpdateMsg(msgType, event.EntityID, body))
	return d, nil
}
