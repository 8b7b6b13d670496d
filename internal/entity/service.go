package entity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/events"
)

// Find methods return (nil, nil) when the entity does not exist.

// AlarmService reads and mutates alarms.
type AlarmService interface {
	FindAlarmByID(ctx context.Context, tenantID, id uuid.UUID) (*Alarm, error)
	FindLatestAlarm(ctx context.Context, tenantID uuid.UUID, originator EntityID, alarmType string) (*Alarm, error)
	SaveAlarm(ctx context.Context, alarm *Alarm) error
	DeleteAlarm(ctx context.Context, tenantID, id uuid.UUID) error
}

// AlarmCommentService reads and mutates alarm comments.
type AlarmCommentService interface {
	FindCommentByID(ctx context.Context, tenantID, id uuid.UUID) (*AlarmComment, error)
	SaveComment(ctx context.Context, comment *AlarmComment) error
	DeleteComment(ctx context.Context, tenantID, id uuid.UUID) error
}

// NotificationService reads and mutates one kind of notification entity.
type NotificationService[T any] interface {
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (*T, error)
	Save(ctx context.Context, e *T) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

type (
	NotificationRuleService     = NotificationService[NotificationRule]
	NotificationTargetService   = NotificationService[NotificationTarget]
	NotificationTemplateService = NotificationService[NotificationTemplate]
)

// EntityLookup resolves entities by name, used for edges that identify originators by name.
type EntityLookup interface {
	FindByName(ctx context.Context, tenantID uuid.UUID, entityType EntityType, name string) (EntityID, bool, error)
	FindName(ctx context.Context, tenantID uuid.UUID, id EntityID) (string, error)
}

// EdgeService loads edges.
type EdgeService interface {
	FindEdgeByID(ctx context.Context, tenantID, edgeID uuid.UUID) (*Edge, error)
}

// PageLink selects one page of a listing.
type PageLink struct {
	Page     int
	PageSize int
}

// PageData is one page of edge ids.
type PageData struct {
	IDs     []uuid.UUID `json:"ids"`
	HasNext bool        `json:"has_next"`
}

// RelationService answers which edges an entity is related to.
type RelationService interface {
	FindRelatedEdgeIDs(ctx context.Context, tenantID uuid.UUID, originator EntityID, link PageLink) (PageData, error)
	FindTenantEdgeIDs(ctx context.Context, tenantID uuid.UUID, link PageLink) (PageData, error)
}

// Change describes a mutation that edges must learn about.
type Change struct {
	TenantID uuid.UUID                  `json:"tenant_id"`
	Type     events.EdgeEventType       `json:"type"`
	EntityID uuid.UUID                  `json:"entity_id"`
	Action   events.EdgeEventActionType `json:"action"`
	// Originator is the entity whose related edges receive the change.
	// Empty for tenant-wide entities.
	Originator EntityID `json:"originator,omitempty"`
	// ParentID is the owning alarm of a comment.
	ParentID uuid.UUID       `json:"parent_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Validate checks the fields every change needs.
func (c *Change) Validate() error {
	if c.TenantID == uuid.Nil {
		return fmt.Errorf("tenant_id cannot be empty")
	}
	if c.Type == "" {
		return fmt.Errorf("type cannot be empty")
	}
	if c.Action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if c.Action.IsRelation() {
		if c.Originator.IsZero() {
			return fmt.Errorf("originator cannot be empty for relation changes")
		}
		return nil
	}
	if c.EntityID == uuid.Nil {
		return fmt.Errorf("entity_id cannot be empty")
	}
	return nil
}

// ChangeNotifier receives every successful mutation.
type ChangeNotifier interface {
	Publish(ctx context.Context, change Change) error
}
