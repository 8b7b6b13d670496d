package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// EntityStore keeps every tenant entity edgesync synchronizes in the entities
// table. The entity itself is the JSON body; the other columns index it.
type EntityStore struct {
	db *DB
}

var (
	_ entity.AlarmService        = (*EntityStore)(nil)
	_ entity.AlarmCommentService = (*EntityStore)(nil)
	_ entity.EntityLookup        = (*EntityStore)(nil)
	_ entity.EdgeService         = (*EntityStore)(nil)
)

// NewEntityStore creates an entity store on db.
func NewEntityStore(db *DB) *EntityStore {
	return &EntityStore{db: db}
}

// entityRow holds the indexed columns of one entities row.
type entityRow struct {
	tenantID   uuid.UUID
	entityType entity.EntityType
	id         uuid.UUID
	name       string
	typ        string
	originator entity.EntityID
	createdAt  int64
}

// stamp assigns an id and creation time to entities saved for the first time.
func stamp(base *entity.TenantEntity) {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	if base.CreatedTime == 0 {
		base.CreatedTime = time.Now().UnixMilli()
	}
}

func (s *EntityStore) findBody(ctx context.Context, tenantID uuid.UUID, entityType entity.EntityType, id uuid.UUID, dst any) (bool, error) {
	query := `
		SELECT body
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3
	`
	var body []byte
	err := s.db.conn.QueryRowContext(ctx, query, tenantID, string(entityType), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s %s: %w", entityType, id, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s %s: %w", entityType, id, err)
	}
	return true, nil
}

func (s *EntityStore) upsert(ctx context.Context, row entityRow, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", row.entityType, row.id, err)
	}
	query := `
		INSERT INTO entities (tenant_id, entity_type, id, name, type, originator_type, originator_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, entity_type, id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			originator_type = EXCLUDED.originator_type,
			originator_id = EXCLUDED.originator_id,
			body = EXCLUDED.body
	`
	originatorID := uuid.NullUUID{UUID: row.originator.ID, Valid: row.originator.ID != uuid.Nil}
	_, err = s.db.conn.ExecContext(ctx, query,
		row.tenantID,
		string(row.entityType),
		row.id,
		row.name,
		row.typ,
		string(row.originator.Type),
		originatorID,
		body,
		row.createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", row.entityType, row.id, err)
	}
	return nil
}

func (s *EntityStore) delete(ctx context.Context, tenantID uuid.UUID, entityType entity.EntityType, id uuid.UUID) error {
	query := `DELETE FROM entities WHERE tenant_id = $1 AND entity_type = $2 AND id = $3`
	if _, err := s.db.conn.ExecContext(ctx, query, tenantID, string(entityType), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, id, err)
	}
	return nil
}

// FindAlarmByID returns the alarm or nil when it does not exist.
func (s *EntityStore) FindAlarmByID(ctx context.Context, tenantID, id uuid.UUID) (*entity.Alarm, error) {
	var alarm entity.Alarm
	found, err := s.findBody(ctx, tenantID, entity.TypeAlarm, id, &alarm)
	if err != nil || !found {
		return nil, err
	}
	return &alarm, nil
}

// FindLatestAlarm returns the most recently created alarm of alarmType on originator.
func (s *EntityStore) FindLatestAlarm(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID, alarmType string) (*entity.Alarm, error) {
	query := `
		SELECT body
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND originator_type = $3 AND originator_id = $4 AND type = $5
		ORDER BY created_at DESC
		LIMIT 1
	`
	var body []byte
	err := s.db.conn.QueryRowContext(ctx, query,
		tenantID, string(entity.TypeAlarm), string(originator.Type), originator.ID, alarmType,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest alarm: %w", err)
	}

	var alarm entity.Alarm
	if err := json.Unmarshal(body, &alarm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alarm: %w", err)
	}
	return &alarm, nil
}

// SaveAlarm inserts or updates alarm.
func (s *EntityStore) SaveAlarm(ctx context.Context, alarm *entity.Alarm) error {
	stamp(&alarm.TenantEntity)
	return s.upsert(ctx, entityRow{
		tenantID:   alarm.TenantID,
		entityType: entity.TypeAlarm,
		id:         alarm.ID,
		name:       alarm.Type,
		typ:        alarm.Type,
		originator: alarm.Originator,
		createdAt:  alarm.CreatedTime,
	}, alarm)
}

// DeleteAlarm removes the alarm. Deleting a missing alarm is not an error.
func (s *EntityStore) DeleteAlarm(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.delete(ctx, tenantID, entity.TypeAlarm, id)
}

// FindCommentByID returns the comment or nil when it does not exist.
func (s *EntityStore) FindCommentByID(ctx context.Context, tenantID, id uuid.UUID) (*entity.AlarmComment, error) {
	var comment entity.AlarmComment
	found, err := s.findBody(ctx, tenantID, entity.TypeAlarmComment, id, &comment)
	if err != nil || !found {
		return nil, err
	}
	return &comment, nil
}

// SaveComment inserts or updates comment. The owning alarm is kept as its originator.
func (s *EntityStore) SaveComment(ctx context.Context, comment *entity.AlarmComment) error {
	stamp(&comment.TenantEntity)
	return s.upsert(ctx, entityRow{
		tenantID:   comment.TenantID,
		entityType: entity.TypeAlarmComment,
		id:         comment.ID,
		typ:        comment.Type,
		originator: entity.EntityID{Type: entity.TypeAlarm, ID: comment.AlarmID},
		createdAt:  comment.CreatedTime,
	}, comment)
}

// DeleteComment removes the comment.
func (s *EntityStore) DeleteComment(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.delete(ctx, tenantID, entity.TypeAlarmComment, id)
}

// FindByName returns the oldest entity of entityType called name.
func (s *EntityStore) FindByName(ctx context.Context, tenantID uuid.UUID, entityType entity.EntityType, name string) (entity.EntityID, bool, error) {
	query := `
		SELECT id
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND name = $3
		ORDER BY created_at
		LIMIT 1
	`
	var id uuid.UUID
	err := s.db.conn.QueryRowContext(ctx, query, tenantID, string(entityType), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.EntityID{}, false, nil
	}
	if err != nil {
		return entity.EntityID{}, false, fmt.Errorf("failed to find %s by name: %w", entityType, err)
	}
	return entity.EntityID{Type: entityType, ID: id}, true, nil
}

// FindName returns the name of id, or "" when it does not exist.
func (s *EntityStore) FindName(ctx context.Context, tenantID uuid.UUID, id entity.EntityID) (string, error) {
	query := `SELECT name FROM entities WHERE tenant_id = $1 AND entity_type = $2 AND id = $3`
	var name string
	err := s.db.conn.QueryRowContext(ctx, query, tenantID, string(id.Type), id.ID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find name of %s: %w", id, err)
	}
	return name, nil
}

type edgeBody struct {
	Version wire.EdgeVersion `json:"version"`
}

// FindEdgeByID returns the edge or nil when it does not exist.
func (s *EntityStore) FindEdgeByID(ctx context.Context, tenantID, edgeID uuid.UUID) (*entity.Edge, error) {
	query := `
		SELECT name, body
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3
	`
	var (
		name string
		body []byte
	)
	err := s.db.conn.QueryRowContext(ctx, query, tenantID, string(entity.TypeEdge), edgeID).Scan(&name, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %s: %w", edgeID, err)
	}

	var eb edgeBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge %s: %w", edgeID, err)
	}
	return &entity.Edge{ID: edgeID, TenantID: tenantID, Name: name, Version: eb.Version}, nil
}

// saveEdge registers edge so it can connect.
func (s *EntityStore) saveEdge(ctx context.Context, edge *entity.Edge) error {
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	return s.upsert(ctx, entityRow{
		tenantID:   edge.TenantID,
		entityType: entity.TypeEdge,
		id:         edge.ID,
		name:       edge.Name,
		createdAt:  time.Now().UnixMilli(),
	}, edgeBody{Version: edge.Version})
}

type notificationEntity[T any] interface {
	*T
	Base() *entity.TenantEntity
}

// NotificationRepo stores one kind of notification entity.
type NotificationRepo[T any, PT notificationEntity[T]] struct {
	store      *EntityStore
	entityType entity.EntityType
	name       func(PT) string
}

var (
	_ entity.NotificationRuleService     = (*NotificationRepo[entity.NotificationRule, *entity.NotificationRule])(nil)
	_ entity.NotificationTargetService   = (*NotificationRepo[entity.NotificationTarget, *entity.NotificationTarget])(nil)
	_ entity.NotificationTemplateService = (*NotificationRepo[entity.NotificationTemplate, *entity.NotificationTemplate])(nil)
)

// Rules returns the notification rule repository.
func (s *EntityStore) Rules() *NotificationRepo[entity.NotificationRule, *entity.NotificationRule] {
	return &NotificationRepo[entity.NotificationRule, *entity.NotificationRule]{
		store:      s,
		entityType: entity.TypeNotificationRule,
		name:       func(r *entity.NotificationRule) string { return r.Name },
	}
}

// Targets returns the notification target repository.
func (s *EntityStore) Targets() *NotificationRepo[entity.NotificationTarget, *entity.NotificationTarget] {
	return &NotificationRepo[entity.NotificationTarget, *entity.NotificationTarget]{
		store:      s,
		entityType: entity.TypeNotificationTarget,
		name:       func(t *entity.NotificationTarget) string { return t.Name },
	}
}

// Templates returns the notification template repository.
func (s *EntityStore) Templates() *NotificationRepo[entity.NotificationTemplate, *entity.NotificationTemplate] {
	return &NotificationRepo[entity.NotificationTemplate, *entity.NotificationTemplate]{
		store:      s,
		entityType: entity.TypeNotificationTemplate,
		name:       func(t *entity.NotificationTemplate) string { return t.Name },
	}
}

// FindByID returns the entity or nil when it does not exist.
func (r *NotificationRepo[T, PT]) FindByID(ctx context.Context, tenantID, id uuid.UUID) (*T, error) {
	var v T
	found, err := r.store.findBody(ctx, tenantID, r.entityType, id, &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

// Save inserts or updates e.
func (r *NotificationRepo[T, PT]) Save(ctx context.Context, e *T) error {
	base := PT(e).Base()
	stamp(base)
	return r.store.upsert(ctx, entityRow{
		tenantID:   base.TenantID,
		entityType: r.entityType,
		id:         base.ID,
		name:       r.name(PT(e)),
		createdAt:  base.CreatedTime,
	}, e)
}

// Delete removes the entity.
func (r *NotificationRepo[T, PT]) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return r.store.delete(ctx, tenantID, r.entityType, id)
}
