// Package entity defines the tenant entities synchronized with edges and the
// service interfaces used to read and mutate them.
package entity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// EntityType names a kind of platform entity.
type EntityType string

const (
	TypeDevice               EntityType = "DEVICE"
	TypeAsset                EntityType = "ASSET"
	TypeEntityView           EntityType = "ENTITY_VIEW"
	TypeEdge                 EntityType = "EDGE"
	TypeTenant               EntityType = "TENANT"
	TypeCustomer             EntityType = "CUSTOMER"
	TypeAlarm                EntityType = "ALARM"
	TypeAlarmComment         EntityType = "ALARM_COMMENT"
	TypeNotificationRule     EntityType = "NOTIFICATION_RULE"
	TypeNotificationTarget   EntityType = "NOTIFICATION_TARGET"
	TypeNotificationTemplate EntityType = "NOTIFICATION_TEMPLATE"
)

// EntityID identifies any entity.
type EntityID struct {
	Type EntityType `json:"entityType"`
	ID   uuid.UUID  `json:"id"`
}

// IsZero reports whether the id is unset.
func (e EntityID) IsZero() bool {
	return e.Type == "" && e.ID == uuid.Nil
}

func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// TenantEntity holds the fields every tenant-owned entity carries.
type TenantEntity struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenantId"`
	CreatedTime int64     `json:"createdTime,omitempty"`
}

// Base gives generic code access to the shared fields.
func (e *TenantEntity) Base() *TenantEntity { return e }

// Edge is a connected gateway.
type Edge struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Version  wire.EdgeVersion
}

// NotificationRule decides when a notification is sent.
type NotificationRule struct {
	TenantEntity
	Name          string          `json:"name"`
	TemplateID    uuid.UUID       `json:"templateId"`
	TriggerType   string          `json:"triggerType"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// NotificationTarget is a set of recipients.
type NotificationTarget struct {
	TenantEntity
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// NotificationTemplate is the message layout of a notification.
type NotificationTemplate struct {
	TenantEntity
	Name             string          `json:"name"`
	NotificationType string          `json:"notificationType"`
	Configuration    json.RawMessage `json:"configuration,omitempty"`
}

// AlarmComment is a user or system note attached to an alarm.
type AlarmComment struct {
	TenantEntity
	AlarmID uuid.UUID       `json:"alarmId"`
	UserID  uuid.UUID       `json:"userId"`
	Type    string          `json:"type"`
	Comment json.RawMessage `json:"comment"`
}
