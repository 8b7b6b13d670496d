// Package converter turns edge events into downlink messages and applies
// uplink update messages to local entities, one processor per entity type.
package converter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

// ErrNoProcessor is returned for entity types without a registered processor.
var ErrNoProcessor = errors.New("no processor registered")

// Processor converts one entity type in both directions.
type Processor interface {
	// EntityType returns the event type this processor handles.
	EntityType() events.EdgeEventType

	// ProcessUplink applies an update received from edge to local state.
	ProcessUplink(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error

	// ConvertToDownlink builds the message for event in the dialect of version.
	// It returns (nil, nil) when there is nothing to send.
	ConvertToDownlink(ctx context.Context, event *events.EdgeEvent, version wire.EdgeVersion) (*wire.DownlinkMsg, error)
}

// Registry manages processors keyed by event type.
type Registry struct {
	processors map[events.EdgeEventType]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[events.EdgeEventType]Processor)}
}

// Register registers p, replacing any processor for the same type.
func (r *Registry) Register(p Processor) {
	r.processors[p.EntityType()] = p
}

// Get returns the processor for t. A missing processor is a permanent failure.
func (r *Registry) Get(t events.EdgeEventType) (Processor, error) {
	p, ok := r.processors[t]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("%w for type %q", ErrNoProcessor, t))
	}
	return p, nil
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []events.EdgeEventType {
	types := make([]events.EdgeEventType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

type handlerFunc func(ctx context.Context, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error

// handlerTable routes an update to the handler for its message type.
type handlerTable map[wire.UpdateMsgType]handlerFunc

func (h handlerTable) dispatch(ctx context.Context, entityType events.EdgeEventType, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	fn, ok := h[msg.GetMsgType()]
	if !ok {
		return handleUnsupported(entityType, tenantID, edge, msg)
	}
	return fn(ctx, tenantID, edge, msg)
}

func handleUnsupported(entityType events.EdgeEventType, tenantID uuid.UUID, edge entity.Edge, msg wire.UpdateMsg) error {
	slog.Warn("Unsupported update message type, skipping",
		"entity_type", entityType,
		"msg_type", msg.GetMsgType().String(),
		"tenant_id", tenantID,
		"edge_id", edge.ID,
	)
	return nil
}

// notify publishes a change. Failures are logged: the mutation already happened
// and fan-out errors never undo it.
func notify(ctx context.Context, n entity.ChangeNotifier, change entity.Change) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, change); err != nil {
		slog.Error("Failed to publish entity change",
			"tenant_id", change.TenantID,
			"entity_type", change.Type,
			"entity_id", change.EntityID,
			"action", change.Action,
			"error", err,
		)
	}
}

// updateID returns the id carried in the header, falling back to the JSON "id" field.
func updateID(msg wire.UpdateMsg) (uuid.UUID, bool) {
	if id, ok := msg.EntityUUID(); ok {
		return id, true
	}
	if len(msg.GetEntity()) == 0 {
		return uuid.Nil, false
	}
	var base entity.TenantEntity
	if err := json.Unmarshal(msg.GetEntity(), &base); err != nil || base.ID == uuid.Nil {
		return uuid.Nil, false
	}
	return base.ID, true
}

// snapshot marshals the state of a deleted entity so downlinks can still describe it.
func snapshot(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to snapshot deleted entity", "error", err)
		return nil
	}
	return data
}

func lookupFailed(what string, err error) error {
	return retry.Temporary(fmt.Errorf("failed to load %s: %w", what, err))
}
