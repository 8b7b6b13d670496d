// Package fanout turns entity changes into edge events for every edge that must
// see them, skipping the edge the change came from.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thingsboard/thingsboard-sub059/internal/edgectx"
	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
)

const (
	// DefaultPageSize bounds one page of related edges.
	DefaultPageSize = 1000
	// DefaultConcurrency bounds parallel appends within one page.
	DefaultConcurrency = 16
)

// AddedRecorder counts events appended for an edge.
type AddedRecorder interface {
	RecordAdded(tenantID, edgeID uuid.UUID)
}

// Invalidator drops cached related-edge pages of an originator.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID) error
}

// Request is one change to deliver.
type Request struct {
	TenantID     uuid.UUID
	OriginatorID entity.EntityID
	EntityID     uuid.UUID
	Type         events.EdgeEventType
	Action       events.EdgeEventActionType
	Body         json.RawMessage
	// SourceEdgeID is the edge the change came from. It never receives the event.
	SourceEdgeID uuid.UUID
}

// Resolver appends edge events for related edges.
type Resolver struct {
	store       events.Store
	relations   entity.RelationService
	alarms      entity.AlarmService
	counters    AddedRecorder
	invalidator Invalidator
	pageSize    int
	concurrency int
}

var _ entity.ChangeNotifier = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*Resolver)

// WithCounters records every appended event.
func WithCounters(c AddedRecorder) Option {
	return func(r *Resolver) { r.counters = c }
}

// WithPageSize sets the related-edge page size.
func WithPageSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithConcurrency sets how many appends run at once.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithInvalidator drops cached pages when relations change.
func WithInvalidator(inv Invalidator) Option {
	return func(r *Resolver) { r.invalidator = inv }
}

// New creates a Resolver. alarms resolves the originator of alarm comments that do not carry one.
func New(store events.Store, relations entity.RelationService, alarms entity.AlarmService, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		relations:   relations,
		alarms:      alarms,
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type pageFunc func(ctx context.Context, link entity.PageLink) (entity.PageData, error)

// PushToRelatedEdges appends req to every edge related to req.OriginatorID.
// All appends are attempted; the joined error only reports what failed.
func (r *Resolver) PushToRelatedEdges(ctx context.Context, req Request) error {
	return r.push(ctx, req, func(ctx context.Context, link entity.PageLink) (entity.PageData, error) {
		return r.relations.FindRelatedEdgeIDs(ctx, req.TenantID, req.OriginatorID, link)
	})
}

// PushToAllEdges appends req to every edge of the tenant.
func (r *Resolver) PushToAllEdges(ctx context.Context, req Request) error {
	return r.push(ctx, req, func(ctx context.Context, link entity.PageLink) (entity.PageData, error) {
		return r.relations.FindTenantEdgeIDs(ctx, req.TenantID, link)
	})
}

func (r *Resolver) push(ctx context.Context, req Request, next pageFunc) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	link := entity.PageLink{Page: 0, PageSize: r.pageSize}
	for {
		page, err := next(ctx, link)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list edges for page %d: %w", link.Page, err))
			break
		}

		// Goroutines never return an error so one failed edge cannot cancel the rest.
		var g errgroup.Group
		g.SetLimit(r.concurrency)
		for _, edgeID := range page.IDs {
			if edgeID == req.SourceEdgeID {
				continue
			}
			edgeID := edgeID
			g.Go(func() error {
				if err := r.append(ctx, req, edgeID); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if !page.HasNext {
			break
		}
		link.Page++
	}

	return errors.Join(errs...)
}

func (r *Resolver) append(ctx context.Context, req Request, edgeID uuid.UUID) error {
	event := events.NewEdgeEvent(req.TenantID, edgeID, req.Type, req.Action, req.EntityID, req.Body)
	if err := r.store.AppendEvent(ctx, event); err != nil {
		slog.Error("Failed to append edge event",
			"tenant_id", req.TenantID,
			"edge_id", edgeID,
			"type", req.Type,
			"action", req.Action,
			"entity_id", req.EntityID,
			"error", err,
		)
		return fmt.Errorf("edge %s: %w", edgeID, err)
	}

	if r.counters != nil {
		r.counters.RecordAdded(req.TenantID, edgeID)
	}
	slog.Debug("Edge event appended",
		"tenant_id", req.TenantID,
		"edge_id", edgeID,
		"type", req.Type,
		"action", req.Action,
	)
	return nil
}

// Publish routes a change to the edges that must see it. The source edge is taken from ctx.
func (r *Resolver) Publish(ctx context.Context, change entity.Change) error {
	if err := change.Validate(); err != nil {
		return fmt.Errorf("invalid change: %w", err)
	}

	req := Request{
		TenantID: change.TenantID,
		EntityID: change.EntityID,
		Type:     change.Type,
		Action:   change.Action,
		Body:     change.Body,
	}
	if source, ok := edgectx.EdgeID(ctx); ok {
		req.SourceEdgeID = source
	}

	if change.Action.IsRelation() {
		r.invalidate(ctx, change.TenantID, change.Originator)
		req.OriginatorID = change.Originator
		return r.PushToRelatedEdges(ctx, req)
	}

	switch change.Type {
	case events.TypeNotificationRule, events.TypeNotificationTarget, events.TypeNotificationTemplate:
		return r.PushToAllEdges(ctx, req)
	case events.TypeAlarmComment:
		originator, ok, err := r.commentOriginator(ctx, change)
		if err != nil {
			return err
		}
		if !ok {
			slog.Debug("Parent alarm of comment not found, nothing to fan out",
				"tenant_id", change.TenantID,
				"comment_id", change.EntityID,
				"alarm_id", change.ParentID,
			)
			return nil
		}
		req.OriginatorID = originator
	case events.TypeAlarm:
		if change.Originator.IsZero() {
			return fmt.Errorf("alarm change %s has no originator", change.EntityID)
		}
		req.OriginatorID = change.Originator
	default:
		req.OriginatorID = change.Originator
		if req.OriginatorID.IsZero() {
			req.OriginatorID = entity.EntityID{Type: entity.EntityType(change.Type), ID: change.EntityID}
		}
	}

	return r.PushToRelatedEdges(ctx, req)
}

func (r *Resolver) commentOriginator(ctx context.Context, change entity.Change) (entity.EntityID, bool, error) {
	if !change.Originator.IsZero() {
		return change.Originator, true, nil
	}
	if change.ParentID == uuid.Nil || r.alarms == nil {
		return entity.EntityID{}, false, nil
	}
	alarm, err := r.alarms.FindAlarmByID(ctx, change.TenantID, change.ParentID)
	if err != nil {
		return entity.EntityID{}, false, fmt.Errorf("failed to load parent alarm %s: %w", change.ParentID, err)
	}
	if alarm == nil {
		return entity.EntityID{}, false, nil
	}
	return alarm.Originator, true, nil
}

func (r *Resolver) invalidate(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID) {
	if r.invalidator == nil {
		return
	}
	if err := r.invalidator.Invalidate(ctx, tenantID, originator); err != nil {
		slog.Warn("Failed to invalidate related edges cache",
			"tenant_id", tenantID,
			"originator", originator.String(),
			"error", err,
		)
	}
}
