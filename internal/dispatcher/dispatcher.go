// Package dispatcher delivers the pending events of one connected edge as
// downlink messages, in queue order, acknowledging each once its outcome is final.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/converter"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
	"github.com/thingsboard/thingsboard-sub059/pkg/metrics"
)

// Session is a connected edge.
type Session interface {
	TenantID() uuid.UUID
	EdgeID() uuid.UUID
	Version() wire.EdgeVersion
	// SendDownlink blocks until the edge acknowledged msg or the attempt failed.
	SendDownlink(ctx context.Context, msg *wire.DownlinkMsg) error
}

// Recorder counts delivery outcomes per edge.
type Recorder interface {
	RecordPushed(tenantID, edgeID uuid.UUID)
	RecordPermanentlyFailed(tenantID, edgeID uuid.UUID)
	RecordTmpFailed(tenantID, edgeID uuid.UUID)
}

// Dispatcher pumps events from the store to edge sessions.
type Dispatcher struct {
	store    events.Store
	registry *converter.Registry
	counters Recorder
	metrics  metrics.Recorder
	retry    retry.Config
	nextID   func() int32
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records published downlinks and errors.
func WithMetrics(m metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetryConfig sets the per-event retry budget.
func WithRetryConfig(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// New creates a Dispatcher.
func New(store events.Store, registry *converter.Registry, counters Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		counters: counters,
		metrics:  metrics.NoOp{},
		retry:    retry.DefaultConfig(),
		nextID:   wire.NextDownlinkMsgID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers events to sess until ctx is done or the stream fails.
// A cancelled context is a clean stop and returns nil.
func (d *Dispatcher) Run(ctx context.Context, sess Session) error {
	tenantID, edgeID := sess.TenantID(), sess.EdgeID()

	stream, err := d.store.StreamPending(ctx, tenantID, edgeID)
	if err != nil {
		return fmt.Errorf("failed to open pending events of edge %s: %w", edgeID, err)
	}
	defer stream.Close()

	slog.Info("Edge dispatcher started",
		"tenant_id", tenantID,
		"edge_id", edgeID,
		"edge_version", sess.Version().String(),
	)

	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Edge dispatcher stopped", "tenant_id", tenantID, "edge_id", edgeID)
				return nil
			}
			return fmt.Errorf("failed to read pending event: %w", err)
		}

		if !d.deliver(ctx, sess, event) {
			// Session went away mid-delivery; the event stays pending.
			return nil
		}

		if err := stream.Ack(ctx, event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to ack event %d: %w", event.SeqID, err)
		}
	}
}

// deliver converts and sends one event. It reports false when ctx ended before
// the outcome was final.
func (d *Dispatcher) deliver(ctx context.Context, sess Session, event *events.EdgeEvent) bool {
	startTime := time.Now()
	tenantID, edgeID := sess.TenantID(), sess.EdgeID()

	proc, err := d.registry.Get(event.Type)
	if err != nil {
		d.failPermanently(sess, event, err)
		return true
	}

	var sentID int32
	err = retry.WithRetry(ctx, d.retry, "dispatch edge event", func() error {
		msg, err := proc.ConvertToDownlink(ctx, event, sess.Version())
		if err != nil {
			return d.attemptFailed(sess, err)
		}
		if msg == nil || msg.IsEmpty() {
			return nil
		}

		msg.DownlinkMsgID = d.nextID()
		if err := sess.SendDownlink(ctx, msg); err != nil {
			return d.attemptFailed(sess, err)
		}
		sentID = msg.DownlinkMsgID
		return nil
	})

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		d.failPermanently(sess, event, err)
		return true
	}

	if sentID == 0 {
		slog.Debug("Nothing to send for edge event",
			"tenant_id", tenantID,
			"edge_id", edgeID,
			"type", event.Type,
			"action", event.Action,
			"seq_id", event.SeqID,
		)
		return true
	}

	d.counters.RecordPushed(tenantID, edgeID)
	d.metrics.RecordDownlink(nil)
	slog.Debug("Downlink delivered",
		"tenant_id", tenantID,
		"edge_id", edgeID,
		"downlink_msg_id", sentID,
		"type", event.Type,
		"action", event.Action,
		"seq_id", event.SeqID,
		"latency", time.Since(startTime),
	)
	return true
}

// attemptFailed counts a retryable attempt and returns err for the retry loop.
func (d *Dispatcher) attemptFailed(sess Session, err error) error {
	if retry.IsRetryable(err) {
		d.counters.RecordTmpFailed(sess.TenantID(), sess.EdgeID())
	}
	return err
}

func (d *Dispatcher) failPermanently(sess Session, event *events.EdgeEvent, err error) {
	d.counters.RecordPermanentlyFailed(sess.TenantID(), sess.EdgeID())
	d.metrics.RecordDownlink(err)
	slog.Error("Giving up on edge event",
		"tenant_id", sess.TenantID(),
		"edge_id", sess.EdgeID(),
		"event_id", event.ID,
		"seq_id", event.SeqID,
		"type", event.Type,
		"action", event.Action,
		"error", err,
	)
}
