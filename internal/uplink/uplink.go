// Package uplink applies the update messages an edge sends to the cloud.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thingsboard/thingsboard-sub059/internal/converter"
	"github.com/thingsboard/thingsboard-sub059/internal/edgectx"
	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/retry"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
	"github.com/thingsboard/thingsboard-sub059/pkg/metrics"
)

// Processor routes uplink update messages to their converters.
type Processor struct {
	registry *converter.Registry
	metrics  metrics.Recorder
}

// NewProcessor creates a Processor. A nil recorder disables metrics.
func NewProcessor(registry *converter.Registry, m metrics.Recorder) *Processor {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &Processor{registry: registry, metrics: m}
}

type batch struct {
	eventType events.EdgeEventType
	msgs      []wire.UpdateMsg
}

// batches lists the contained updates in processing order.
func batches(msg *wire.UplinkMsg) []batch {
	alarms := make([]wire.UpdateMsg, 0, len(msg.AlarmUpdateMsg))
	for _, m := range msg.AlarmUpdateMsg {
		alarms = append(alarms, m)
	}
	return []batch{
		{eventType: events.TypeAlarm, msgs: alarms},
		{eventType: events.TypeAlarmComment, msgs: toUpdates(msg.AlarmCommentUpdateMsg)},
		{eventType: events.TypeNotificationRule, msgs: toUpdates(msg.NotificationRuleUpdateMsg)},
		{eventType: events.TypeNotificationTarget, msgs: toUpdates(msg.NotificationTargetUpdateMsg)},
		{eventType: events.TypeNotificationTemplate, msgs: toUpdates(msg.NotificationTemplateUpdateMsg)},
	}
}

func toUpdates(msgs []*wire.EntityUpdateMsg) []wire.UpdateMsg {
	out := make([]wire.UpdateMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out
}

// Process applies every update in msg on behalf of edge and reports the outcome.
// Processing stops at the first failure, whose message is returned to the edge.
func (p *Processor) Process(ctx context.Context, edge entity.Edge, msg *wire.UplinkMsg) *wire.UplinkResponseMsg {
	startTime := time.Now()

	resp := &wire.UplinkResponseMsg{UplinkMsgID: msg.UplinkMsgID, Success: true}
	err := p.apply(edgectx.With(ctx, edge.ID), edge, msg)
	p.metrics.RecordUplink(time.Since(startTime), err)
	if err != nil {
		slog.Error("Failed to process uplink",
			"tenant_id", edge.TenantID,
			"edge_id", edge.ID,
			"uplink_msg_id", msg.UplinkMsgID,
			"permanent", retry.IsPermanent(err),
			"error", err,
		)
		resp.Success = false
		resp.ErrorMsg = err.Error()
		return resp
	}

	slog.Debug("Uplink processed",
		"tenant_id", edge.TenantID,
		"edge_id", edge.ID,
		"uplink_msg_id", msg.UplinkMsgID,
	)
	return resp
}

func (p *Processor) apply(ctx context.Context, edge entity.Edge, msg *wire.UplinkMsg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("panic while processing uplink: %v", r))
		}
	}()

	for _, b := range batches(msg) {
		if len(b.msgs) == 0 {
			continue
		}
		proc, err := p.registry.Get(b.eventType)
		if err != nil {
			return err
		}
		for _, m := range b.msgs {
			if err := proc.ProcessUplink(ctx, edge.TenantID, edge, m); err != nil {
				return fmt.Errorf("failed to process %s update: %w", b.eventType, err)
			}
			p.metrics.RecordUplinkUpdate(string(b.eventType))
		}
	}
	return nil
}
