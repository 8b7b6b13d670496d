package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/pkg/metrics"
)

// Processor routes consumed changes to a notifier.
type Processor struct {
	consumer MessageConsumer
	notifier entity.ChangeNotifier
	metrics  metrics.Recorder
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records consumed changes.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a Processor.
func NewProcessor(consumer MessageConsumer, notifier entity.ChangeNotifier, opts ...Option) *Processor {
	p := &Processor{consumer: consumer, notifier: notifier, metrics: metrics.NoOp{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessChanges reads changes until ctx is done. Every message is committed once
// handled: fan-out already attempted every edge, so a redelivery would only duplicate
// the edges that succeeded.
func (p *Processor) ProcessChanges(ctx context.Context) error {
	slog.Info("Starting entity change processing loop")

	for {
		select {
		case <-ctx.Done():
			slog.Info("Entity change processing loop stopped")
			return nil
		default:
		}

		change, msg, err := p.consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.metrics.RecordChange("", 0, err)
			if msg == nil {
				slog.Error("Failed to read entity.changed event", "error", err)
				continue
			}
			slog.Error("Skipping malformed entity.changed event",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			p.commit(ctx, msg)
			continue
		}

		startTime := time.Now()
		err = p.notifier.Publish(ctx, *change)
		p.metrics.RecordChange(string(change.Type), time.Since(startTime), err)
		if err != nil {
			slog.Error("Failed to fan out entity change",
				"tenant_id", change.TenantID,
				"type", change.Type,
				"entity_id", change.EntityID,
				"action", change.Action,
				"error", err,
			)
		} else {
			slog.Debug("Entity change fanned out",
				"tenant_id", change.TenantID,
				"type", change.Type,
				"entity_id", change.EntityID,
				"action", change.Action,
			)
		}

		p.commit(ctx, msg)
	}
}

func (p *Processor) commit(ctx context.Context, msg *kafka.Message) {
	if err := p.consumer.CommitMessage(ctx, msg); err != nil {
		slog.Error("Failed to commit offset",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}
