package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/queue"
)

// Time series keys written for every edge.
const (
	KeyMsgsAdded             = "downlinkMsgsAdded"
	KeyMsgsPushed            = "downlinkMsgsPushed"
	KeyMsgsPermanentlyFailed = "downlinkMsgsPermanentlyFailed"
	KeyMsgsTmpFailed         = "downlinkMsgsTmpFailed"
	KeyMsgsLag               = "downlinkMsgsLag"
)

// TsKv is one time series value.
type TsKv struct {
	Ts    int64 // Unix millis
	Key   string
	Value int64
}

// Sink persists time series values for an entity.
type Sink interface {
	Save(ctx context.Context, tenantID uuid.UUID, entityID entity.EntityID, kvs []TsKv, ttlSeconds int64) error
}

// LagProbe reports the total consumer lag of each topic, using the topic name as group id.
type LagProbe interface {
	TotalLagForGroups(ctx context.Context, topics []string) (map[string]int64, error)
}

// Config controls the aggregator.
type Config struct {
	Enabled        bool
	TTLDays        int
	ReportInterval time.Duration
	SaveTimeout    time.Duration // per edge; 0 means DefaultSaveTimeout
}

// DefaultSaveTimeout bounds one edge's stats write.
const DefaultSaveTimeout = 30 * time.Second

// Aggregator reports edge counters on a fixed interval.
type Aggregator struct {
	counters *Counters
	sink     Sink
	probe    LagProbe
	cfg      Config
	topicFor func(tenantID, edgeID uuid.UUID) string
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLagProbe enables lag reporting. Without a probe lag is reported as 0.
func WithLagProbe(p LagProbe) Option {
	return func(a *Aggregator) { a.probe = p }
}

// NewAggregator creates an aggregator over counters.
func NewAggregator(counters *Counters, sink Sink, cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		counters: counters,
		sink:     sink,
		cfg:      cfg,
		topicFor: queue.TopicFor,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins periodic reporting. It does nothing when stats are disabled.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.cfg.Enabled {
		slog.Info("Edge stats disabled")
		return
	}

	slog.Info("Starting edge stats aggregator",
		"report_interval", a.cfg.ReportInterval.String(),
		"ttl_days", a.cfg.TTLDays,
		"lag_probe", a.probe != nil,
	)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.ReportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.report(ctx)
			}
		}
	}()
}

// Stop stops reporting and waits for an in-flight report to finish.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Aggregator) saveTimeout() time.Duration {
	if a.cfg.SaveTimeout > 0 {
		return a.cfg.SaveTimeout
	}
	return DefaultSaveTimeout
}

func (a *Aggregator) ttlSeconds() int64 {
	return int64(a.cfg.TTLDays) * 86400
}

// intervalStart truncates now to the report interval boundary.
func (a *Aggregator) intervalStart() int64 {
	ms := a.now().UnixMilli()
	step := a.cfg.ReportInterval.Milliseconds()
	if step <= 0 {
		return ms
	}
	return ms - ms%step
}

func (a *Aggregator) lags(ctx context.Context, snaps []Snapshot) map[uuid.UUID]int64 {
	if a.probe == nil {
		return nil
	}

	topics := make([]string, 0, len(snaps))
	byTopic := make(map[string]uuid.UUID, len(snaps))
	for _, s := range snaps {
		topic := a.topicFor(s.TenantID, s.EdgeID)
		topics = append(topics, topic)
		byTopic[topic] = s.EdgeID
	}

	lagByTopic, err := a.probe.TotalLagForGroups(ctx, topics)
	if err != nil {
		slog.Warn("Failed to query edge consumer lag", "topics", len(topics), "error", err)
		return nil
	}

	out := make(map[uuid.UUID]int64, len(lagByTopic))
	for topic, lag := range lagByTopic {
		if edgeID, ok := byTopic[topic]; ok {
			out[edgeID] = lag
		}
	}
	return out
}

// report persists one point per edge and releases the reported counts. Each
// edge's save is issued on its own goroutine with its own deadline and the
// edge is released once its save is issued, so a slow write for one edge
// never holds back the others.
func (a *Aggregator) report(ctx context.Context) {
	snaps := a.counters.Snapshot()
	if len(snaps) == 0 {
		return
	}

	lags := a.lags(ctx, snaps)
	ts := a.intervalStart()
	ttl := a.ttlSeconds()

	var g errgroup.Group
	for _, s := range snaps {
		s := s
		lag := lags[s.EdgeID]
		kvs := []TsKv{
			{Ts: ts, Key: KeyMsgsAdded, Value: s.Added},
			{Ts: ts, Key: KeyMsgsPushed, Value: s.Pushed},
			{Ts: ts, Key: KeyMsgsPermanentlyFailed, Value: s.PermanentlyFailed},
			{Ts: ts, Key: KeyMsgsTmpFailed, Value: s.TmpFailed},
			{Ts: ts, Key: KeyMsgsLag, Value: lag},
		}

		g.Go(func() error {
			a.save(ctx, s, kvs, ttl)
			return nil
		})
		a.counters.Release(s, lag)

		slog.Debug("Reported edge stats",
			"tenant_id", s.TenantID,
			"edge_id", s.EdgeID,
			"added", s.Added,
			"pushed", s.Pushed,
			"permanently_failed", s.PermanentlyFailed,
			"tmp_failed", s.TmpFailed,
			"lag", lag,
		)
	}
	_ = g.Wait()
}

func (a *Aggregator) save(ctx context.Context, s Snapshot, kvs []TsKv, ttl int64) {
	saveCtx, cancel := context.WithTimeout(ctx, a.saveTimeout())
	defer cancel()

	edge := entity.EntityID{Type: entity.TypeEdge, ID: s.EdgeID}
	if err := a.sink.Save(saveCtx, s.TenantID, edge, kvs, ttl); err != nil {
		slog.Error("Failed to save edge stats",
			"tenant_id", s.TenantID,
			"edge_id", s.EdgeID,
			"error", err,
		)
	}
}
