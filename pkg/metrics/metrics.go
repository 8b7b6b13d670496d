// Package metrics collects edgesync service metrics: entity changes fanned
// out to edges, uplinks applied on behalf of edges and downlinks delivered to
// them. Snapshots are written to Redis for the health endpoint and the same
// counters are exposed to Prometheus.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix of service snapshots.
	KeyPrefix = "edgesync:metrics:"
	// SnapshotTTL is how long a snapshot stays in Redis if not refreshed.
	SnapshotTTL = 2 * time.Minute
	// DefaultReportInterval is the default interval for writing snapshots to Redis.
	DefaultReportInterval = 30 * time.Second
	// ServiceName is the name edgesync reports under.
	ServiceName = "edgesync"

	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Snapshot is the state of one edgesync instance at LastUpdated.
type Snapshot struct {
	Service     string    `json:"service"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`

	Changes   ChangeStats   `json:"changes"`
	Uplinks   UplinkStats   `json:"uplinks"`
	Downlinks DownlinkStats `json:"downlinks"`
}

// ChangeStats covers entity changes read from the change stream.
type ChangeStats struct {
	FannedOut    uint64            `json:"fanned_out"`
	Failed       uint64            `json:"failed"`
	AvgLatencyNs float64           `json:"avg_latency_ns"`
	ByType       map[string]uint64 `json:"by_type,omitempty"`
}

// UplinkStats covers uplink messages received from edges. ByType counts the
// individual updates applied per edge event type.
type UplinkStats struct {
	Received     uint64            `json:"received"`
	Processed    uint64            `json:"processed"`
	Failed       uint64            `json:"failed"`
	PerSecond    float64           `json:"per_second"`
	AvgLatencyNs float64           `json:"avg_latency_ns"`
	ByType       map[string]uint64 `json:"by_type,omitempty"`
}

// DownlinkStats covers edge events delivered to, or given up on for, edges.
type DownlinkStats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Recorder is what the engine records into.
type Recorder interface {
	// RecordChange counts one entity change; err is its fan-out or decode failure.
	RecordChange(changeType string, latency time.Duration, err error)
	// RecordUplink counts one uplink message and its outcome.
	RecordUplink(latency time.Duration, err error)
	// RecordUplinkUpdate counts one applied update of eventType.
	RecordUplinkUpdate(eventType string)
	// RecordDownlink counts a delivered event, or a dropped one when err is set.
	RecordDownlink(err error)
}

// latency accumulates durations for an average.
type latency struct {
	totalNs atomic.Uint64
	count   atomic.Uint64
}

func (l *latency) add(d time.Duration) {
	l.totalNs.Add(uint64(d.Nanoseconds()))
	l.count.Add(1)
}

func (l *latency) avg() float64 {
	n := l.count.Load()
	if n == 0 {
		return 0
	}
	return float64(l.totalNs.Load()) / float64(n)
}

// typeCounts counts occurrences per type name.
type typeCounts struct {
	mu     sync.RWMutex
	counts map[string]*atomic.Uint64
}

func (t *typeCounts) inc(name string) {
	t.mu.RLock()
	counter, exists := t.counts[name]
	t.mu.RUnlock()

	if !exists {
		t.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = t.counts[name]; !exists {
			counter = &atomic.Uint64{}
			t.counts[name] = counter
		}
		t.mu.Unlock()
	}
	counter.Add(1)
}

func (t *typeCounts) load() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.counts) == 0 {
		return nil
	}
	out := make(map[string]uint64, len(t.counts))
	for name, counter := range t.counts {
		out[name] = counter.Load()
	}
	return out
}

// Collector collects edgesync metrics and reports them periodically.
type Collector struct {
	service        string
	redis          *redis.Client
	startedAt      time.Time
	reportInterval time.Duration

	changesFannedOut atomic.Uint64
	changesFailed    atomic.Uint64
	changeLatency    latency
	changeTypes      typeCounts

	uplinksReceived  atomic.Uint64
	uplinksProcessed atomic.Uint64
	uplinksFailed    atomic.Uint64
	uplinkLatency    latency
	uplinkTypes      typeCounts

	downlinksDelivered atomic.Uint64
	downlinksDropped   atomic.Uint64

	changeTypeVec *prometheus.CounterVec
	uplinkTypeVec *prometheus.CounterVec

	// Only touched by the reporting goroutine.
	lastReportTime      time.Time
	lastUplinksReceived uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a collector for service. A nil Redis client disables
// the Redis snapshot.
func NewCollector(service string, redisClient *redis.Client) *Collector {
	labels := prometheus.Labels{"service": service}
	return &Collector{
		service:        service,
		redis:          redisClient,
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		lastReportTime: time.Now().UTC(),
		changeTypes:    typeCounts{counts: make(map[string]*atomic.Uint64)},
		uplinkTypes:    typeCounts{counts: make(map[string]*atomic.Uint64)},
		changeTypeVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "edgesync_entity_changes_by_type_total",
			Help:        "Entity changes fanned out to edges, by entity type.",
			ConstLabels: labels,
		}, []string{"type"}),
		uplinkTypeVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "edgesync_uplink_updates_total",
			Help:        "Uplink updates applied, by edge event type.",
			ConstLabels: labels,
		}, []string{"type"}),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic snapshot reporting to Redis.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.writeSnapshot(context.Background()) // Final write
				return
			case <-c.stopCh:
				c.writeSnapshot(context.Background()) // Final write
				return
			case <-ticker.C:
				c.writeSnapshot(ctx)
			}
		}
	}()
}

// Stop stops the reporting. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) RecordChange(changeType string, d time.Duration, err error) {
	if err != nil {
		c.changesFailed.Add(1)
		return
	}
	c.changesFannedOut.Add(1)
	c.changeLatency.add(d)
	c.changeTypes.inc(changeType)
	c.changeTypeVec.WithLabelValues(changeType).Inc()
}

func (c *Collector) RecordUplink(d time.Duration, err error) {
	c.uplinksReceived.Add(1)
	if err != nil {
		c.uplinksFailed.Add(1)
		return
	}
	c.uplinksProcessed.Add(1)
	c.uplinkLatency.add(d)
}

func (c *Collector) RecordUplinkUpdate(eventType string) {
	c.uplinkTypes.inc(eventType)
	c.uplinkTypeVec.WithLabelValues(eventType).Inc()
}

func (c *Collector) RecordDownlink(err error) {
	if err != nil {
		c.downlinksDropped.Add(1)
		return
	}
	c.downlinksDelivered.Add(1)
}

// Snapshot returns the current state without writing it to Redis.
func (c *Collector) Snapshot() *Snapshot {
	now := time.Now().UTC()
	received := c.uplinksReceived.Load()

	var rate float64
	if elapsed := now.Sub(c.lastReportTime).Seconds(); elapsed > 0 {
		rate = float64(received-c.lastUplinksReceived) / elapsed
	}

	return &Snapshot{
		Service:     c.service,
		StartedAt:   c.startedAt,
		LastUpdated: now,
		Status:      StatusHealthy,
		Changes: ChangeStats{
			FannedOut:    c.changesFannedOut.Load(),
			Failed:       c.changesFailed.Load(),
			AvgLatencyNs: c.changeLatency.avg(),
			ByType:       c.changeTypes.load(),
		},
		Uplinks: UplinkStats{
			Received:     received,
			Processed:    c.uplinksProcessed.Load(),
			Failed:       c.uplinksFailed.Load(),
			PerSecond:    rate,
			AvgLatencyNs: c.uplinkLatency.avg(),
			ByType:       c.uplinkTypes.load(),
		},
		Downlinks: DownlinkStats{
			Delivered: c.downlinksDelivered.Load(),
			Dropped:   c.downlinksDropped.Load(),
		},
	}
}

// Register exposes the collector on a Prometheus registerer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"edgesync_entity_changes_total", "Entity changes fanned out to edges.", &c.changesFannedOut},
		{"edgesync_entity_changes_failed_total", "Entity changes that could not be decoded or fanned out.", &c.changesFailed},
		{"edgesync_uplinks_received_total", "Uplink messages received from edges.", &c.uplinksReceived},
		{"edgesync_uplinks_failed_total", "Uplink messages answered with an error.", &c.uplinksFailed},
		{"edgesync_downlinks_delivered_total", "Edge events acknowledged by edges.", &c.downlinksDelivered},
		{"edgesync_downlinks_dropped_total", "Edge events given up on.", &c.downlinksDropped},
	}
	for _, ctr := range counters {
		v := ctr.v
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        ctr.name,
			Help:        ctr.help,
			ConstLabels: prometheus.Labels{"service": c.service},
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(cf); err != nil {
			return fmt.Errorf("failed to register %s: %w", ctr.name, err)
		}
	}
	for _, vec := range []*prometheus.CounterVec{c.changeTypeVec, c.uplinkTypeVec} {
		if err := reg.Register(vec); err != nil {
			return fmt.Errorf("failed to register counter vec: %w", err)
		}
	}
	return nil
}

func (c *Collector) writeSnapshot(ctx context.Context) {
	if c.redis == nil {
		return
	}

	snap := c.Snapshot()
	c.lastReportTime = snap.LastUpdated
	c.lastUplinksReceived = snap.Uplinks.Received

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to marshal metrics snapshot", "service", c.service, "error", err)
		return
	}

	key := KeyPrefix + c.service
	if err := c.redis.Set(ctx, key, data, SnapshotTTL).Err(); err != nil {
		slog.Error("Failed to write metrics snapshot to Redis", "service", c.service, "error", err)
		return
	}

	slog.Debug("Metrics snapshot written",
		"service", c.service,
		"key", key,
		"uplink_types", sortedKeys(snap.Uplinks.ByType),
	)
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reader reads snapshots from Redis.
type Reader struct {
	redis *redis.Client
}

// NewReader creates a snapshot reader.
func NewReader(redisClient *redis.Client) *Reader {
	return &Reader{redis: redisClient}
}

// Snapshot returns the last snapshot of service. A snapshot older than
// SnapshotTTL is marked unhealthy: the reporting instance is gone.
func (r *Reader) Snapshot(ctx context.Context, service string) (*Snapshot, error) {
	data, err := r.redis.Get(ctx, KeyPrefix+service).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no metrics snapshot for service: %s", service)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics snapshot: %w", err)
	}
	if time.Since(snap.LastUpdated) > SnapshotTTL {
		snap.Status = StatusUnhealthy
	}
	return &snap, nil
}
