// Package timeseries writes edge statistics to InfluxDB.
package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/stats"
)

// Measurement is the InfluxDB measurement edge statistics are written to.
const Measurement = "edge_stats"

// PointWriter is the part of api.WriteAPIBlocking the sink uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink saves statistics as InfluxDB points: one point per timestamp,
// one field per key. Retention is the bucket's, so the ttl is not used.
type InfluxSink struct {
	client influxdb2.Client
	writer PointWriter
}

var _ stats.Sink = (*InfluxSink)(nil)

// NewInfluxSink connects to the InfluxDB server at url.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
	}
}

// NewSink creates a sink on an existing writer.
func NewSink(writer PointWriter) *InfluxSink {
	return &InfluxSink{writer: writer}
}

// Save writes kvs for entityID.
func (s *InfluxSink) Save(ctx context.Context, tenantID uuid.UUID, entityID entity.EntityID, kvs []stats.TsKv, _ int64) error {
	if len(kvs) == 0 {
		return nil
	}

	tags := map[string]string{
		"tenant_id":   tenantID.String(),
		"entity_type": string(entityID.Type),
		"entity_id":   entityID.ID.String(),
	}

	byTs := make(map[int64]map[string]interface{})
	for _, kv := range kvs {
		fields, ok := byTs[kv.Ts]
		if !ok {
			fields = make(map[string]interface{})
			byTs[kv.Ts] = fields
		}
		fields[kv.Key] = kv.Value
	}

	tss := make([]int64, 0, len(byTs))
	for ts := range byTs {
		tss = append(tss, ts)
	}
	sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })

	points := make([]*write.Point, 0, len(tss))
	for _, ts := range tss {
		points = append(points, write.NewPoint(Measurement, tags, byTs[ts], time.UnixMilli(ts)))
	}

	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write stats for %s: %w", entityID, err)
	}
	return nil
}

// Close releases the client. Safe on a sink built with NewSink.
func (s *InfluxSink) Close() {
	if s.client != nil {
		slog.Info("Closing InfluxDB client")
		s.client.Close()
	}
}
