// Package stats tracks per-edge downlink counters and periodically persists
// them, together with consumer lag, as edge time series.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MsgCounters holds the downlink counters of one edge. MsgsLag is a gauge.
type MsgCounters struct {
	TenantID uuid.UUID
	EdgeID   uuid.UUID

	MsgsAdded             atomic.Int64
	MsgsPushed            atomic.Int64
	MsgsPermanentlyFailed atomic.Int64
	MsgsTmpFailed         atomic.Int64
	MsgsLag               atomic.Int64
}

// Snapshot is a point-in-time copy of MsgCounters.
type Snapshot struct {
	TenantID          uuid.UUID
	EdgeID            uuid.UUID
	Added             int64
	Pushed            int64
	PermanentlyFailed int64
	TmpFailed         int64
	Lag               int64
}

// Counters holds MsgCounters per edge, created on first use and dropped
// once an edge has nothing left to report.
type Counters struct {
	mu     sync.RWMutex
	byEdge map[uuid.UUID]*MsgCounters
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{byEdge: make(map[uuid.UUID]*MsgCounters)}
}

// Load returns a copy of the counters of edgeID. An edge with no pending
// activity reads as zero.
func (c *Counters) Load(edgeID uuid.UUID) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.byEdge[edgeID]; ok {
		return m.snapshot()
	}
	return Snapshot{EdgeID: edgeID}
}

// add increments one counter of edgeID under the read lock, creating the
// entry if needed. Entries are only removed under the write lock, so an
// increment never lands on a dropped entry.
func (c *Counters) add(tenantID, edgeID uuid.UUID, field func(*MsgCounters) *atomic.Int64) {
	c.mu.RLock()
	counters, exists := c.byEdge[edgeID]
	if exists {
		field(counters).Add(1)
	}
	c.mu.RUnlock()
	if exists {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check after acquiring write lock
	if counters, exists = c.byEdge[edgeID]; !exists {
		counters = &MsgCounters{TenantID: tenantID, EdgeID: edgeID}
		c.byEdge[edgeID] = counters
	}
	field(counters).Add(1)
}

// RecordAdded counts an event appended for the edge.
func (c *Counters) RecordAdded(tenantID, edgeID uuid.UUID) {
	c.add(tenantID, edgeID, func(m *MsgCounters) *atomic.Int64 { return &m.MsgsAdded })
}

// RecordPushed counts a downlink the edge acknowledged.
func (c *Counters) RecordPushed(tenantID, edgeID uuid.UUID) {
	c.add(tenantID, edgeID, func(m *MsgCounters) *atomic.Int64 { return &m.MsgsPushed })
}

// RecordPermanentlyFailed counts an event that was given up on.
func (c *Counters) RecordPermanentlyFailed(tenantID, edgeID uuid.UUID) {
	c.add(tenantID, edgeID, func(m *MsgCounters) *atomic.Int64 { return &m.MsgsPermanentlyFailed })
}

// RecordTmpFailed counts one failed delivery attempt that will be retried.
func (c *Counters) RecordTmpFailed(tenantID, edgeID uuid.UUID) {
	c.add(tenantID, edgeID, func(m *MsgCounters) *atomic.Int64 { return &m.MsgsTmpFailed })
}

func (m *MsgCounters) snapshot() Snapshot {
	return Snapshot{
		TenantID:          m.TenantID,
		EdgeID:            m.EdgeID,
		Added:             m.MsgsAdded.Load(),
		Pushed:            m.MsgsPushed.Load(),
		PermanentlyFailed: m.MsgsPermanentlyFailed.Load(),
		TmpFailed:         m.MsgsTmpFailed.Load(),
		Lag:               m.MsgsLag.Load(),
	}
}

func (s Snapshot) idle() bool {
	return s.Added == 0 && s.Pushed == 0 && s.PermanentlyFailed == 0 && s.TmpFailed == 0 && s.Lag == 0
}

// Snapshot copies the counters of every edge with pending activity.
func (c *Counters) Snapshot() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(c.byEdge))
	for _, m := range c.byEdge {
		if s := m.snapshot(); !s.idle() {
			out = append(out, s)
		}
	}
	return out
}

// Release subtracts a reported snapshot and records the edge's current lag.
// Increments made after the snapshot was taken stay in the counters for the
// next report. An edge left with nothing to report is dropped and created
// again on its next increment.
func (c *Counters) Release(s Snapshot, lag int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.byEdge[s.EdgeID]
	if !ok {
		return
	}
	m.MsgsAdded.Add(-s.Added)
	m.MsgsPushed.Add(-s.Pushed)
	m.MsgsPermanentlyFailed.Add(-s.PermanentlyFailed)
	m.MsgsTmpFailed.Add(-s.TmpFailed)
	m.MsgsLag.Store(lag)

	if m.snapshot().idle() {
		delete(c.byEdge, s.EdgeID)
	}
}
