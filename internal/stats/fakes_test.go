package stats

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

type savedPoint struct {
	tenantID uuid.UUID
	entityID entity.EntityID
	kvs      []TsKv
	ttl      int64
}

type recordingSink struct {
	mu     sync.Mutex
	points []savedPoint
	err    error
}

func (s *recordingSink) Save(_ context.Context, tenantID uuid.UUID, entityID entity.EntityID, kvs []TsKv, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, savedPoint{tenantID: tenantID, entityID: entityID, kvs: kvs, ttl: ttl})
	return s.err
}

func (s *recordingSink) all() []savedPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedPoint(nil), s.points...)
}

func (p savedPoint) value(key string) int64 {
	for _, kv := range p.kvs {
		if kv.Key == key {
			return kv.Value
		}
	}
	return -1
}

type fakeProbe struct {
	lag    map[string]int64
	err    error
	topics []string
}

func (p *fakeProbe) TotalLagForGroups(_ context.Context, topics []string) (map[string]int64, error) {
	p.topics = topics
	if p.err != nil {
		return nil, p.err
	}
	return p.lag, nil
}

var errProbe = errors.New("admin client unavailable")

// blockingSink holds saves for blockEdge until release is closed or the
// save deadline passes.
type blockingSink struct {
	blockEdge uuid.UUID
	release   chan struct{}

	mu    sync.Mutex
	count int
	err   error
}

func (s *blockingSink) Save(ctx context.Context, _ uuid.UUID, entityID entity.EntityID, _ []TsKv, _ int64) error {
	var err error
	if entityID.ID == s.blockEdge {
		select {
		case <-s.release:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.err = err
	return err
}

func (s *blockingSink) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *blockingSink) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
