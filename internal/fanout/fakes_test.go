package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
)

var errStore = errors.New("store unavailable")

type memStore struct {
	mu     sync.Mutex
	byEdge map[uuid.UUID][]*events.EdgeEvent
	failOn map[uuid.UUID]bool
}

func newMemStore() *memStore {
	return &memStore{byEdge: make(map[uuid.UUID][]*events.EdgeEvent), failOn: make(map[uuid.UUID]bool)}
}

func (s *memStore) AppendEvent(_ context.Context, e *events.EdgeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[e.EdgeID] {
		return errStore
	}
	s.byEdge[e.EdgeID] = append(s.byEdge[e.EdgeID], e)
	return nil
}

func (s *memStore) StreamPending(context.Context, uuid.UUID, uuid.UUID) (events.PendingStream, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) count(edgeID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byEdge[edgeID])
}

func (s *memStore) eventsFor(edgeID uuid.UUID) []*events.EdgeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.EdgeEvent(nil), s.byEdge[edgeID]...)
}

// fakeRelations pages through fixed edge lists.
type fakeRelations struct {
	related map[entity.EntityID][]uuid.UUID
	tenant  []uuid.UUID
	err     error
	pages   int
}

func page(ids []uuid.UUID, link entity.PageLink) entity.PageData {
	start := link.Page * link.PageSize
	if start >= len(ids) {
		return entity.PageData{}
	}
	end := start + link.PageSize
	if end > len(ids) {
		end = len(ids)
	}
	return entity.PageData{IDs: ids[start:end], HasNext: end < len(ids)}
}

func (f *fakeRelations) FindRelatedEdgeIDs(_ context.Context, _ uuid.UUID, originator entity.EntityID, link entity.PageLink) (entity.PageData, error) {
	f.pages++
	if f.err != nil {
		return entity.PageData{}, f.err
	}
	return page(f.related[originator], link), nil
}

func (f *fakeRelations) FindTenantEdgeIDs(_ context.Context, _ uuid.UUID, link entity.PageLink) (entity.PageData, error) {
	f.pages++
	if f.err != nil {
		return entity.PageData{}, f.err
	}
	return page(f.tenant, link), nil
}

type fakeCounters struct {
	mu    sync.Mutex
	added map[uuid.UUID]int
}

func (c *fakeCounters) RecordAdded(_, edgeID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.added == nil {
		c.added = make(map[uuid.UUID]int)
	}
	c.added[edgeID]++
}

type fakeInvalidator struct {
	invalidated []entity.EntityID
}

func (f *fakeInvalidator) Invalidate(_ context.Context, _ uuid.UUID, originator entity.EntityID) error {
	f.invalidated = append(f.invalidated, originator)
	return nil
}

type fakeAlarms struct {
	byID map[uuid.UUID]*entity.Alarm
}

func (f *fakeAlarms) FindAlarmByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*entity.Alarm, error) {
	return f.byID[id], nil
}

func (f *fakeAlarms) FindLatestAlarm(context.Context, uuid.UUID, entity.EntityID, string) (*entity.Alarm, error) {
	return nil, nil
}

func (f *fakeAlarms) SaveAlarm(context.Context, *entity.Alarm) error { return nil }

func (f *fakeAlarms) DeleteAlarm(context.Context, uuid.UUID, uuid.UUID) error { return nil }
