package uplink

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

type memStore struct {
	mu     sync.Mutex
	byEdge map[uuid.UUID][]*events.EdgeEvent
}

func newMemStore() *memStore {
	return &memStore{byEdge: make(map[uuid.UUID][]*events.EdgeEvent)}
}

func (s *memStore) AppendEvent(_ context.Context, e *events.EdgeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEdge[e.EdgeID] = append(s.byEdge[e.EdgeID], e)
	return nil
}

func (s *memStore) StreamPending(context.Context, uuid.UUID, uuid.UUID) (events.PendingStream, error) {
	return nil, errors.New("not implemented")
}

func (s *memStore) eventsFor(edgeID uuid.UUID) []*events.EdgeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.EdgeEvent(nil), s.byEdge[edgeID]...)
}

type fakeRelations struct {
	related map[entity.EntityID][]uuid.UUID
}

func (f *fakeRelations) FindRelatedEdgeIDs(_ context.Context, _ uuid.UUID, originator entity.EntityID, _ entity.PageLink) (entity.PageData, error) {
	return entity.PageData{IDs: f.related[originator]}, nil
}

func (f *fakeRelations) FindTenantEdgeIDs(context.Context, uuid.UUID, entity.PageLink) (entity.PageData, error) {
	return entity.PageData{}, nil
}

type fakeAlarms struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*entity.Alarm
}

func (f *fakeAlarms) FindAlarmByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*entity.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlarms) FindLatestAlarm(context.Context, uuid.UUID, entity.EntityID, string) (*entity.Alarm, error) {
	return nil, nil
}

func (f *fakeAlarms) SaveAlarm(_ context.Context, a *entity.Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.byID[a.ID] = &cp
	return nil
}

func (f *fakeAlarms) DeleteAlarm(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

type noLookup struct{}

func (noLookup) FindByName(context.Context, uuid.UUID, entity.EntityType, string) (entity.EntityID, bool, error) {
	return entity.EntityID{}, false, nil
}

func (noLookup) FindName(context.Context, uuid.UUID, entity.EntityID) (string, error) {
	return "", nil
}

// panickingProcessor fails in the worst possible way.
type panickingProcessor struct{}

func (panickingProcessor) EntityType() events.EdgeEventType { return events.TypeNotificationRule }

func (panickingProcessor) ProcessUplink(context.Context, uuid.UUID, entity.Edge, wire.UpdateMsg) error {
	panic("boom")
}

func (panickingProcessor) ConvertToDownlink(context.Context, *events.EdgeEvent, wire.EdgeVersion) (*wire.DownlinkMsg, error) {
	return nil, nil
}
