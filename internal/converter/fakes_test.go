package converter

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

// fakeAlarms is an in-memory AlarmService that counts mutations.
type fakeAlarms struct {
	mu      sync.Mutex
	alarms  map[uuid.UUID]*entity.Alarm
	findErr error
	saves   int
	deletes int
}

func newFakeAlarms(alarms ...*entity.Alarm) *fakeAlarms {
	f := &fakeAlarms{alarms: make(map[uuid.UUID]*entity.Alarm)}
	for _, a := range alarms {
		f.alarms[a.ID] = a
	}
	return f
}

func (f *fakeAlarms) FindAlarmByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*entity.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	a, ok := f.alarms[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlarms) FindLatestAlarm(_ context.Context, _ uuid.UUID, originator entity.EntityID, alarmType string) (*entity.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *entity.Alarm
	for _, a := range f.alarms {
		if a.Originator == originator && a.Type == alarmType && (latest == nil || a.StartTs > latest.StartTs) {
			latest = a
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeAlarms) SaveAlarm(_ context.Context, a *entity.Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.alarms[a.ID] = &cp
	f.saves++
	return nil
}

func (f *fakeAlarms) DeleteAlarm(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alarms, id)
	f.deletes++
	return nil
}

func (f *fakeAlarms) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves + f.deletes
}

type fakeComments struct {
	comments map[uuid.UUID]*entity.AlarmComment
	saves    int
	deletes  int
}

func newFakeComments() *fakeComments {
	return &fakeComments{comments: make(map[uuid.UUID]*entity.AlarmComment)}
}

func (f *fakeComments) FindCommentByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*entity.AlarmComment, error) {
	c, ok := f.comments[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeComments) SaveComment(_ context.Context, c *entity.AlarmComment) error {
	cp := *c
	f.comments[c.ID] = &cp
	f.saves++
	return nil
}

func (f *fakeComments) DeleteComment(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	delete(f.comments, id)
	f.deletes++
	return nil
}

type fakeNotificationService[T any] struct {
	items   map[uuid.UUID]*T
	idOf    func(*T) uuid.UUID
	saves   int
	deletes int
}

func (f *fakeNotificationService[T]) FindByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*T, error) {
	v, ok := f.items[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (f *fakeNotificationService[T]) Save(_ context.Context, e *T) error {
	cp := *e
	f.items[f.idOf(e)] = &cp
	f.saves++
	return nil
}

func (f *fakeNotificationService[T]) Delete(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	delete(f.items, id)
	f.deletes++
	return nil
}

type fakeLookup struct {
	names map[entity.EntityID]string
	err   error
}

func (f *fakeLookup) FindByName(_ context.Context, _ uuid.UUID, t entity.EntityType, name string) (entity.EntityID, bool, error) {
	for id, n := range f.names {
		if id.Type == t && n == name {
			return id, true, nil
		}
	}
	return entity.EntityID{}, false, nil
}

func (f *fakeLookup) FindName(_ context.Context, _ uuid.UUID, id entity.EntityID) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.names[id], nil
}

// recordingNotifier keeps every published change.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []entity.Change
}

func (n *recordingNotifier) Publish(_ context.Context, c entity.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) all() []entity.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]entity.Change(nil), n.changes...)
}
