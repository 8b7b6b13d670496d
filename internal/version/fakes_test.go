package version

import (
	"context"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

type fakeLookup struct {
	byName map[string]entity.EntityID // key: type + "/" + name
	err    error
}

func (f *fakeLookup) FindByName(_ context.Context, _ uuid.UUID, t entity.EntityType, name string) (entity.EntityID, bool, error) {
	if f.err != nil {
		return entity.EntityID{}, false, f.err
	}
	id, ok := f.byName[string(t)+"/"+name]
	return id, ok, nil
}

func (f *fakeLookup) FindName(_ context.Context, _ uuid.UUID, id entity.EntityID) (string, error) {
	for key, v := range f.byName {
		if v == id {
			return key[len(id.Type)+1:], nil
		}
	}
	return "", nil
}

type fakeAlarms struct {
	latest map[string]*entity.Alarm // key: originator id + "/" + type
}

func (f *fakeAlarms) FindAlarmByID(context.Context, uuid.UUID, uuid.UUID) (*entity.Alarm, error) {
	return nil, nil
}

func (f *fakeAlarms) FindLatestAlarm(_ context.Context, _ uuid.UUID, originator entity.EntityID, alarmType string) (*entity.Alarm, error) {
	return f.latest[originator.ID.String()+"/"+alarmType], nil
}

func (f *fakeAlarms) SaveAlarm(context.Context, *entity.Alarm) error { return nil }

func (f *fakeAlarms) DeleteAlarm(context.Context, uuid.UUID, uuid.UUID) error { return nil }
