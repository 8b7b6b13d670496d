package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/events"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

var errDrained = errors.New("no more events")

// fakeStore streams a fixed list of events and reports errDrained after the last one.
type fakeStore struct {
	pending []*events.EdgeEvent
	stream  *fakeStream
}

func (s *fakeStore) AppendEvent(_ context.Context, e *events.EdgeEvent) error {
	s.pending = append(s.pending, e)
	return nil
}

func (s *fakeStore) StreamPending(context.Context, uuid.UUID, uuid.UUID) (events.PendingStream, error) {
	s.stream = &fakeStream{pending: s.pending}
	return s.stream, nil
}

type fakeStream struct {
	mu      sync.Mutex
	pending []*events.EdgeEvent
	acked   []int64
	closed  bool
}

func (s *fakeStream) Next(context.Context) (*events.EdgeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, errDrained
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	return e, nil
}

func (s *fakeStream) Ack(_ context.Context, e *events.EdgeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, e.SeqID)
	return nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeSession struct {
	tenantID uuid.UUID
	edgeID   uuid.UUID
	version  wire.EdgeVersion
	sent     []*wire.DownlinkMsg
	// failures are returned by successive SendDownlink calls before sends succeed.
	failures []error
	onSend   func()
}

func (s *fakeSession) TenantID() uuid.UUID {
	return s.tenantID
}

func (s *fakeSession) EdgeID() uuid.UUID {
	return s.edgeID
}

func (s *fakeSession) Version() wire.EdgeVersion {
	return s.version
}

func (s *fakeSession) SendDownlink(_ context.Context, msg *wire.DownlinkMsg) error {
	if s.onSend != nil {
		s.onSend()
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// fakeProcessor converts every event of its type into one alarm update.
type fakeProcessor struct {
	eventType events.EdgeEventType
	convert   func(*events.EdgeEvent) (*wire.DownlinkMsg, error)
	versions  []wire.EdgeVersion
}

func (p *fakeProcessor) EntityType() events.EdgeEventType { return p.eventType }

func (p *fakeProcessor) ProcessUplink(context.Context, uuid.UUID, entity.Edge, wire.UpdateMsg) error {
	return nil
}

func (p *fakeProcessor) ConvertToDownlink(_ context.Context, e *events.EdgeEvent, v wire.EdgeVersion) (*wire.DownlinkMsg, error) {
	p.versions = append(p.versions, v)
	if p.convert != nil {
		return p.convert(e)
	}
	return &wire.DownlinkMsg{
		AlarmUpdateMsg: []*wire.AlarmUpdateMsg{{EntityUpdateMsg: *wire.NewEntityUpdateMsg(wire.EntityUpdatedRPCMessage, e.EntityID, nil)}},
	}, nil
}
