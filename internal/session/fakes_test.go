package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/dispatcher"
	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/wire"
)

type fakeEdges struct {
	edges map[uuid.UUID]*entity.Edge
}

func (f *fakeEdges) FindEdgeByID(_ context.Context, _ uuid.UUID, edgeID uuid.UUID) (*entity.Edge, error) {
	e, ok := f.edges[edgeID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

type echoUplinks struct {
	mu       sync.Mutex
	received []*wire.UplinkMsg
}

func (h *echoUplinks) Process(_ context.Context, _ entity.Edge, msg *wire.UplinkMsg) *wire.UplinkResponseMsg {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
	return &wire.UplinkResponseMsg{UplinkMsgID: msg.UplinkMsgID, Success: true}
}

// blockingUplinks holds every uplink until release is closed.
type blockingUplinks struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingUplinks() *blockingUplinks {
	return &blockingUplinks{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (h *blockingUplinks) Process(ctx context.Context, _ entity.Edge, msg *wire.UplinkMsg) *wire.UplinkResponseMsg {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
	case <-ctx.Done():
		return &wire.UplinkResponseMsg{UplinkMsgID: msg.UplinkMsgID, ErrorMsg: ctx.Err().Error()}
	}
	return &wire.UplinkResponseMsg{UplinkMsgID: msg.UplinkMsgID, Success: true}
}

// scriptedRunner sends the given downlinks one by one and reports each result.
type scriptedRunner struct {
	downlinks []*wire.DownlinkMsg
	results   chan error
	sessions  chan dispatcher.Session
}

func newScriptedRunner(downlinks ...*wire.DownlinkMsg) *scriptedRunner {
	return &scriptedRunner{
		downlinks: downlinks,
		results:   make(chan error, len(downlinks)),
		sessions:  make(chan dispatcher.Session, 1),
	}
}

func (r *scriptedRunner) Run(ctx context.Context, sess dispatcher.Session) error {
	r.sessions <- sess
	for _, msg := range r.downlinks {
		r.results <- sess.SendDownlink(ctx, msg)
	}
	<-ctx.Done()
	return nil
}
