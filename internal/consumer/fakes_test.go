package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

type read struct {
	change *entity.Change
	msg    *kafka.Message
	err    error
}

// fakeConsumer replays reads, then cancels the processing context.
type fakeConsumer struct {
	mu        sync.Mutex
	reads     []read
	committed []int64
	drained   context.CancelFunc
}

func (c *fakeConsumer) ReadMessage(ctx context.Context) (*entity.Change, *kafka.Message, error) {
	c.mu.Lock()
	if len(c.reads) == 0 {
		c.mu.Unlock()
		c.drained()
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	c.mu.Unlock()
	return r.change, r.msg, r.err
}

func (c *fakeConsumer) CommitMessage(_ context.Context, msg *kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, msg.Offset)
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

type fakeNotifier struct {
	published []entity.Change
	err       error
}

func (n *fakeNotifier) Publish(_ context.Context, c entity.Change) error {
	n.published = append(n.published, c)
	return n.err
}

type fakeMetrics struct {
	fannedOut, failed int
	types             []string
}

func (m *fakeMetrics) RecordChange(changeType string, _ time.Duration, err error) {
	if err != nil {
		m.failed++
		return
	}
	m.fannedOut++
	m.types = append(m.types, changeType)
}
func (m *fakeMetrics) RecordUplink(time.Duration, error) {}
func (m *fakeMetrics) RecordUplinkUpdate(string)         {}
func (m *fakeMetrics) RecordDownlink(error)              {}

var errFanout = errors.New("edge e2: store unavailable")
