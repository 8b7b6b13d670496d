package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves records from a slice, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	records   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.records) > 0 {
		msg := r.records[0]
		r.records = r.records[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeAdmin struct {
	meta      *kafka.MetadataResponse
	offsets   *kafka.ListOffsetsResponse
	committed map[string][]kafka.OffsetFetchPartition
	metaErr   error
	groups    []string
}

func (a *fakeAdmin) Metadata(context.Context, *kafka.MetadataRequest) (*kafka.MetadataResponse, error) {
	if a.metaErr != nil {
		return nil, a.metaErr
	}
	return a.meta, nil
}

func (a *fakeAdmin) ListOffsets(context.Context, *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error) {
	return a.offsets, nil
}

func (a *fakeAdmin) OffsetFetch(_ context.Context, req *kafka.OffsetFetchRequest) (*kafka.OffsetFetchResponse, error) {
	a.groups = append(a.groups, req.GroupID)
	return &kafka.OffsetFetchResponse{
		Topics: map[string][]kafka.OffsetFetchPartition{req.GroupID: a.committed[req.GroupID]},
	}, nil
}

var errBroker = errors.New("connection refused")
