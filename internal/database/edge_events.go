package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/events"
)

const (
	// DefaultPollInterval is how often an idle stream looks for new events.
	DefaultPollInterval = time.Second
	// DefaultBatchSize is how many events a stream reads per query.
	DefaultBatchSize = 100
)

// EdgeEventStore is the outbox variant of the edge event store: events are
// rows of edge_events, streamed in seq_id order and marked processed one by
// one on ack. Every poll reads from the lowest unprocessed row, so a row whose
// insert commits after a higher seq_id was already delivered is still picked
// up.
type EdgeEventStore struct {
	db           *DB
	pollInterval time.Duration
	batchSize    int
}

var _ events.Store = (*EdgeEventStore)(nil)

// OutboxOption configures an EdgeEventStore.
type OutboxOption func(*EdgeEventStore)

// WithPollInterval sets how often an idle stream polls.
func WithPollInterval(d time.Duration) OutboxOption {
	return func(s *EdgeEventStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize sets how many rows a stream reads at once.
func WithBatchSize(n int) OutboxOption {
	return func(s *EdgeEventStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewEdgeEventStore creates an outbox store on db.
func NewEdgeEventStore(db *DB, opts ...OutboxOption) *EdgeEventStore {
	s := &EdgeEventStore{db: db, pollInterval: DefaultPollInterval, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendEvent inserts event and sets its SeqID to the assigned sequence number.
func (s *EdgeEventStore) AppendEvent(ctx context.Context, event *events.EdgeEvent) error {
	query := `
		INSERT INTO edge_events (id, tenant_id, edge_id, entity_id, type, action, body, created_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq_id
	`
	var body any
	if len(event.Body) > 0 {
		body = []byte(event.Body)
	}
	err := s.db.conn.QueryRowContext(ctx, query,
		event.ID,
		event.TenantID,
		event.EdgeID,
		uuid.NullUUID{UUID: event.EntityID, Valid: event.EntityID != uuid.Nil},
		string(event.Type),
		string(event.Action),
		body,
		event.CreatedTime,
	).Scan(&event.SeqID)
	if err != nil {
		return fmt.Errorf("failed to append edge event: %w", err)
	}
	return nil
}

// StreamPending opens a stream over the unprocessed events of one edge.
func (s *EdgeEventStore) StreamPending(_ context.Context, tenantID, edgeID uuid.UUID) (events.PendingStream, error) {
	return &outboxStream{store: s, tenantID: tenantID, edgeID: edgeID, inFlight: make(map[int64]struct{})}, nil
}

type outboxStream struct {
	store    *EdgeEventStore
	tenantID uuid.UUID
	edgeID   uuid.UUID
	buf      []*events.EdgeEvent
	// inFlight holds seqs handed out by Next and not yet acked.
	inFlight map[int64]struct{}
}

// Next returns the next unprocessed event, polling while there is none.
func (s *outboxStream) Next(ctx context.Context) (*events.EdgeEvent, error) {
	for {
		if len(s.buf) > 0 {
			event := s.buf[0]
			s.buf = s.buf[1:]
			s.inFlight[event.SeqID] = struct{}{}
			return event, nil
		}
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
		if len(s.buf) > 0 {
			continue
		}

		timer := time.NewTimer(s.store.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *outboxStream) fill(ctx context.Context) error {
	query := `
		SELECT seq_id, id, entity_id, type, action, body, created_time
		FROM edge_events
		WHERE tenant_id = $1 AND edge_id = $2 AND NOT processed
		ORDER BY seq_id
		LIMIT $3
	`
	rows, err := s.store.db.conn.QueryContext(ctx, query, s.tenantID, s.edgeID, s.store.batchSize+len(s.inFlight))
	if err != nil {
		return fmt.Errorf("failed to query pending edge events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			event    = events.EdgeEvent{TenantID: s.tenantID, EdgeID: s.edgeID}
			entityID uuid.NullUUID
			typ      string
			action   string
			body     []byte
		)
		if err := rows.Scan(&event.SeqID, &event.ID, &entityID, &typ, &action, &body, &event.CreatedTime); err != nil {
			return fmt.Errorf("failed to scan edge event: %w", err)
		}
		event.EntityID = entityID.UUID
		event.Type = events.EdgeEventType(typ)
		event.Action = events.EdgeEventActionType(action)
		event.Body = body
		if _, held := s.inFlight[event.SeqID]; held {
			continue
		}
		s.buf = append(s.buf, &event)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating edge events: %w", err)
	}
	return nil
}

// Ack marks exactly event processed. Lower rows that are still unprocessed
// stay pending.
func (s *outboxStream) Ack(ctx context.Context, event *events.EdgeEvent) error {
	query := `
		UPDATE edge_events
		SET processed = TRUE
		WHERE tenant_id = $1 AND edge_id = $2 AND seq_id = $3
	`
	if _, err := s.store.db.conn.ExecContext(ctx, query, s.tenantID, s.edgeID, event.SeqID); err != nil {
		return fmt.Errorf("failed to ack edge event %d: %w", event.SeqID, err)
	}
	delete(s.inFlight, event.SeqID)
	return nil
}

// Close drops buffered and unacked events. They are read again by the next
// stream.
func (s *outboxStream) Close() error {
	s.buf = nil
	clear(s.inFlight)
	return nil
}
