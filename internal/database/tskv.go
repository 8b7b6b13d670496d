package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
	"github.com/thingsboard/thingsboard-sub059/internal/stats"
)

// TsKvSink saves statistics into the ts_kv table. Rows expire ttlSeconds
// after their timestamp; a non-positive ttl keeps them forever.
type TsKvSink struct {
	db *DB
}

var _ stats.Sink = (*TsKvSink)(nil)

// NewTsKvSink creates a ts_kv sink on db.
func NewTsKvSink(db *DB) *TsKvSink {
	return &TsKvSink{db: db}
}

// Save upserts kvs for entityID in one statement.
func (s *TsKvSink) Save(ctx context.Context, tenantID uuid.UUID, entityID entity.EntityID, kvs []stats.TsKv, ttlSeconds int64) error {
	if len(kvs) == 0 {
		return nil
	}

	keys := make([]string, len(kvs))
	tss := make([]int64, len(kvs))
	values := make([]int64, len(kvs))
	for i, kv := range kvs {
		keys[i] = kv.Key
		tss[i] = kv.Ts
		values[i] = kv.Value
	}

	query := `
		INSERT INTO ts_kv (tenant_id, entity_type, entity_id, key, ts, long_v, expires_at)
		SELECT $1, $2, $3, t.key, t.ts, t.v,
			CASE WHEN $4::bigint > 0 THEN to_timestamp(t.ts / 1000.0) + make_interval(secs => $4::double precision) END
		FROM unnest($5::text[], $6::bigint[], $7::bigint[]) AS t(key, ts, v)
		ON CONFLICT (entity_type, entity_id, key, ts) DO UPDATE SET
			long_v = EXCLUDED.long_v,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.conn.ExecContext(ctx, query,
		tenantID,
		string(entityID.Type),
		entityID.ID,
		ttlSeconds,
		pq.Array(keys),
		pq.Array(tss),
		pq.Array(values),
	)
	if err != nil {
		return fmt.Errorf("failed to save ts_kv for %s: %w", entityID, err)
	}
	return nil
}

// DeleteExpired removes rows whose ttl has passed and returns how many were removed.
func (s *TsKvSink) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM ts_kv WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired ts_kv: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
