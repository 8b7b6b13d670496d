package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

// RelationStore answers edge fan-out queries from the relations table.
// An edge owns an entity through a relation from the edge to the entity.
type RelationStore struct {
	db *DB
}

var _ entity.RelationService = (*RelationStore)(nil)

// NewRelationStore creates a relation store on db.
func NewRelationStore(db *DB) *RelationStore {
	return &RelationStore{db: db}
}

// FindRelatedEdgeIDs returns one page of the edges related to originator.
func (s *RelationStore) FindRelatedEdgeIDs(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID, link entity.PageLink) (entity.PageData, error) {
	query := `
		SELECT from_id
		FROM relations
		WHERE tenant_id = $1 AND to_type = $2 AND to_id = $3 AND from_type = $4
		ORDER BY from_id
		LIMIT $5 OFFSET $6
	`
	limit, offset := window(link)
	rows, err := s.db.conn.QueryContext(ctx, query,
		tenantID, string(originator.Type), originator.ID, string(entity.TypeEdge), limit, offset,
	)
	if err != nil {
		return entity.PageData{}, fmt.Errorf("failed to query related edges: %w", err)
	}
	return scanPage(rows, link)
}

// FindTenantEdgeIDs returns one page of every edge of the tenant.
func (s *RelationStore) FindTenantEdgeIDs(ctx context.Context, tenantID uuid.UUID, link entity.PageLink) (entity.PageData, error) {
	query := `
		SELECT id
		FROM entities
		WHERE tenant_id = $1 AND entity_type = $2
		ORDER BY id
		LIMIT $3 OFFSET $4
	`
	limit, offset := window(link)
	rows, err := s.db.conn.QueryContext(ctx, query, tenantID, string(entity.TypeEdge), limit, offset)
	if err != nil {
		return entity.PageData{}, fmt.Errorf("failed to query tenant edges: %w", err)
	}
	return scanPage(rows, link)
}

// window reads one row past the page so HasNext needs no count query.
func window(link entity.PageLink) (limit, offset int) {
	return link.PageSize + 1, link.Page * link.PageSize
}

func scanPage(rows *sql.Rows, link entity.PageLink) (entity.PageData, error) {
	defer rows.Close()

	page := entity.PageData{IDs: make([]uuid.UUID, 0, link.PageSize)}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return entity.PageData{}, fmt.Errorf("failed to scan edge id: %w", err)
		}
		page.IDs = append(page.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return entity.PageData{}, fmt.Errorf("error iterating edge ids: %w", err)
	}

	if len(page.IDs) > link.PageSize {
		page.IDs = page.IDs[:link.PageSize]
		page.HasNext = true
	}
	return page, nil
}
