// Package cache keeps pages of the related-edge view in Redis so fan-out does
// not walk the relation graph for every change.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thingsboard/thingsboard-sub059/internal/entity"
)

const (
	// RelatedKeyPrefix is the Redis key prefix for cached related-edge pages.
	RelatedKeyPrefix = "edge:related:"
	// DefaultTTL is how long a cached page lives without invalidation.
	DefaultTTL = 10 * time.Minute
)

// RelatedEdges is a read-through cache in front of a RelationService.
// All pages of one originator live in a single hash so one DEL drops them.
type RelatedEdges struct {
	client *redis.Client
	source entity.RelationService
	ttl    time.Duration
}

var _ entity.RelationService = (*RelatedEdges)(nil)

// NewRelatedEdges creates the cache. A non-positive ttl uses DefaultTTL.
func NewRelatedEdges(client *redis.Client, source entity.RelationService, ttl time.Duration) *RelatedEdges {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RelatedEdges{client: client, source: source, ttl: ttl}
}

// RelatedKey returns the hash key holding every cached page of originator.
func RelatedKey(tenantID uuid.UUID, originator entity.EntityID) string {
	return fmt.Sprintf("%s%s:%s:%s", RelatedKeyPrefix, tenantID, originator.Type, originator.ID)
}

func pageField(link entity.PageLink) string {
	return fmt.Sprintf("%d:%d", link.Page, link.PageSize)
}

// FindRelatedEdgeIDs serves the page from Redis, loading it from the source on a miss.
// Redis failures degrade to reading the source directly.
func (c *RelatedEdges) FindRelatedEdgeIDs(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID, link entity.PageLink) (entity.PageData, error) {
	key := RelatedKey(tenantID, originator)
	field := pageField(link)

	data, err := c.client.HGet(ctx, key, field).Bytes()
	switch {
	case err == nil:
		var page entity.PageData
		if err := json.Unmarshal(data, &page); err == nil {
			return page, nil
		}
		slog.Warn("Discarding unreadable related-edge page", "key", key, "field", field)
	case err != redis.Nil:
		slog.Warn("Failed to read related-edge cache, using relation store",
			"key", key,
			"error", err,
		)
	}

	page, err := c.source.FindRelatedEdgeIDs(ctx, tenantID, originator, link)
	if err != nil {
		return entity.PageData{}, err
	}
	c.store(ctx, key, field, page)
	return page, nil
}

func (c *RelatedEdges) store(ctx context.Context, key, field string, page entity.PageData) {
	data, err := json.Marshal(page)
	if err != nil {
		slog.Warn("Failed to marshal related-edge page", "key", key, "error", err)
		return
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to cache related-edge page", "key", key, "error", err)
	}
}

// FindTenantEdgeIDs is not cached; tenant edge lists change with every edge created.
func (c *RelatedEdges) FindTenantEdgeIDs(ctx context.Context, tenantID uuid.UUID, link entity.PageLink) (entity.PageData, error) {
	return c.source.FindTenantEdgeIDs(ctx, tenantID, link)
}

// Invalidate drops every cached page of originator.
func (c *RelatedEdges) Invalidate(ctx context.Context, tenantID uuid.UUID, originator entity.EntityID) error {
	key := RelatedKey(tenantID, originator)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	slog.Debug("Invalidated related-edge cache", "key", key)
	return nil
}
