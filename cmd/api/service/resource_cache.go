package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/common/cache"
	"github.com/estatehub/portal/common/logger"
	"github.com/google/uuid"
)

// resourceCache is a cache-aside layer over resource reads. A nil cache disables it.
type resourceCache struct {
	cache cache.Cache
	ttl   time.Duration
	log   *logger.Logger
}

type cachedResource struct {
	ID        uuid.UUID           `json:"id"`
	Type      models.ResourceType `json:"type"`
	Fields    json.RawMessage     `json:"fields"`
	Version   int64               `json:"version"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func resourceCacheKey(t models.ResourceType, id uuid.UUID) string {
	return fmt.Sprintf("resource:%s:%s", t, id)
}

func (c *resourceCache) get(ctx context.Context, t models.ResourceType, id uuid.UUID) (*models.Resource, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	raw, found, err := c.cache.Get(ctx, resourceCacheKey(t, id))
	if err != nil {
		c.log.Warn("resource cache read failed", "type", t, "id", id, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var cr cachedResource
	if err := json.Unmarshal(raw, &cr); err != nil {
		c.log.Warn("discarding corrupt resource cache entry", "type", t, "id", id, "error", err)
		return nil, false
	}
	return &models.Resource{
		ID:        cr.ID,
		Type:      cr.Type,
		Fields:    cr.Fields,
		Version:   cr.Version,
		CreatedAt: cr.CreatedAt,
		UpdatedAt: cr.UpdatedAt,
	}, true
}

func (c *resourceCache) put(ctx context.Context, r *models.Resource) {
	if c == nil || c.cache == nil {
		return
	}

	raw, err := json.Marshal(cachedResource{
		ID:        r.ID,
		Type:      r.Type,
		Fields:    r.Fields,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, resourceCacheKey(r.Type, r.ID), raw, c.ttl); err != nil {
		c.log.Warn("resource cache write failed", "type", r.Type, "id", r.ID, "error", err)
	}
}

func (c *resourceCache) invalidate(ctx context.Context, t models.ResourceType, ids ...uuid.UUID) {
	if c == nil || c.cache == nil {
		return
	}
	for _, id := range ids {
		if err := c.cache.Delete(ctx, resourceCacheKey(t, id)); err != nil {
			c.log.Warn("resource cache invalidation failed", "type", t, "id", id, "error", err)
		}
	}
}
