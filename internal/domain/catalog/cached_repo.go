package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/emr/internal/platform/cache"
)

// CachedRepository serves GetService from the cache and falls through to the
// wrapped repository on a miss or on any cache error.
type CachedRepository struct {
	Repository
	cache cache.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

func NewCachedRepository(next Repository, c cache.Cache, ttl time.Duration, log zerolog.Logger) *CachedRepository {
	return &CachedRepository{Repository: next, cache: c, ttl: ttl, log: log}
}

func serviceKey(id uuid.UUID) string {
	return fmt.Sprintf("catalog:service:%s", id)
}

func (r *CachedRepository) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	key := serviceKey(id)

	var cached Service
	hit, err := r.cache.Get(ctx, key, &cached)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}
	if hit {
		return &cached, nil
	}

	s, err := r.Repository.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, s, r.ttl); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
	return s, nil
}

// Invalidate drops cached entries for ids.
func (r *CachedRepository) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, serviceKey(id))
	}
	return r.cache.Delete(ctx, keys...)
}
