package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const cacheKeyPrefix = "catalog:medication:"

// CachedRepository serves GetByID from Redis and falls through to the wrapped
// repository on a miss. Redis failures are logged and never surface to callers.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(repo Repository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{Repository: repo, client: client, ttl: ttl, logger: logger}
}

func cacheKey(id uuid.UUID) string {
	return cacheKeyPrefix + id.String()
}

func (r *CachedRepository) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	key := cacheKey(id)
	raw, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var m Medication
		if jsonErr := json.Unmarshal(raw, &m); jsonErr == nil {
			return &m, nil
		}
		r.logger.Warn().Str("key", key).Msg("discarding undecodable catalog cache entry")
	case !errors.Is(err, redis.Nil):
		r.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	}

	m, err := r.Repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(ctx, m)
	return m, nil
}

func (r *CachedRepository) Update(ctx context.Context, m *Medication) error {
	if err := r.Repository.Update(ctx, m); err != nil {
		return err
	}
	r.invalidate(ctx, m.ID)
	return nil
}

func (r *CachedRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.Repository.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate(ctx, id)
	return nil
}

func (r *CachedRepository) store(ctx context.Context, m *Medication) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, cacheKey(m.ID), raw, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("medication_id", m.ID.String()).Msg("catalog cache write failed")
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		r.logger.Warn().Err(err).Str("medication_id", id.String()).Msg("catalog cache invalidation failed")
	}
}
