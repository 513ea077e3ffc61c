package cache

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	errMissingCache   = errors.New("cache is required")
	errMissingFetcher = errors.New("fetcher is required")
)

// Fetcher reads the authoritative collection for an entity.
type Fetcher interface {
	List(ctx context.Context, entity string) ([]Record, error)
}

// Refresher pulls authoritative collections into the cache.
type Refresher struct {
	cache   *Cache
	fetcher Fetcher
	logger  *zap.Logger
}

// NewRefresher binds a cache to its authoritative source.
func NewRefresher(cache *Cache, fetcher Fetcher, logger *zap.Logger) (*Refresher, error) {
	if cache == nil {
		return nil, errMissingCache
	}
	if fetcher == nil {
		return nil, errMissingFetcher
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{cache: cache, fetcher: fetcher, logger: logger}, nil
}

// Refresh fetches entity and replaces the cached collection with the result.
func (r *Refresher) Refresh(ctx context.Context, entity string) error {
	records, err := r.fetcher.List(ctx, entity)
	if err != nil {
		r.logger.Warn("cache refresh fetch failed", zap.String("entity", entity), zap.Error(err))
		return err
	}
	if err := r.cache.Replace(ctx, entity, records); err != nil {
		return err
	}
	r.logger.Debug("cache refreshed", zap.String("entity", entity), zap.Int("records", len(records)))
	return nil
}

// RefreshAll refreshes each entity and returns the first error after attempting all of them.
func (r *Refresher) RefreshAll(ctx context.Context, entities []string) error {
	var firstErr error
	for _, entity := range entities {
		if err := r.Refresh(ctx, entity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
