// Package directory is the read path for workshop existence and status checks.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"roadfix/internal/domain"
	"roadfix/internal/repository"
)

// Directory looks up workshops
type Directory interface {
	// Get returns the workshop or an error wrapping domain.ErrNotFound
	Get(ctx context.Context, id string) (*domain.Workshop, error)
	List(ctx context.Context, filter repository.WorkshopFilter) ([]domain.Workshop, error)
	// Invalidate drops any cached copy after a write
	Invalidate(ctx context.Context, id string)
}

// StoreDirectory reads workshops straight from the store
type StoreDirectory struct {
	repo repository.WorkshopRepository
}

var _ Directory = (*StoreDirectory)(nil)

// NewStoreDirectory creates a Directory over the workshop repository
func NewStoreDirectory(repo repository.WorkshopRepository) *StoreDirectory {
	return &StoreDirectory{repo: repo}
}

func (d *StoreDirectory) Get(ctx context.Context, id string) (*domain.Workshop, error) {
	w, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: workshop %s", domain.ErrNotFound, id)
	}
	return w, nil
}

func (d *StoreDirectory) List(ctx context.Context, filter repository.WorkshopFilter) ([]domain.Workshop, error) {
	return d.repo.List(ctx, filter)
}

func (d *StoreDirectory) Invalidate(context.Context, string) {}

// ErrCacheMiss is returned by Cache.Get for absent keys
var ErrCacheMiss = errors.New("cache miss")

// Cache is a byte-valued key store with expiry
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// CachedDirectory serves Get from a cache and falls through to next on a
// miss. Cache failures are logged and never fail the lookup. List is not
// cached because proximity searches need current data.
type CachedDirectory struct {
	next  Directory
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

var _ Directory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps next with a read-through cache
func NewCachedDirectory(next Directory, cache Cache, ttl time.Duration, log *zap.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: cache, ttl: ttl, log: log}
}

func cacheKey(id string) string {
	return "workshop:" + id
}

func (d *CachedDirectory) Get(ctx context.Context, id string) (*domain.Workshop, error) {
	raw, err := d.cache.Get(ctx, cacheKey(id))
	switch {
	case err == nil:
		var w domain.Workshop
		if err := json.Unmarshal(raw, &w); err == nil {
			return &w, nil
		}
		d.log.Warn("dropping undecodable cache entry", zap.String("workshop_id", id))
	case !errors.Is(err, ErrCacheMiss):
		d.log.Warn("workshop cache read failed", zap.String("workshop_id", id), zap.Error(err))
	}

	w, err := d.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(w); err == nil {
		if err := d.cache.Set(ctx, cacheKey(id), raw, d.ttl); err != nil {
			d.log.Warn("workshop cache write failed", zap.String("workshop_id", id), zap.Error(err))
		}
	}
	return w, nil
}

func (d *CachedDirectory) List(ctx context.Context, filter repository.WorkshopFilter) ([]domain.Workshop, error) {
	return d.next.List(ctx, filter)
}

func (d *CachedDirectory) Invalidate(ctx context.Context, id string) {
	if err := d.cache.Del(ctx, cacheKey(id)); err != nil {
		d.log.Warn("workshop cache invalidation failed", zap.String("workshop_id", id), zap.Error(err))
	}
	d.next.Invalidate(ctx, id)
}
