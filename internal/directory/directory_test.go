package directory_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roadfix/internal/directory"
	"roadfix/internal/domain"
	"roadfix/internal/repository/sqlstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memCache is an in-process Cache with optional injected failures
type memCache struct {
	data    map[string][]byte
	gets    int
	GetErr  error
	SetFunc func(key string) error
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.gets++
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	v, ok := c.data[key]
	if !ok {
		return nil, directory.ErrCacheMiss
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if c.SetFunc != nil {
		if err := c.SetFunc(key); err != nil {
			return err
		}
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func setup(t *testing.T) (*sqlstore.DB, *domain.Workshop) {
	t.Helper()
	db, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "dir.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ts := time.Now().UTC()
	w := &domain.Workshop{
		ID: uuid.NewString(), OwnerID: "owner", Name: "Hosur Road Motors",
		Location: domain.Location{Latitude: 12.9, Longitude: 77.6},
		Status:   domain.WorkshopOpen, Rating: 4.5, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, db.Repositories().Workshops.Create(context.Background(), w))
	return db, w
}

func TestStoreDirectoryNotFound(t *testing.T) {
	db, _ := setup(t)
	dir := directory.NewStoreDirectory(db.Repositories().Workshops)

	_, err := dir.Get(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCachedDirectoryReadThrough(t *testing.T) {
	ctx := context.Background()
	db, w := setup(t)
	cache := newMemCache()
	dir := directory.NewCachedDirectory(directory.NewStoreDirectory(db.Repositories().Workshops), cache, time.Minute, zap.NewNop())

	got, err := dir.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.Len(t, cache.data, 1)

	// served from cache even after the row changes underneath
	require.NoError(t, db.Repositories().Workshops.UpdateStatus(ctx, w.ID, domain.WorkshopClosed))
	got, err = dir.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkshopOpen, got.Status)

	dir.Invalidate(ctx, w.ID)
	got, err = dir.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkshopClosed, got.Status)
}

func TestCachedDirectoryToleratesCacheFailures(t *testing.T) {
	db, w := setup(t)
	cache := newMemCache()
	cache.GetErr = errors.New("redis down")
	cache.SetFunc = func(string) error { return errors.New("redis down") }
	dir := directory.NewCachedDirectory(directory.NewStoreDirectory(db.Repositories().Workshops), cache, time.Minute, zap.NewNop())

	got, err := dir.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestCachedDirectoryDoesNotCacheMisses(t *testing.T) {
	db, _ := setup(t)
	cache := newMemCache()
	dir := directory.NewCachedDirectory(directory.NewStoreDirectory(db.Repositories().Workshops), cache, time.Minute, zap.NewNop())

	_, err := dir.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Empty(t, cache.data)
}
