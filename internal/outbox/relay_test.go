package outbox_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"roadfix/internal/domain"
	"roadfix/internal/domain/events"
	"roadfix/internal/domain/events/mocks"
	"roadfix/internal/outbox"
	"roadfix/internal/repository"
	"roadfix/internal/repository/sqlstore"
)

func setup(t *testing.T, n int) repository.OutboxRepository {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	repo := db.Repositories().Outbox
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Enqueue(ctx, &domain.OutboxEvent{
			ID:          string(rune('a' + i)),
			Type:        events.RequestCreated,
			AggregateID: "req-1",
			Payload:     []byte(`{"id":"req-1"}`),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	return repo
}

func TestRelayPublishesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := setup(t, 3)
	pub := mocks.NewMockPublisher(ctrl)

	var ids []string
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, env events.Envelope) error {
		ids = append(ids, env.ID)
		return nil
	}).Times(3)

	relay := outbox.New(repo, pub, zap.NewNop(), outbox.Config{})
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	pending, err := repo.ListPending(context.Background(), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayRetriesThenParks(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := setup(t, 1)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).Times(2)

	relay := outbox.New(repo, pub, zap.NewNop(), outbox.Config{MaxAttempts: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := relay.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	pending, err := repo.ListPending(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := setup(t, 1)
	pub := mocks.NewMockPublisher(ctrl)
	published := make(chan struct{})
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, events.Envelope) error {
		close(published)
		return nil
	})

	relay := outbox.New(repo, pub, zap.NewNop(), outbox.Config{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not publish")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}
