package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"roadfix/internal/domain"
	"roadfix/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "roadfix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func seedWorkshop(t *testing.T, repos *repository.Repositories, lat, lon float64) *domain.Workshop {
	t.Helper()
	ts := now()
	w := &domain.Workshop{
		ID:        uuid.NewString(),
		OwnerID:   uuid.NewString(),
		Name:      "Garage",
		Location:  domain.Location{Latitude: lat, Longitude: lon, Address: "Main road"},
		Status:    domain.WorkshopOpen,
		Rating:    4.2,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	require.NoError(t, repos.Workshops.Create(context.Background(), w))
	return w
}

func seedWorker(t *testing.T, repos *repository.Repositories, workshopID string) *domain.Worker {
	t.Helper()
	ts := now()
	w := &domain.Worker{
		ID:              uuid.NewString(),
		WorkshopID:      workshopID,
		UserID:          uuid.NewString(),
		Name:            "Ravi",
		Specializations: []string{"tyres", "battery"},
		IsAvailable:     true,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	require.NoError(t, repos.Workers.Create(context.Background(), w))
	return w
}

func seedRequest(t *testing.T, repos *repository.Repositories) *domain.ServiceRequest {
	t.Helper()
	ts := now()
	r := &domain.ServiceRequest{
		ID:               uuid.NewString(),
		RequesterID:      uuid.NewString(),
		Name:             "Flat tyre",
		Description:      "Rear tyre flat on highway",
		IssueDescription: "puncture",
		Status:           domain.StatusPending,
		Priority:         domain.PriorityHigh,
		Location:         domain.Location{Latitude: 12.9, Longitude: 77.6},
		TrackingCode:     uuid.NewString()[:8],
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	require.NoError(t, repos.Requests.Create(context.Background(), r))
	return r
}

func seedQuotation(t *testing.T, repos *repository.Repositories, requestID, workshopID string) *domain.Quotation {
	t.Helper()
	ts := now()
	q := &domain.Quotation{
		ID:               uuid.NewString(),
		ServiceRequestID: requestID,
		WorkshopID:       workshopID,
		ServiceCharges:   10000,
		VariableCost:     2500,
		ValidUntil:       ts.Add(time.Hour),
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	q.Recompute()
	require.NoError(t, repos.Quotations.Create(context.Background(), q))
	return q
}

// exerciseStore runs the behaviour both dialects must share
func exerciseStore(t *testing.T, db *DB) {
	ctx := context.Background()
	repos := db.Repositories()

	t.Run("migrate is repeatable", func(t *testing.T) {
		require.NoError(t, db.Migrate(ctx))
	})

	t.Run("missing rows return nil", func(t *testing.T) {
		req, err := repos.Requests.GetByID(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, req)
		w, err := repos.Workers.GetByID(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("service request keeps nullable references", func(t *testing.T) {
		ws := seedWorkshop(t, repos, 12.9, 77.6)
		worker := seedWorker(t, repos, ws.ID)
		req := seedRequest(t, repos)

		got, err := repos.Requests.GetByID(ctx, req.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.WorkshopID)
		assert.Nil(t, got.AssignedWorkerID)
		assert.Equal(t, domain.StatusPending, got.Status)

		got.WorkshopID = &ws.ID
		got.AssignedWorkerID = &worker.ID
		got.Status = domain.StatusAccepted
		got.UpdatedAt = now()
		require.NoError(t, repos.Requests.Update(ctx, got))

		again, err := repos.Requests.GetByTrackingCode(ctx, req.TrackingCode)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, ws.ID, *again.WorkshopID)
		assert.Equal(t, worker.ID, *again.AssignedWorkerID)

		n, err := repos.Requests.CountActiveByWorker(ctx, worker.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("duplicate quotation per workshop", func(t *testing.T) {
		ws := seedWorkshop(t, repos, 12.9, 77.6)
		req := seedRequest(t, repos)
		seedQuotation(t, repos, req.ID, ws.ID)

		dup := &domain.Quotation{
			ID: uuid.NewString(), ServiceRequestID: req.ID, WorkshopID: ws.ID,
			ValidUntil: now().Add(time.Hour), CreatedAt: now(), UpdatedAt: now(),
		}
		err := repos.Quotations.Create(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, repository.ErrDuplicate))
	})

	t.Run("duplicate tracking code", func(t *testing.T) {
		req := seedRequest(t, repos)
		dup := *req
		dup.ID = uuid.NewString()
		err := repos.Requests.Create(ctx, &dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, repository.ErrDuplicate))
	})

	t.Run("worker user belongs to one workshop", func(t *testing.T) {
		ws1 := seedWorkshop(t, repos, 12.9, 77.6)
		ws2 := seedWorkshop(t, repos, 12.9, 77.6)
		w := seedWorker(t, repos, ws1.ID)

		dup := *w
		dup.ID = uuid.NewString()
		dup.WorkshopID = ws2.ID
		err := repos.Workers.Create(ctx, &dup)
		assert.True(t, errors.Is(err, repository.ErrDuplicate))
	})

	t.Run("only one accepted quotation per request", func(t *testing.T) {
		ws1 := seedWorkshop(t, repos, 12.9, 77.6)
		ws2 := seedWorkshop(t, repos, 12.9, 77.6)
		req := seedRequest(t, repos)
		q1 := seedQuotation(t, repos, req.ID, ws1.ID)
		q2 := seedQuotation(t, repos, req.ID, ws2.ID)

		at := now()
		q1.AcceptedAt = &at
		require.NoError(t, repos.Quotations.MarkAccepted(ctx, q1))

		q2.AcceptedAt = &at
		err := repos.Quotations.MarkAccepted(ctx, q2)
		assert.True(t, errors.Is(err, repository.ErrDuplicate))

		require.NoError(t, repos.Quotations.RejectSiblings(ctx, req.ID, q2.ID))
		require.NoError(t, repos.Quotations.MarkAccepted(ctx, q2))

		list, err := repos.Quotations.ListByRequest(ctx, req.ID)
		require.NoError(t, err)
		accepted := 0
		for _, q := range list {
			if q.IsAccepted {
				accepted++
				assert.Equal(t, q2.ID, q.ID)
			}
		}
		assert.Equal(t, 1, accepted)
	})

	t.Run("update skips accepted quotations", func(t *testing.T) {
		ws := seedWorkshop(t, repos, 12.9, 77.6)
		req := seedRequest(t, repos)
		q := seedQuotation(t, repos, req.ID, ws.ID)
		at := now()
		q.AcceptedAt = &at
		require.NoError(t, repos.Quotations.MarkAccepted(ctx, q))

		q.ServiceCharges = 1
		q.Recompute()
		assert.Error(t, repos.Quotations.Update(ctx, q))
	})

	t.Run("rollback on error", func(t *testing.T) {
		var id string
		boom := errors.New("boom")
		err := db.WithinTx(ctx, func(tx *repository.Repositories) error {
			w := seedWorkshop(t, tx, 1, 1)
			id = w.ID
			return boom
		})
		require.ErrorIs(t, err, boom)

		w, err := repos.Workshops.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("rollback on panic", func(t *testing.T) {
		var id string
		assert.Panics(t, func() {
			_ = db.WithinTx(ctx, func(tx *repository.Repositories) error {
				id = seedWorkshop(t, tx, 1, 1).ID
				panic("boom")
			})
		})
		w, err := repos.Workshops.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, w)
	})

	t.Run("commit and lock", func(t *testing.T) {
		ws := seedWorkshop(t, repos, 1, 1)
		worker := seedWorker(t, repos, ws.ID)
		err := db.WithinTx(ctx, func(tx *repository.Repositories) error {
			locked, err := tx.Workers.GetForUpdate(ctx, worker.ID)
			if err != nil {
				return err
			}
			require.NotNil(t, locked)
			return tx.Workers.SetAvailability(ctx, locked.ID, false)
		})
		require.NoError(t, err)

		got, err := repos.Workers.GetByID(ctx, worker.ID)
		require.NoError(t, err)
		assert.False(t, got.IsAvailable)
		assert.Equal(t, []string{"tyres", "battery"}, got.Specializations)

		avail, err := repos.Workers.ListByWorkshop(ctx, ws.ID, true)
		require.NoError(t, err)
		assert.Empty(t, avail)
	})

	t.Run("workshop bounding box filter", func(t *testing.T) {
		inside := seedWorkshop(t, repos, 45.01, 7.01)
		seedWorkshop(t, repos, 46.5, 7.01)

		list, err := repos.Workshops.List(ctx, repository.WorkshopFilter{
			Status: domain.WorkshopOpen,
			HasBox: true, MinLat: 44.9, MaxLat: 45.1, MinLon: 6.9, MaxLon: 7.1,
		})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, inside.ID, list[0].ID)

		require.NoError(t, repos.Workshops.UpdateStatus(ctx, inside.ID, domain.WorkshopClosed))
		list, err = repos.Workshops.List(ctx, repository.WorkshopFilter{
			Status: domain.WorkshopOpen,
			HasBox: true, MinLat: 44.9, MaxLat: 45.1, MinLon: 6.9, MaxLon: 7.1,
		})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("workshop list order and limit", func(t *testing.T) {
		base := now()
		var seeded []*domain.Workshop
		for i, rating := range []float64{3, 5, 4} {
			ts := base.Add(time.Duration(i) * time.Minute)
			w := &domain.Workshop{
				ID:        uuid.NewString(),
				OwnerID:   uuid.NewString(),
				Name:      "Garage",
				Location:  domain.Location{Latitude: -33.51, Longitude: 151.01},
				Status:    domain.WorkshopOpen,
				Rating:    rating,
				CreatedAt: ts,
				UpdatedAt: ts,
			}
			require.NoError(t, repos.Workshops.Create(ctx, w))
			seeded = append(seeded, w)
		}
		box := repository.WorkshopFilter{HasBox: true, MinLat: -33.6, MaxLat: -33.4, MinLon: 150.9, MaxLon: 151.1}

		for _, tc := range []struct {
			order repository.WorkshopOrder
			want  []string
		}{
			{repository.WorkshopOldest, []string{seeded[0].ID, seeded[1].ID}},
			{repository.WorkshopNewest, []string{seeded[2].ID, seeded[1].ID}},
			{repository.WorkshopRating, []string{seeded[1].ID, seeded[2].ID}},
		} {
			filter := box
			filter.Order = tc.order
			filter.Limit = 2
			list, err := repos.Workshops.List(ctx, filter)
			require.NoError(t, err)
			var got []string
			for _, w := range list {
				got = append(got, w.ID)
			}
			assert.Equal(t, tc.want, got, "order %q", tc.order)
		}
	})

	t.Run("history is ordered", func(t *testing.T) {
		req := seedRequest(t, repos)
		t0 := now()
		for i, to := range []domain.RequestStatus{domain.StatusPending, domain.StatusQuoted, domain.StatusAccepted} {
			require.NoError(t, repos.History.Record(ctx, &domain.StatusChange{
				ID: uuid.NewString(), ServiceRequestID: req.ID, ToStatus: to, ActorID: "a",
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}))
		}
		list, err := repos.History.ListByRequest(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, domain.StatusAccepted, list[2].ToStatus)
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		ev := &domain.OutboxEvent{ID: uuid.NewString(), Type: "request.created", AggregateID: "r", Payload: []byte(`{"a":1}`), CreatedAt: now()}
		require.NoError(t, repos.Outbox.Enqueue(ctx, ev))

		pending, err := repos.Outbox.ListPending(ctx, 2, 1000)
		require.NoError(t, err)
		require.True(t, containsEvent(pending, ev.ID))

		require.NoError(t, repos.Outbox.MarkFailed(ctx, ev.ID, "broker down"))
		require.NoError(t, repos.Outbox.MarkFailed(ctx, ev.ID, "broker down"))
		pending, err = repos.Outbox.ListPending(ctx, 2, 1000)
		require.NoError(t, err)
		assert.False(t, containsEvent(pending, ev.ID), "attempts exhausted")

		ev2 := &domain.OutboxEvent{ID: uuid.NewString(), Type: "request.created", AggregateID: "r", Payload: []byte(`{}`), CreatedAt: now()}
		require.NoError(t, repos.Outbox.Enqueue(ctx, ev2))
		require.NoError(t, repos.Outbox.MarkPublished(ctx, ev2.ID))
		pending, err = repos.Outbox.ListPending(ctx, 5, 1000)
		require.NoError(t, err)
		assert.False(t, containsEvent(pending, ev2.ID))
	})

	t.Run("idempotency keys are unique", func(t *testing.T) {
		rec := &domain.IdempotencyRecord{Key: uuid.NewString(), Operation: "accept", ResourceID: "q1", ActorID: "a", CreatedAt: now()}
		require.NoError(t, repos.Idempotency.Save(ctx, rec))
		assert.True(t, errors.Is(repos.Idempotency.Save(ctx, rec), repository.ErrDuplicate))

		got, err := repos.Idempotency.Get(ctx, rec.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "q1", got.ResourceID)
	})
}

func containsEvent(list []domain.OutboxEvent, id string) bool {
	for _, e := range list {
		if e.ID == id {
			return true
		}
	}
	return false
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, newSQLite(t))
}

func TestOpenSQLiteRejectsTraversal(t *testing.T) {
	_, err := OpenSQLite("../../outside.db")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := conn{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := conn{dialect: SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
	assert.Equal(t, "", lite.forUpdate())
}
