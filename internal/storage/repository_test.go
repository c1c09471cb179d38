package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finet/internal/core"
	"finet/internal/session"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRepo(t *testing.T) (*SQLiteRepository, *testClock) {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "finet.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	clock := &testClock{now: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)}
	repo.now = clock.Now
	return repo, clock
}

func TestMigrationsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finet.db")
	repo, err := NewSQLiteRepository(path, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	v, dirty, err := SchemaVersion(dsn(path))
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), v)

	// Reopening is a no-op migration.
	repo, err = NewSQLiteRepository(path, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}

func TestSessionStoreRoundTrip(t *testing.T) {
	repo, clock := newTestRepo(t)
	store := repo.SessionStore("")
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)

	at := time.UnixMilli(clock.Now().UnixMilli())
	rec := session.Record{Token: "tok-1", User: core.User{Username: "budi", Email: "budi@example.com"}, LoginTime: at}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, "budi", got.User.Username)
	assert.True(t, got.LoginTime.Equal(at))

	rec.Token = "tok-2"
	rec.LoginTime = time.Time{}
	require.NoError(t, store.Save(ctx, rec))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got.Token)
	assert.True(t, got.LoginTime.IsZero(), "empty login time removes the key")

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestSessionStoreNamespaces(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	work, home := repo.SessionStore("work"), repo.SessionStore("home")

	require.NoError(t, work.Save(ctx, session.Record{Token: "w"}))
	require.NoError(t, home.Save(ctx, session.Record{Token: "h"}))
	require.NoError(t, home.Clear(ctx))

	got, err := work.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "w", got.Token)

	_, err = home.Load(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestSessionStoreSharedWithManager(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	// One process logs in, the other restores and then sees the logout.
	require.NoError(t, repo.SessionStore("").Save(ctx, session.Record{Token: "shared", LoginTime: time.Now()}))
	m := session.NewManager(repo.SessionStore(""), nil, session.DefaultConfig())
	require.NoError(t, m.Restore(ctx))
	assert.Equal(t, "shared", m.Token())

	require.NoError(t, repo.SessionStore("").Clear(ctx))
	assert.False(t, m.Check(ctx))
}

func adjustment(walletID string, base, delta int64) core.Adjustment {
	return core.NewAdjustment(walletID, decimal.NewFromInt(base), decimal.NewFromInt(delta), core.OpCreate, "e1")
}

func TestOutboxEnqueueAndClaim(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	adj := adjustment("w1", 100000, -25000)
	require.NoError(t, repo.Enqueue(ctx, adj))
	require.NoError(t, repo.Enqueue(ctx, adj), "duplicate enqueue is a no-op")

	claimed, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	got := claimed[0]
	assert.Equal(t, adj.ID, got.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.True(t, got.Target.Equal(decimal.NewFromInt(75000)))
	assert.Equal(t, core.OpCreate, got.Operation)

	again, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed rows are not handed out twice")
}

func TestOutboxRejectsInvalid(t *testing.T) {
	repo, _ := newTestRepo(t)
	adj := adjustment("", 1, 1)
	err := repo.Enqueue(context.Background(), adj)
	var verr *core.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestOutboxRetryAndFail(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	adj := adjustment("w1", 0, 500)
	require.NoError(t, repo.Enqueue(ctx, adj))

	_, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkRetry(ctx, adj.ID, errors.New("timeout"), clock.Now().Add(2*time.Second)))

	due, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, due, "not due before backoff elapses")

	clock.Advance(2 * time.Second)
	due, err = repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "timeout", due[0].LastError)

	require.NoError(t, repo.MarkFailed(ctx, adj.ID, errors.New("still down")))
	rec, err := repo.GetAdjustment(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	n, err := repo.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err = repo.GetAdjustment(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
}

func TestOutboxDoneAndCleanup(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	adj := adjustment("w1", 0, 500)
	require.NoError(t, repo.Enqueue(ctx, adj))
	_, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, repo.MarkDone(ctx, adj.ID))

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusDone])

	n, err := repo.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = repo.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetAdjustment(ctx, adj.ID)
	assert.ErrorIs(t, err, ErrAdjustmentNotFound)
	assert.ErrorIs(t, repo.MarkDone(ctx, adj.ID), ErrAdjustmentNotFound)
}

func TestOutboxResetStaleProcessing(t *testing.T) {
	repo, clock := newTestRepo(t)
	ctx := context.Background()
	adj := adjustment("w1", 0, 500)
	require.NoError(t, repo.Enqueue(ctx, adj))
	_, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)

	n, err := repo.ResetStaleProcessing(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Minute)
	n, err = repo.ResetStaleProcessing(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
