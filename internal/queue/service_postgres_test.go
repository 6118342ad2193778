package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/database/dbtest"
	"github.com/fkhayef/questarena/internal/notification"
)

func newPostgresService(t *testing.T) *Service {
	t.Helper()
	db := dbtest.OpenPostgres(t)
	relay := notification.NewMemoryRelay()
	t.Cleanup(func() { _ = relay.Close() })
	svc := NewService(db, NewRepository(db), relay, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc
}

type pairResult struct {
	a, b *Entry
	err  error
}

// A claimer holding row locks must not block a second claimer: the second skips the
// locked rows and takes the next pair instead of waiting or double-booking.
func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	svc := newPostgresService(t)
	ctx := context.Background()
	require.Equal(t, "FOR UPDATE SKIP LOCKED", svc.db.Dialect().ClaimLock())

	var entries []*Entry
	for i := 0; i < 4; i++ {
		e, err := svc.Enqueue(ctx, fmt.Sprintf("p%d", i), activity, 1, time.Minute)
		require.NoError(t, err)
		entries = append(entries, e)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan pairResult, 1)
	go func() {
		a, b, err := svc.TryClaimPair(ctx, activity, func(ctx context.Context, q database.Querier, claimed []*Entry) (map[int64]int64, error) {
			close(locked)
			<-release
			return twoSides(ctx, q, claimed)
		})
		held <- pairResult{a, b, err}
	}()
	<-locked

	second := make(chan pairResult, 1)
	go func() {
		a, b, err := svc.TryClaimPair(ctx, activity, twoSides)
		second <- pairResult{a, b, err}
	}()

	var other pairResult
	select {
	case other = <-second:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("second claim waited on rows locked by the first")
	}
	close(release)
	first := <-held

	require.NoError(t, first.err)
	require.NoError(t, other.err)
	require.NotNil(t, first.a)
	require.NotNil(t, other.a)
	assert.Equal(t, []int64{entries[0].ID, entries[1].ID}, []int64{first.a.ID, first.b.ID})
	assert.Equal(t, []int64{entries[2].ID, entries[3].ID}, []int64{other.a.ID, other.b.ID})

	a, _, err := svc.TryClaimPair(ctx, activity, twoSides)
	require.NoError(t, err)
	assert.Nil(t, a)
}

// With only one pair waiting, a claimer that finds it locked backs off with nothing
// instead of claiming half of it.
func TestPostgresClaimBacksOffWhenPairIsLocked(t *testing.T) {
	svc := newPostgresService(t)
	ctx := context.Background()

	for _, p := range []string{"alice", "bob"} {
		_, err := svc.Enqueue(ctx, p, activity, 1, time.Minute)
		require.NoError(t, err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	held := make(chan pairResult, 1)
	go func() {
		a, b, err := svc.TryClaimPair(ctx, activity, func(ctx context.Context, q database.Querier, claimed []*Entry) (map[int64]int64, error) {
			close(locked)
			<-release
			return twoSides(ctx, q, claimed)
		})
		held <- pairResult{a, b, err}
	}()
	<-locked

	a, b, err := svc.TryClaimPair(ctx, activity, twoSides)
	close(release)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Nil(t, b)

	first := <-held
	require.NoError(t, first.err)
	require.NotNil(t, first.a)

	var matched int
	require.NoError(t, svc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE status = 'matched'`).Scan(&matched))
	assert.Equal(t, 2, matched)
}

func TestPostgresLosingCompareAndSwapWritesNothing(t *testing.T) {
	svc := newPostgresService(t)
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, "alice", activity, 1, time.Minute)
	require.NoError(t, err)
	b, err := svc.Enqueue(ctx, "bob", activity, 1, time.Minute)
	require.NoError(t, err)

	claim, err := svc.TryClaim(ctx, activity, 1, resolveThenForm(func(entries []*Entry) *Entry {
		return entries[0]
	}))
	require.NoError(t, err)
	assert.Nil(t, claim)

	for _, id := range []int64{a.ID, b.ID} {
		e, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, e.Status)
	}
	var teams int
	require.NoError(t, svc.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM teams`).Scan(&teams))
	assert.Zero(t, teams)
}
