package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/database/dbtest"
)

func newTestProvider(t *testing.T, seed uint64) (*Provider, *database.DB) {
	t.Helper()
	db := dbtest.Open(t)
	p := NewProvider(NewRepository(db), NewRand(&seed), zerolog.Nop())
	_, err := p.EnsureRoster(context.Background(), DefaultHandles)
	require.NoError(t, err)
	return p, db
}

func handles(bots []*Bot) []string {
	out := make([]string, len(bots))
	for i, b := range bots {
		out[i] = b.Handle
	}
	return out
}

func TestEnsureRosterIsIdempotent(t *testing.T) {
	p, _ := newTestProvider(t, 1)
	ctx := context.Background()

	added, err := p.EnsureRoster(ctx, append([]string{"  ", "NewBot"}, DefaultHandles...))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	bots, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, len(DefaultHandles)+1)
}

func TestSelectDistinctIsSeededAndDistinct(t *testing.T) {
	p1, _ := newTestProvider(t, 42)
	p2, _ := newTestProvider(t, 42)
	ctx := context.Background()

	a, err := p1.SelectDistinct(ctx, 3, "")
	require.NoError(t, err)
	b, err := p2.SelectDistinct(ctx, 3, "")
	require.NoError(t, err)
	assert.Equal(t, handles(a), handles(b), "same seed, same selection")

	seen := map[string]bool{}
	for _, h := range handles(a) {
		assert.False(t, seen[h], "repeated %s", h)
		seen[h] = true
	}
}

func TestSelectDistinctShortfall(t *testing.T) {
	p, _ := newTestProvider(t, 7)
	ctx := context.Background()

	_, err := p.SelectDistinct(ctx, len(DefaultHandles)+1, "")
	assert.ErrorIs(t, err, ErrInsufficientRoster)

	// the excluded participant is never offered
	_, err = p.SelectDistinct(ctx, len(DefaultHandles), "CodeNinja")
	assert.ErrorIs(t, err, ErrInsufficientRoster)

	_, err = p.SelectDistinct(ctx, 0, "")
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestSelectDistinctDoesNotReserve(t *testing.T) {
	p, _ := newTestProvider(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		bots, err := p.SelectDistinct(ctx, len(DefaultHandles), "")
		require.NoError(t, err)
		assert.Len(t, bots, len(DefaultHandles))
	}
}

func TestReserveAndRelease(t *testing.T) {
	p, db := newTestProvider(t, 9)
	ctx := context.Background()

	var first []*Bot
	err := db.InTx(ctx, func(q database.Querier) error {
		var err error
		first, err = p.Tx(q).Reserve(ctx, 5, "", "match-1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, first, 5)
	for _, b := range first {
		require.NotNil(t, b.ReservedMatchID)
		assert.Equal(t, "match-1", *b.ReservedMatchID)
	}

	err = db.InTx(ctx, func(q database.Querier) error {
		_, err := p.Tx(q).Reserve(ctx, 1, "", "match-2")
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientRoster)

	var released int64
	err = db.InTx(ctx, func(q database.Querier) error {
		var err error
		released, err = p.Tx(q).Release(ctx, "match-1")
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, released)

	err = db.InTx(ctx, func(q database.Querier) error {
		_, err := p.Tx(q).Reserve(ctx, 5, "", "match-2")
		return err
	})
	require.NoError(t, err)
}

func TestFailedReservationRollsBack(t *testing.T) {
	p, db := newTestProvider(t, 11)
	ctx := context.Background()

	err := db.InTx(ctx, func(q database.Querier) error {
		tx := p.Tx(q)
		if _, err := tx.Reserve(ctx, 3, "", "match-1"); err != nil {
			return err
		}
		_, err := tx.Reserve(ctx, 3, "", "match-1")
		return err
	})
	require.ErrorIs(t, err, ErrInsufficientRoster)

	bots, err := p.List(ctx)
	require.NoError(t, err)
	for _, b := range bots {
		assert.Nil(t, b.ReservedMatchID, b.Handle)
	}
}

func TestHandler(t *testing.T) {
	p, _ := newTestProvider(t, 1)
	srv := httptest.NewServer(NewHandler(p).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		body   string
		status int
	}{
		{`{"handle":"QuizWhiz"}`, http.StatusCreated},
		{`{"handle":"QuizWhiz"}`, http.StatusConflict},
		{`{"handle":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(tt.body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.status, resp.StatusCode, tt.body)
	}
}
