package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkhayef/questarena/internal/bot"
	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/database/dbtest"
	"github.com/fkhayef/questarena/internal/matchmaking/pairing"
	"github.com/fkhayef/questarena/internal/notification"
	"github.com/fkhayef/questarena/internal/queue"
	"github.com/fkhayef/questarena/internal/team"
)

const activity = "quiz-7"

type fixture struct {
	db    *database.DB
	queue *queue.Service
	teams *team.Service
	bots  *bot.Provider
	relay *notification.MemoryRelay
	svc   *Service
}

func newFixture(t *testing.T, handles ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zerolog.Nop()

	db := dbtest.Open(t)
	relay := notification.NewMemoryRelay()
	t.Cleanup(func() { _ = relay.Close() })

	queueService := queue.NewService(db, queue.NewRepository(db), relay, log)
	t.Cleanup(queueService.Close)
	teamService := team.NewService(db, team.NewRepository(db), log)
	seed := uint64(1)
	bots := bot.NewProvider(bot.NewRepository(db), bot.NewRand(&seed), log)
	_, err := bots.EnsureRoster(ctx, handles)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.PollInterval = 50 * time.Millisecond
	svc := NewService(db, queueService, teamService, bots, relay, &pairing.AlternatingStrategy{}, opts, log)
	return &fixture{db: db, queue: queueService, teams: teamService, bots: bots, relay: relay, svc: svc}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func (f *fixture) assertLinked(t *testing.T, teamID int64) {
	t.Helper()
	ctx := context.Background()
	mine, err := f.teams.GetTeam(ctx, teamID)
	require.NoError(t, err)
	require.NotNil(t, mine.OpponentTeamID)
	theirs, err := f.teams.GetTeam(ctx, *mine.OpponentTeamID)
	require.NoError(t, err)
	require.NotNil(t, theirs.OpponentTeamID)
	assert.Equal(t, mine.ID, *theirs.OpponentTeamID)
	assert.Equal(t, team.StatusActive, mine.Status)
	assert.Equal(t, team.StatusActive, theirs.Status)
}

func TestInstantBot1v1(t *testing.T) {
	f := newFixture(t, "CodeNinja")
	ctx := context.Background()

	// the single bot is never reserved, so it can face everyone at once
	for i := 0; i < 3; i++ {
		result, err := f.svc.InstantBot1v1(ctx, activity, fmt.Sprintf("player-%d", i))
		require.NoError(t, err)
		assert.Equal(t, ResultMatched, result.Status)
		require.NotNil(t, result.TeamID)
		require.NotNil(t, result.OpponentTeamID)
		assert.NotEmpty(t, result.MatchID)
		f.assertLinked(t, *result.TeamID)

		require.Len(t, result.Roster, 2)
		assert.Equal(t, fmt.Sprintf("player-%d", i), result.Roster[0].ParticipantID)
		assert.True(t, result.Roster[1].IsSynthetic)
		assert.Equal(t, "CodeNinja", result.Roster[1].DisplayName)
	}

	opponent, err := f.teams.GetTeam(ctx, 2)
	require.NoError(t, err)
	assert.True(t, opponent.IsSyntheticOnly)
	assert.Contains(t, opponent.Name, "1v1-")
}

func TestInstantBot1v1WithoutBots(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.InstantBot1v1(context.Background(), activity, "alice")
	assert.ErrorIs(t, err, ErrMatchCreationFailed)
	assert.ErrorIs(t, err, bot.ErrInsufficientRoster)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM teams`))

	_, err = f.svc.InstantBot1v1(context.Background(), "", "alice")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInstantBotSquad(t *testing.T) {
	f := newFixture(t, bot.DefaultHandles...)
	ctx := context.Background()

	result, err := f.svc.InstantBotSquad(ctx, activity, "alice-0123456789", 3)
	require.NoError(t, err)
	assert.Equal(t, ResultMatched, result.Status)
	f.assertLinked(t, *result.TeamID)
	require.Len(t, result.Roster, 6)

	mine, members, err := f.teams.GetTeamWithMembers(ctx, *result.TeamID)
	require.NoError(t, err)
	assert.Equal(t, "Team alice-01", mine.Name)
	require.Len(t, members, 3)
	assert.Equal(t, "alice-0123456789", members[0].ParticipantID)
	assert.Equal(t, team.RoleLeader, members[0].Role)

	theirs, opposing, err := f.teams.GetTeamWithMembers(ctx, *result.OpponentTeamID)
	require.NoError(t, err)
	assert.True(t, theirs.IsSyntheticOnly)
	require.Len(t, opposing, 3)
	assert.Equal(t, team.RoleLeader, opposing[0].Role)

	seen := map[string]bool{}
	for _, m := range result.Roster {
		assert.False(t, seen[m.ParticipantID], "duplicate participant %s", m.ParticipantID)
		seen[m.ParticipantID] = true
	}
}

func TestInstantBotSquadExhaustsRoster(t *testing.T) {
	f := newFixture(t, bot.DefaultHandles...)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []*MatchResult
		failures  []error
	)
	for _, p := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.InstantBotSquad(ctx, activity, p, 3)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes = append(successes, result)
		}()
	}
	wg.Wait()

	require.Len(t, successes, 1)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], bot.ErrInsufficientRoster)
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM teams`), "failed attempt left no teams")

	// completing the match frees its bots
	winner := successes[0].Roster[0].ParticipantID
	completed, err := f.svc.CompleteMatch(ctx, *successes[0].TeamID, winner)
	require.NoError(t, err)
	assert.Equal(t, team.StatusCompleted, completed.Status)
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM bots WHERE reserved_match_id IS NOT NULL`))

	_, err = f.svc.InstantBotSquad(ctx, activity, "carol", 3)
	require.NoError(t, err)
}

func TestInstantBotSquadValidatesSize(t *testing.T) {
	f := newFixture(t, bot.DefaultHandles...)
	ctx := context.Background()

	for _, size := range []int{0, -1, DefaultOptions().MaxSquadSize + 1} {
		_, err := f.svc.InstantBotSquad(ctx, activity, "alice", size)
		assert.ErrorIs(t, err, ErrInvalidSquadSize, "size %d", size)
	}
}

func TestFindHumanOpponentPairsSecondArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, first.Status)
	require.NotNil(t, first.EntryID)
	assert.Nil(t, first.TeamID)

	// alice watches her entry before bob arrives
	sub, err := f.relay.Subscribe(ctx, notification.QueueEntryTopic(*first.EntryID))
	require.NoError(t, err)
	defer sub.Close()

	second, err := f.svc.FindHumanOpponent(ctx, activity, "bob", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ResultMatched, second.Status)
	require.NotNil(t, second.OpponentTeamID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, notification.EventKindMatched, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("alice was not notified")
	}

	status, err := f.svc.Status(ctx, *first.EntryID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultMatched, status.Status)
	require.NotNil(t, status.TeamID)
	assert.Equal(t, *second.OpponentTeamID, *status.TeamID)
	assert.Equal(t, *second.TeamID, *status.OpponentTeamID)
	f.assertLinked(t, *status.TeamID)

	entry, err := f.queue.Get(ctx, *first.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusMatched, entry.Status)
}

func TestFindHumanOpponentTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ResultPending, pending.Status)

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result, err := f.svc.Await(awaitCtx, *pending.EntryID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultTimedOut, result.Status)
	assert.ErrorIs(t, result.Err(), ErrTimeout)

	entry, err := f.queue.Get(ctx, *pending.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, entry.Status)

	// a late arrival cannot claim the expired entry
	late, err := f.svc.FindHumanOpponent(ctx, activity, "bob", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, late.Status)
}

func TestAwaitResolvesOnMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)

	done := make(chan *MatchResult, 1)
	go func() {
		awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		result, err := f.svc.Await(awaitCtx, *pending.EntryID, "alice")
		assert.NoError(t, err)
		done <- result
	}()

	_, err = f.svc.FindHumanOpponent(ctx, activity, "bob", 1, time.Minute)
	require.NoError(t, err)

	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.Equal(t, ResultMatched, result.Status)
	case <-time.After(6 * time.Second):
		t.Fatal("await never returned")
	}
}

func TestAwaitReturnsPendingWhenContextEnds(t *testing.T) {
	f := newFixture(t)

	pending, err := f.svc.FindHumanOpponent(context.Background(), activity, "alice", 1, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	result, err := f.svc.Await(ctx, *pending.EntryID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultPending, result.Status)
}

func TestFindHumanOpponentAlreadyQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)
	again, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ResultPending, again.Status)
	assert.Equal(t, *first.EntryID, *again.EntryID)
}

func TestFindHumanOpponentRejectsSquadSizeChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.FindHumanOpponent(ctx, activity, "alice", 3, time.Minute)
	assert.ErrorIs(t, err, ErrSquadSizeMismatch)

	// the original entry keeps waiting untouched
	entry, err := f.queue.Get(ctx, *first.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, entry.Status)
	assert.Equal(t, 1, entry.SquadSize)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM queue_entries`))
}

func TestFindHumanOpponentSquads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var results []*MatchResult
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		result, err := f.svc.FindHumanOpponent(ctx, activity, p, 2, time.Minute)
		require.NoError(t, err)
		results = append(results, result)
	}
	for _, r := range results[:3] {
		assert.Equal(t, ResultPending, r.Status)
	}

	last := results[3]
	require.Equal(t, ResultMatched, last.Status)
	require.Len(t, last.Roster, 4)
	f.assertLinked(t, *last.TeamID)

	// alternating: p1 and p3 against p2 and p4
	p1, err := f.svc.Status(ctx, *results[0].EntryID, "p1")
	require.NoError(t, err)
	p3, err := f.svc.Status(ctx, *results[2].EntryID, "p3")
	require.NoError(t, err)
	assert.Equal(t, *p1.TeamID, *p3.TeamID)
	assert.Equal(t, *last.TeamID, *p1.OpponentTeamID)

	members, err := f.teams.GetMembers(ctx, *p1.TeamID)
	require.NoError(t, err)
	assert.Equal(t, "p1", members[0].ParticipantID)
	assert.Equal(t, team.RoleLeader, members[0].Role)
}

func TestConcurrentSearchesNeverDoubleBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const players = 12
	var wg sync.WaitGroup
	errs := make(chan error, players)
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.FindHumanOpponent(ctx, activity, fmt.Sprintf("player-%02d", i), 1, time.Minute)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// anything a lost race left waiting is picked up by the sweeper
	_, err := f.svc.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, players, f.count(t, `SELECT COUNT(*) FROM queue_entries WHERE status = 'matched'`))
	assert.Equal(t, players, f.count(t, `SELECT COUNT(*) FROM teams WHERE status = 'active'`))
	assert.Equal(t, players, f.count(t, `SELECT COUNT(DISTINCT participant_id) FROM team_members`))
	assert.Equal(t, players, f.count(t, `SELECT COUNT(DISTINCT matched_team_id) FROM queue_entries`))
	assert.Zero(t, f.count(t, `
		SELECT COUNT(*) FROM teams a JOIN teams b ON a.opponent_team_id = b.id
		WHERE b.opponent_team_id IS NULL OR b.opponent_team_id <> a.id
	`))
}

func TestSweepExpiresAndClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// entries that reached the queue without a claim attempt
	for _, p := range []string{"alice", "bob"} {
		_, err := f.queue.Enqueue(ctx, p, activity, 1, time.Minute)
		require.NoError(t, err)
	}
	stale, err := f.queue.Enqueue(ctx, "carol", "other", 1, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	stats, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Expired: 1, Claims: 1}, stats)

	entry, err := f.queue.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExpired, entry.Status)
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM queue_entries WHERE status = 'matched'`))
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewSweeper(f.svc, 10*time.Millisecond, zerolog.Nop()).Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestOwnershipAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Status(ctx, *pending.EntryID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.Cancel(ctx, *pending.EntryID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	cancelled, err := f.svc.Cancel(ctx, *pending.EntryID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, cancelled.Status)

	// cancelling again reports the same terminal state
	again, err := f.svc.Cancel(ctx, *pending.EntryID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, again.Status)

	// a cancelled participant may queue again
	fresh, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, *pending.EntryID, *fresh.EntryID)
}

func TestCompleteMatchRequiresMembership(t *testing.T) {
	f := newFixture(t, "CodeNinja")
	ctx := context.Background()

	result, err := f.svc.InstantBot1v1(ctx, activity, "alice")
	require.NoError(t, err)

	_, err = f.svc.CompleteMatch(ctx, *result.TeamID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.CompleteMatch(ctx, 9999, "alice")
	assert.ErrorIs(t, err, team.ErrTeamNotFound)

	completed, err := f.svc.CompleteMatch(ctx, *result.TeamID, "alice")
	require.NoError(t, err)
	assert.Equal(t, team.StatusCompleted, completed.Status)

	opponent, err := f.teams.GetTeam(ctx, *result.OpponentTeamID)
	require.NoError(t, err)
	assert.Equal(t, team.StatusCompleted, opponent.Status)
}

func TestWatchGuard(t *testing.T) {
	f := newFixture(t, "CodeNinja")
	ctx := context.Background()
	guard := f.svc.WatchGuard()

	pending, err := f.svc.FindHumanOpponent(ctx, activity, "alice", 1, time.Minute)
	require.NoError(t, err)
	match, err := f.svc.InstantBot1v1(ctx, activity, "bob")
	require.NoError(t, err)

	entryTopic := notification.QueueEntryTopic(*pending.EntryID)
	teamTopic := notification.TeamTopic(*match.TeamID)

	assert.NoError(t, guard(ctx, "alice", entryTopic))
	assert.ErrorIs(t, guard(ctx, "bob", entryTopic), notification.ErrTopicForbidden)
	assert.NoError(t, guard(ctx, "bob", teamTopic))
	assert.ErrorIs(t, guard(ctx, "alice", teamTopic), notification.ErrTopicForbidden)
	assert.ErrorIs(t, guard(ctx, "alice", notification.QueueEntryTopic(9999)), notification.ErrTopicForbidden)
}

func TestClampWait(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()

	assert.Equal(t, opts.DefaultWaitTimeout, f.svc.clampWait(0))
	assert.Equal(t, opts.MaxWaitTimeout, f.svc.clampWait(time.Hour))
	assert.Equal(t, time.Second, f.svc.clampWait(time.Second))
}

func TestPrefixKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"alice-0123456789", 8, "alice-01"},
		{"bob", 8, "bob"},
		{"ñandú-jugador", 5, "ñandú"},
		{"日本語のプレイヤー名", 8, "日本語のプレイヤ"},
		{"", 8, ""},
	}
	for _, tt := range tests {
		got := prefix(tt.in, tt.n)
		assert.Equal(t, tt.want, got, tt.in)
		assert.True(t, utf8.ValidString(got), tt.in)
	}
}

func TestInstantBotSquadNamesMultibyteRequester(t *testing.T) {
	f := newFixture(t, bot.DefaultHandles...)
	ctx := context.Background()

	result, err := f.svc.InstantBotSquad(ctx, activity, "日本語のプレイヤー名", 2)
	require.NoError(t, err)

	mine, err := f.teams.GetTeam(ctx, *result.TeamID)
	require.NoError(t, err)
	assert.Equal(t, "Team 日本語のプレイヤ", mine.Name)
	assert.True(t, utf8.ValidString(mine.Name))
}
