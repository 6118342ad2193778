package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fkhayef/questarena/internal/bot"
	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/matchmaking/pairing"
	"github.com/fkhayef/questarena/internal/notification"
	"github.com/fkhayef/questarena/internal/queue"
	"github.com/fkhayef/questarena/internal/team"
)

var tracer = otel.Tracer("github.com/fkhayef/questarena/internal/matchmaking")

// Service composes the queue, team formation and bot roster into the matchmaking flows
type Service struct {
	db       *database.DB
	queue    *queue.Service
	teams    *team.Service
	bots     *bot.Provider
	relay    notification.Relay
	strategy pairing.Strategy
	opts     Options
	log      zerolog.Logger
}

// NewService creates a new matchmaking service
func NewService(
	db *database.DB,
	queueService *queue.Service,
	teamService *team.Service,
	bots *bot.Provider,
	relay notification.Relay,
	strategy pairing.Strategy,
	opts Options,
	logger zerolog.Logger,
) *Service {
	defaults := DefaultOptions()
	if opts.DefaultWaitTimeout <= 0 {
		opts.DefaultWaitTimeout = defaults.DefaultWaitTimeout
	}
	if opts.MaxWaitTimeout < opts.DefaultWaitTimeout {
		opts.MaxWaitTimeout = opts.DefaultWaitTimeout
	}
	if opts.MaxSquadSize < 1 {
		opts.MaxSquadSize = defaults.MaxSquadSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if strategy == nil {
		strategy = &pairing.AlternatingStrategy{}
	}
	return &Service{
		db:       db,
		queue:    queueService,
		teams:    teamService,
		bots:     bots,
		relay:    relay,
		strategy: strategy,
		opts:     opts,
		log:      logger.With().Str("component", "matchmaking").Logger(),
	}
}

// InstantBot1v1 pits the requester against one bot and activates the match immediately
func (s *Service) InstantBot1v1(ctx context.Context, activityID, requesterID string) (result *MatchResult, err error) {
	ctx, span := s.startSpan(ctx, "matchmaking.InstantBot1v1", activityID, requesterID)
	defer func() { endSpan(span, err) }()

	if err := validateIDs(activityID, requesterID); err != nil {
		return nil, err
	}

	opponents, err := s.bots.SelectDistinct(ctx, 1, requesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchCreationFailed, err)
	}
	opponent := opponents[0]

	var mine, theirs *team.Team
	err = s.db.InTx(ctx, func(q database.Querier) error {
		tx := s.teams.Tx(q)
		var err error
		mine, theirs, err = tx.CreateOpposingTeams(ctx, team.OpposingTeams{
			ActivityID: activityID,
			TeamSize:   1,
			Mode:       team.ModeBot1v1,
			A:          team.Side{Name: "1v1-" + shortCode()},
			B:          team.Side{Name: "1v1-" + shortCode(), IsSyntheticOnly: true},
		})
		if err != nil {
			return err
		}
		if _, err := tx.AddMembers(ctx, mine.ID, []team.NewMember{
			{ParticipantID: requesterID, Role: team.RoleLeader},
		}); err != nil {
			return err
		}
		if _, err := tx.AddMembers(ctx, theirs.ID, []team.NewMember{
			{ParticipantID: opponent.ID, DisplayName: opponent.Handle, Role: team.RoleLeader, IsSynthetic: true},
		}); err != nil {
			return err
		}
		return activate(ctx, tx, mine.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchCreationFailed, err)
	}

	s.publishTeams(ctx, notification.EventKindActivated, mine.ID, theirs.ID)
	s.log.Info().
		Str("activity_id", activityID).
		Str("participant_id", requesterID).
		Str("bot", opponent.Handle).
		Str("match_id", mine.MatchID).
		Msg("created bot 1v1 match")
	return s.matchedResult(ctx, mine.ID, nil)
}

// InstantBotSquad fills the requester's squad and the opposing squad with reserved bots
func (s *Service) InstantBotSquad(ctx context.Context, activityID, requesterID string, squadSize int) (result *MatchResult, err error) {
	ctx, span := s.startSpan(ctx, "matchmaking.InstantBotSquad", activityID, requesterID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("squad_size", squadSize))

	if err := validateIDs(activityID, requesterID); err != nil {
		return nil, err
	}
	if err := s.validateSquadSize(squadSize); err != nil {
		return nil, err
	}

	var mine, theirs *team.Team
	err = s.db.InTx(ctx, func(q database.Querier) error {
		tx := s.teams.Tx(q)
		var err error
		mine, theirs, err = tx.CreateOpposingTeams(ctx, team.OpposingTeams{
			ActivityID: activityID,
			TeamSize:   squadSize,
			Mode:       team.ModeBotSquad,
			A:          team.Side{Name: "Team " + prefix(requesterID, 8)},
			B:          team.Side{Name: "Bot Squad " + shortCode(), IsSyntheticOnly: true},
		})
		if err != nil {
			return err
		}

		bots, err := s.bots.Tx(q).Reserve(ctx, 2*squadSize-1, requesterID, mine.MatchID)
		if err != nil {
			return err
		}

		own := []team.NewMember{{ParticipantID: requesterID, Role: team.RoleLeader}}
		for _, b := range bots[:squadSize-1] {
			own = append(own, botMember(b, team.RoleMember))
		}
		var opposing []team.NewMember
		for i, b := range bots[squadSize-1:] {
			role := team.RoleMember
			if i == 0 {
				role = team.RoleLeader
			}
			opposing = append(opposing, botMember(b, role))
		}

		if _, err := tx.AddMembers(ctx, mine.ID, own); err != nil {
			return err
		}
		if _, err := tx.AddMembers(ctx, theirs.ID, opposing); err != nil {
			return err
		}
		return activate(ctx, tx, mine.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchCreationFailed, err)
	}

	s.publishTeams(ctx, notification.EventKindActivated, mine.ID, theirs.ID)
	s.log.Info().
		Str("activity_id", activityID).
		Str("participant_id", requesterID).
		Int("squad_size", squadSize).
		Str("match_id", mine.MatchID).
		Msg("created bot squad match")
	return s.matchedResult(ctx, mine.ID, nil)
}

// FindHumanOpponent queues the requester and tries to claim a match at once. If no counterpart
// waits yet it returns pending; the caller then watches its queue entry until the entry is
// matched by a later arrival or expires after wait. Repeating a search reports the waiting
// entry, unless it asks for another squad size, which fails with ErrSquadSizeMismatch.
func (s *Service) FindHumanOpponent(ctx context.Context, activityID, requesterID string, squadSize int, wait time.Duration) (result *MatchResult, err error) {
	ctx, span := s.startSpan(ctx, "matchmaking.FindHumanOpponent", activityID, requesterID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("squad_size", squadSize))

	if err := validateIDs(activityID, requesterID); err != nil {
		return nil, err
	}
	if err := s.validateSquadSize(squadSize); err != nil {
		return nil, err
	}
	wait = s.clampWait(wait)

	entry, err := s.queue.Enqueue(ctx, requesterID, activityID, squadSize, wait)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		if entry == nil {
			// The waiting entry was resolved between the insert and the lookup
			if entry, err = s.queue.Latest(ctx, requesterID, activityID); err != nil || entry == nil {
				return nil, errors.Join(queue.ErrAlreadyQueued, err)
			}
			return s.resultFor(ctx, entry)
		}
		if entry.SquadSize != squadSize {
			s.log.Info().
				Int64("entry_id", entry.ID).
				Int("queued_squad_size", entry.SquadSize).
				Int("requested_squad_size", squadSize).
				Msg("rejected search with a different squad size")
			return nil, fmt.Errorf("%w: waiting in entry %d with squad size %d", ErrSquadSizeMismatch, entry.ID, entry.SquadSize)
		}
		s.log.Debug().Int64("entry_id", entry.ID).Msg("already queued, reporting existing entry")
		s.queue.ExpireAfter(entry, time.Until(entry.ExpiresAt))
		return s.resultFor(ctx, entry)
	}
	if err != nil {
		return nil, err
	}

	// A claim that took older waiters may leave ours behind, so keep going while claims succeed
	for {
		claim, err := s.claim(ctx, activityID, squadSize)
		if err != nil {
			return nil, err
		}
		if claim == nil || claim.Includes(entry.ID) {
			break
		}
	}

	// A concurrent caller may have claimed our entry while our own attempts came up empty
	current, err := s.queue.Get(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if current.Status == queue.StatusWaiting {
		s.queue.ExpireAfter(current, wait)
	}
	return s.resultFor(ctx, current)
}

// claim runs one atomic claim and announces the teams it activated
func (s *Service) claim(ctx context.Context, activityID string, squadSize int) (*queue.Claim, error) {
	claim, err := s.queue.TryClaim(ctx, activityID, squadSize, s.formHumanTeams)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMatchCreationFailed, err)
	}
	if claim == nil {
		return nil, nil
	}

	seen := make(map[int64]bool)
	var teamIDs []int64
	for _, e := range claim.Entries {
		if id := *e.MatchedTeamID; !seen[id] {
			seen[id] = true
			teamIDs = append(teamIDs, id)
		}
	}
	s.publishTeams(ctx, notification.EventKindActivated, teamIDs...)
	return claim, nil
}

// formHumanTeams runs inside the claim transaction
func (s *Service) formHumanTeams(ctx context.Context, q database.Querier, entries []*queue.Entry) (map[int64]int64, error) {
	sideA, sideB, err := s.strategy.Assign(entries)
	if err != nil {
		return nil, err
	}
	squadSize := len(sideA)

	nameA, nameB := "Squad-"+shortCode(), "Squad-"+shortCode()
	if squadSize == 1 {
		nameA, nameB = "1v1-"+shortCode(), "1v1-"+shortCode()
	}

	tx := s.teams.Tx(q)
	a, b, err := tx.CreateOpposingTeams(ctx, team.OpposingTeams{
		ActivityID: entries[0].ActivityID,
		TeamSize:   squadSize,
		Mode:       team.ModeHuman,
		A:          team.Side{Name: nameA},
		B:          team.Side{Name: nameB},
	})
	if err != nil {
		return nil, err
	}

	assigned := make(map[int64]int64, len(entries))
	for _, side := range []struct {
		team    *team.Team
		entries []*queue.Entry
	}{{a, sideA}, {b, sideB}} {
		members := make([]team.NewMember, len(side.entries))
		for i, e := range side.entries {
			role := team.RoleMember
			if i == 0 {
				role = team.RoleLeader
			}
			members[i] = team.NewMember{ParticipantID: e.ParticipantID, Role: role}
			assigned[e.ID] = side.team.ID
		}
		if _, err := tx.AddMembers(ctx, side.team.ID, members); err != nil {
			return nil, err
		}
	}

	if err := activate(ctx, tx, a.ID); err != nil {
		return nil, err
	}
	return assigned, nil
}

// Status reports the current result for a queue entry owned by the requester
func (s *Service) Status(ctx context.Context, entryID int64, requesterID string) (*MatchResult, error) {
	entry, err := s.ownedEntry(ctx, entryID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.resultFor(ctx, entry)
}

// Await blocks until the entry is resolved or ctx ends, re-reading the entry on every relay
// trigger and at least every poll interval. When ctx ends first it returns the pending result.
func (s *Service) Await(ctx context.Context, entryID int64, requesterID string) (*MatchResult, error) {
	entry, err := s.ownedEntry(ctx, entryID, requesterID)
	if err != nil {
		return nil, err
	}

	// Subscribe before the first read so no transition between the two is missed
	var events <-chan notification.Event
	if s.relay != nil {
		sub, err := s.relay.Subscribe(ctx, notification.QueueEntryTopic(entryID))
		if err != nil {
			s.log.Warn().Err(err).Int64("entry_id", entryID).Msg("subscribe failed, polling only")
		} else {
			defer sub.Close()
			events = sub.Events()
		}
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		entry, err = s.queue.Get(ctx, entryID)
		if err != nil {
			return nil, err
		}
		// Deadline passed with no timer in this process, e.g. after a restart
		if entry.Status == queue.StatusWaiting && !time.Now().Before(entry.ExpiresAt) {
			if _, err := s.queue.Expire(ctx, entryID); err != nil {
				return nil, err
			}
			continue
		}
		if entry.Status != queue.StatusWaiting {
			return s.resultFor(ctx, entry)
		}

		select {
		case <-ctx.Done():
			return s.resultFor(context.WithoutCancel(ctx), entry)
		case <-events:
		case <-ticker.C:
		}
	}
}

// Cancel withdraws the requester's waiting entry; a resolved entry is reported unchanged
func (s *Service) Cancel(ctx context.Context, entryID int64, requesterID string) (*MatchResult, error) {
	if _, err := s.ownedEntry(ctx, entryID, requesterID); err != nil {
		return nil, err
	}
	entry, err := s.queue.Cancel(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return s.resultFor(ctx, entry)
}

// CompleteMatch finishes the match a member's team plays in and frees its reserved bots
func (s *Service) CompleteMatch(ctx context.Context, teamID int64, requesterID string) (*team.Team, error) {
	member, err := s.teams.IsMember(ctx, teamID, requesterID)
	if err != nil {
		return nil, err
	}
	if !member {
		if _, err := s.teams.GetTeam(ctx, teamID); err != nil {
			return nil, err
		}
		return nil, ErrNotOwner
	}

	var (
		completed *team.Team
		changed   bool
		released  int64
	)
	err = s.db.InTx(ctx, func(q database.Querier) error {
		var err error
		completed, changed, err = s.teams.Tx(q).Complete(ctx, teamID)
		if err != nil {
			return err
		}
		released, err = s.bots.Tx(q).Release(ctx, completed.MatchID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		ids := []int64{completed.ID}
		if completed.OpponentTeamID != nil {
			ids = append(ids, *completed.OpponentTeamID)
		}
		s.publishTeams(ctx, notification.EventKindCompleted, ids...)
		s.log.Info().Str("match_id", completed.MatchID).Int64("bots_released", released).Msg("match completed")
	}
	return completed, nil
}

// GetMatch returns a match with both teams
func (s *Service) GetMatch(ctx context.Context, matchID string) (*team.Match, []*team.Team, error) {
	return s.teams.GetMatch(ctx, matchID)
}

// Sweep expires overdue entries and claims every bucket that can form a match. It recovers
// matches a lost race left behind and deadlines whose timers lived in another process.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	expired, err := s.queue.ExpireOverdue(ctx)
	if err != nil {
		return stats, err
	}
	stats.Expired = len(expired)

	groups, err := s.queue.ClaimableGroups(ctx)
	if err != nil {
		return stats, err
	}
	for _, g := range groups {
		for {
			claim, err := s.claim(ctx, g.ActivityID, g.SquadSize)
			if err != nil {
				return stats, err
			}
			if claim == nil {
				break
			}
			stats.Claims++
		}
	}
	return stats, nil
}

// WatchGuard allows a participant to stream only its own queue entries and teams
func (s *Service) WatchGuard() notification.TopicGuard {
	return func(ctx context.Context, participantID, topic string) error {
		kind, raw, _ := strings.Cut(topic, ":")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return notification.ErrTopicForbidden
		}
		switch kind {
		case "queue_entry":
			if _, err := s.ownedEntry(ctx, id, participantID); err != nil {
				if errors.Is(err, ErrNotOwner) || errors.Is(err, queue.ErrEntryNotFound) {
					return notification.ErrTopicForbidden
				}
				return err
			}
			return nil
		case "team":
			member, err := s.teams.IsMember(ctx, id, participantID)
			if err != nil {
				return err
			}
			if !member {
				return notification.ErrTopicForbidden
			}
			return nil
		default:
			return notification.ErrTopicForbidden
		}
	}
}

func (s *Service) ownedEntry(ctx context.Context, entryID int64, requesterID string) (*queue.Entry, error) {
	entry, err := s.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ParticipantID != requesterID {
		return nil, ErrNotOwner
	}
	return entry, nil
}

func (s *Service) resultFor(ctx context.Context, entry *queue.Entry) (*MatchResult, error) {
	entryID := entry.ID
	switch entry.Status {
	case queue.StatusMatched:
		return s.matchedResult(ctx, *entry.MatchedTeamID, &entryID)
	case queue.StatusExpired:
		return &MatchResult{Status: ResultTimedOut, EntryID: &entryID}, nil
	case queue.StatusCancelled:
		return &MatchResult{Status: ResultCancelled, EntryID: &entryID}, nil
	default:
		expiresAt := entry.ExpiresAt
		return &MatchResult{Status: ResultPending, EntryID: &entryID, ExpiresAt: &expiresAt}, nil
	}
}

func (s *Service) matchedResult(ctx context.Context, teamID int64, entryID *int64) (*MatchResult, error) {
	mine, roster, err := s.teams.GetTeamWithMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if mine.OpponentTeamID != nil {
		opposing, err := s.teams.GetMembers(ctx, *mine.OpponentTeamID)
		if err != nil {
			return nil, err
		}
		roster = append(roster, opposing...)
	}
	return &MatchResult{
		Status:         ResultMatched,
		EntryID:        entryID,
		TeamID:         &mine.ID,
		OpponentTeamID: mine.OpponentTeamID,
		MatchID:        mine.MatchID,
		Roster:         roster,
	}, nil
}

func (s *Service) publishTeams(ctx context.Context, kind notification.EventKind, teamIDs ...int64) {
	if s.relay == nil {
		return
	}
	now := time.Now()
	for _, id := range teamIDs {
		if err := s.relay.Publish(context.WithoutCancel(ctx), notification.NewTeamEvent(id, kind, now)); err != nil {
			s.log.Warn().Err(err).Int64("team_id", id).Msg("failed to publish team event")
		}
	}
}

func (s *Service) validateSquadSize(n int) error {
	if n < 1 || n > s.opts.MaxSquadSize {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidSquadSize, n, s.opts.MaxSquadSize)
	}
	return nil
}

func (s *Service) clampWait(wait time.Duration) time.Duration {
	if wait <= 0 {
		return s.opts.DefaultWaitTimeout
	}
	if wait > s.opts.MaxWaitTimeout {
		return s.opts.MaxWaitTimeout
	}
	return wait
}

func (s *Service) startSpan(ctx context.Context, name, activityID, requesterID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("activity_id", activityID),
		attribute.String("participant_id", requesterID),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// activate requires the freshly filled pair to go active in this transaction
func activate(ctx context.Context, tx *team.Tx, teamID int64) error {
	_, activated, err := tx.ActivateIfComplete(ctx, teamID)
	if err != nil {
		return err
	}
	if !activated {
		return fmt.Errorf("%w: team %d did not activate", team.ErrLinkage, teamID)
	}
	return nil
}

func validateIDs(activityID, requesterID string) error {
	if strings.TrimSpace(activityID) == "" || strings.TrimSpace(requesterID) == "" {
		return ErrInvalidRequest
	}
	return nil
}

func botMember(b *bot.Bot, role team.Role) team.NewMember {
	return team.NewMember{ParticipantID: b.ID, DisplayName: b.Handle, Role: role, IsSynthetic: true}
}

// shortCode returns five uppercase characters for team names
func shortCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
}

// prefix returns the first n runes of s
func prefix(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
