package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/notification"
)

// Common errors
var (
	ErrAlreadyQueued   = errors.New("participant is already queued for this activity")
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrInvalidEntry    = errors.New("participant, activity and a positive squad size are required")
	ErrClaimConflict   = errors.New("queue entry was resolved by another claim")
	ErrUnassignedEntry = errors.New("claimed entry was not assigned a team")
)

const expireCallTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/fkhayef/questarena/internal/queue")

// FormFunc builds the teams for a claim inside the claim's transaction and returns the team
// assigned to every entry. Returning an error aborts the whole claim.
type FormFunc func(ctx context.Context, q database.Querier, entries []*Entry) (map[int64]int64, error)

// Service owns the waiting queue
type Service struct {
	db        *database.DB
	repo      *Repository
	publisher notification.Publisher
	timers    *scheduler
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates a new queue service
func NewService(db *database.DB, repo *Repository, publisher notification.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		repo:      repo,
		publisher: publisher,
		timers:    newScheduler(),
		log:       logger.With().Str("component", "queue").Logger(),
		now:       time.Now,
	}
}

// Enqueue registers a waiting entry that expires after wait. If the participant already waits
// for the activity, the existing entry is returned together with ErrAlreadyQueued. The entry
// is nil if it was resolved while a concurrent insert lost on the unique index.
func (s *Service) Enqueue(ctx context.Context, participantID, activityID string, squadSize int, wait time.Duration) (*Entry, error) {
	participantID = strings.TrimSpace(participantID)
	activityID = strings.TrimSpace(activityID)
	if participantID == "" || activityID == "" || squadSize < 1 || wait <= 0 {
		return nil, ErrInvalidEntry
	}

	now := s.now()
	existing, err := s.repo.FindWaiting(ctx, participantID, activityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ExpiresAt.After(now) {
			return existing, ErrAlreadyQueued
		}
		// Past its deadline but not yet swept
		if _, err := s.Expire(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	entry, err := s.repo.Insert(ctx, &Entry{
		ActivityID:    activityID,
		ParticipantID: participantID,
		SquadSize:     squadSize,
		EnqueuedAt:    now,
		ExpiresAt:     now.Add(wait),
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			existing, findErr := s.repo.FindWaiting(ctx, participantID, activityID)
			if findErr != nil {
				return nil, findErr
			}
			return existing, ErrAlreadyQueued
		}
		return nil, err
	}

	s.log.Debug().
		Int64("entry_id", entry.ID).
		Str("participant_id", participantID).
		Str("activity_id", activityID).
		Int("squad_size", squadSize).
		Msg("enqueued")
	return entry, nil
}

// Get retrieves an entry by its ID
func (s *Service) Get(ctx context.Context, id int64) (*Entry, error) {
	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Waiting returns the participant's waiting entry for an activity, or nil
func (s *Service) Waiting(ctx context.Context, participantID, activityID string) (*Entry, error) {
	return s.repo.FindWaiting(ctx, participantID, activityID)
}

// Latest returns the participant's most recent entry for an activity, or nil
func (s *Service) Latest(ctx context.Context, participantID, activityID string) (*Entry, error) {
	return s.repo.FindLatest(ctx, participantID, activityID)
}

// TryClaim atomically takes the 2*squadSize oldest live waiters of an activity, lets form build
// their teams and marks every one matched, all in one transaction. It returns nil when too few
// entries wait or another claimer won the race; in both cases nothing was written.
func (s *Service) TryClaim(ctx context.Context, activityID string, squadSize int, form FormFunc) (*Claim, error) {
	if squadSize < 1 {
		return nil, ErrInvalidEntry
	}

	ctx, span := tracer.Start(ctx, "queue.TryClaim")
	defer span.End()
	span.SetAttributes(attribute.String("activity_id", activityID), attribute.Int("squad_size", squadSize))

	var claim *Claim
	err := s.db.InTx(ctx, func(q database.Querier) error {
		repo := s.repo.With(q)
		now := s.now()

		entries, err := repo.SelectClaimable(ctx, activityID, squadSize, now, 2*squadSize)
		if err != nil {
			return err
		}
		if len(entries) < 2*squadSize {
			return nil
		}

		teams, err := form(ctx, q, entries)
		if err != nil {
			return err
		}

		for _, e := range entries {
			teamID, ok := teams[e.ID]
			if !ok {
				return fmt.Errorf("%w: entry %d", ErrUnassignedEntry, e.ID)
			}
			matched, err := repo.MarkMatched(ctx, e.ID, teamID, now)
			if err != nil {
				return err
			}
			if !matched {
				return fmt.Errorf("%w: entry %d", ErrClaimConflict, e.ID)
			}
			e.Status = StatusMatched
			e.MatchedTeamID = &teamID
			resolvedAt := now
			e.ResolvedAt = &resolvedAt
		}

		c := &Claim{ActivityID: activityID, SquadSize: squadSize, Entries: entries}
		cancelled, err := repo.CancelWaitingFor(ctx, activityID, c.Participants(), now)
		if err != nil {
			return err
		}
		c.Cancelled = cancelled
		claim = c
		return nil
	})
	if errors.Is(err, ErrClaimConflict) {
		s.log.Debug().Err(err).Str("activity_id", activityID).Msg("claim lost race")
		span.SetAttributes(attribute.Bool("conflict", true))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if claim == nil {
		return nil, nil
	}

	at := s.now()
	for _, e := range claim.Entries {
		s.timers.stop(e.ID)
		s.publish(ctx, notification.NewQueueEntryEvent(e.ID, notification.EventKindMatched, at))
	}
	for _, id := range claim.Cancelled {
		s.timers.stop(id)
		s.publish(ctx, notification.NewQueueEntryEvent(id, notification.EventKindCancelled, at))
	}

	s.log.Info().
		Str("activity_id", activityID).
		Int("squad_size", squadSize).
		Strs("participants", claim.Participants()).
		Msg("claimed entries")
	return claim, nil
}

// TryClaimPair is TryClaim for 1v1: it returns the two claimed entries, or nils
func (s *Service) TryClaimPair(ctx context.Context, activityID string, form FormFunc) (*Entry, *Entry, error) {
	claim, err := s.TryClaim(ctx, activityID, 1, form)
	if err != nil || claim == nil {
		return nil, nil, err
	}
	return claim.Entries[0], claim.Entries[1], nil
}

// ExpireAfter arms the entry's single expiry timer. It reports false when a timer is already armed.
func (s *Service) ExpireAfter(entry *Entry, d time.Duration) bool {
	id := entry.ID
	return s.timers.schedule(id, d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), expireCallTimeout)
		defer cancel()
		expired, err := s.Expire(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Int64("entry_id", id).Msg("failed to expire entry")
			return
		}
		if expired {
			s.log.Info().Int64("entry_id", id).Msg("entry timed out")
		}
	})
}

// Expire performs waiting -> expired. It reports false, without error, if the entry
// was already resolved.
func (s *Service) Expire(ctx context.Context, id int64) (bool, error) {
	return s.resolve(ctx, id, StatusExpired, notification.EventKindExpired)
}

// Cancel withdraws a waiting entry and returns its current state. Cancelling a resolved
// entry is a no-op.
func (s *Service) Cancel(ctx context.Context, id int64) (*Entry, error) {
	if _, err := s.resolve(ctx, id, StatusCancelled, notification.EventKindCancelled); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) resolve(ctx context.Context, id int64, to Status, kind notification.EventKind) (bool, error) {
	ok, err := s.repo.Resolve(ctx, id, to, s.now())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.timers.stop(id)
	s.publish(ctx, notification.NewQueueEntryEvent(id, kind, s.now()))
	return true, nil
}

// ExpireOverdue expires every waiting entry whose persisted deadline has passed
func (s *Service) ExpireOverdue(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.ExpireOverdue(ctx, s.now())
	if err != nil {
		return nil, err
	}
	at := s.now()
	for _, id := range ids {
		s.timers.stop(id)
		s.publish(ctx, notification.NewQueueEntryEvent(id, notification.EventKindExpired, at))
	}
	if len(ids) > 0 {
		s.log.Info().Int("count", len(ids)).Msg("expired overdue entries")
	}
	return ids, nil
}

// ClaimableGroups lists (activity, squad size) buckets that can currently form a match
func (s *Service) ClaimableGroups(ctx context.Context) ([]Group, error) {
	return s.repo.ClaimableGroups(ctx, s.now())
}

// Close disarms every pending timer. Persisted deadlines still apply through ExpireOverdue.
func (s *Service) Close() {
	s.timers.close()
}

// Events are triggers; a lost one is recovered by the subscriber's re-fetch
func (s *Service) publish(ctx context.Context, event notification.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Str("topic", event.Topic).Msg("failed to publish queue event")
	}
}
