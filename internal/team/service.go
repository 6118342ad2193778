package team

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fkhayef/questarena/internal/database"
)

// Common errors
var (
	ErrTeamNotFound    = errors.New("team not found")
	ErrMatchNotFound   = errors.New("match not found")
	ErrInvalidTeam     = errors.New("activity, positive team size, a known mode and both side names are required")
	ErrLinkage         = errors.New("failed to link opposing teams")
	ErrDuplicateMember = errors.New("participant is already a member of this team")
	ErrRosterOverflow  = errors.New("members would exceed the team size")
	ErrLeaderConflict  = errors.New("a team has exactly one leader")
	ErrTeamLocked      = errors.New("team no longer accepts members")
	ErrTeamNotActive   = errors.New("team is not active")
)

// Service handles team formation
type Service struct {
	db   *database.DB
	repo *Repository
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates a new team service
func NewService(db *database.DB, repo *Repository, logger zerolog.Logger) *Service {
	return &Service{
		db:   db,
		repo: repo,
		log:  logger.With().Str("component", "team").Logger(),
		now:  time.Now,
	}
}

// Tx binds team operations to a caller's transaction so they commit or roll back with it
func (s *Service) Tx(q database.Querier) *Tx {
	return &Tx{repo: s.repo.With(q), now: s.now}
}

// Tx runs team operations inside one transaction
type Tx struct {
	repo *Repository
	now  func() time.Time
}

// CreateOpposingTeams creates both teams, links them to each other and records the match
func (tx *Tx) CreateOpposingTeams(ctx context.Context, req OpposingTeams) (*Team, *Team, error) {
	if strings.TrimSpace(req.ActivityID) == "" || req.TeamSize < 1 || !req.Mode.Valid() ||
		strings.TrimSpace(req.A.Name) == "" || strings.TrimSpace(req.B.Name) == "" {
		return nil, nil, ErrInvalidTeam
	}

	now := tx.now()
	matchID := uuid.NewString()
	create := func(side Side) (*Team, error) {
		return tx.repo.Create(ctx, &Team{
			ActivityID:      req.ActivityID,
			Name:            side.Name,
			Status:          StatusForming,
			IsSyntheticOnly: side.IsSyntheticOnly,
			TeamSize:        req.TeamSize,
			MatchID:         matchID,
			CreatedAt:       now,
		})
	}

	a, err := create(req.A)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLinkage, err)
	}
	b, err := create(req.B)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLinkage, err)
	}

	for _, pair := range [][2]*Team{{a, b}, {b, a}} {
		linked, err := tx.repo.LinkOpponent(ctx, pair[0].ID, pair[1].ID, now)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrLinkage, err)
		}
		if !linked {
			return nil, nil, fmt.Errorf("%w: team %d already has an opponent", ErrLinkage, pair[0].ID)
		}
		opponent := pair[1].ID
		pair[0].OpponentTeamID = &opponent
	}

	err = tx.repo.CreateMatch(ctx, &Match{
		ID:         matchID,
		ActivityID: req.ActivityID,
		Mode:       req.Mode,
		TeamAID:    a.ID,
		TeamBID:    b.ID,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLinkage, err)
	}

	return a, b, nil
}

// AddMembers seats members on a team. The first batch for an empty team must carry its leader.
func (tx *Tx) AddMembers(ctx context.Context, teamID int64, members []NewMember) ([]*Member, error) {
	if len(members) == 0 {
		return nil, nil
	}

	team, err := tx.repo.Lock(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrTeamNotFound
	}
	if team.Status == StatusActive || team.Status == StatusCompleted {
		return nil, ErrTeamLocked
	}

	existing, err := tx.repo.GetMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(existing)+len(members) > team.TeamSize {
		return nil, fmt.Errorf("%w: %d + %d > %d", ErrRosterOverflow, len(existing), len(members), team.TeamSize)
	}

	seen := make(map[string]bool, len(existing)+len(members))
	leaders := 0
	for _, m := range existing {
		seen[m.ParticipantID] = true
		if m.Role == RoleLeader {
			leaders++
		}
	}
	for _, m := range members {
		id := strings.TrimSpace(m.ParticipantID)
		if id == "" {
			return nil, ErrInvalidTeam
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, id)
		}
		seen[id] = true
		if m.Role == RoleLeader {
			leaders++
		}
	}
	if leaders != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrLeaderConflict, leaders)
	}

	now := tx.now()
	added := make([]*Member, 0, len(members))
	for _, m := range members {
		role := m.Role
		if role == "" {
			role = RoleMember
		}
		member, err := tx.repo.AddMember(ctx, &Member{
			TeamID:        teamID,
			ParticipantID: strings.TrimSpace(m.ParticipantID),
			DisplayName:   m.DisplayName,
			Role:          role,
			IsSynthetic:   m.IsSynthetic,
			JoinedAt:      now,
		})
		if err != nil {
			if database.IsUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.ParticipantID)
			}
			return nil, err
		}
		added = append(added, member)
	}
	return added, nil
}

// ActivateIfComplete moves a team and its opponent to active once both rosters are full.
// A full team whose opponent is still filling becomes ready. It reports whether this call
// performed the activation; an already active team is a no-op.
func (tx *Tx) ActivateIfComplete(ctx context.Context, teamID int64) (*Team, bool, error) {
	team, err := tx.repo.GetByID(ctx, teamID)
	if err != nil {
		return nil, false, err
	}
	if team == nil {
		return nil, false, ErrTeamNotFound
	}
	if team.Status == StatusActive || team.Status == StatusCompleted {
		return team, false, nil
	}

	// Lock in id order so two activations of the same pair cannot deadlock
	var opponent *Team
	if team.OpponentTeamID != nil {
		first, second := team.ID, *team.OpponentTeamID
		if second < first {
			first, second = second, first
		}
		locked := make(map[int64]*Team, 2)
		for _, id := range []int64{first, second} {
			t, err := tx.repo.Lock(ctx, id)
			if err != nil {
				return nil, false, err
			}
			if t == nil {
				return nil, false, fmt.Errorf("%w: opponent %d missing", ErrLinkage, id)
			}
			locked[id] = t
		}
		team, opponent = locked[team.ID], locked[*team.OpponentTeamID]
		if team.Status == StatusActive || team.Status == StatusCompleted {
			return team, false, nil
		}
		if opponent.OpponentTeamID == nil || *opponent.OpponentTeamID != team.ID {
			return nil, false, fmt.Errorf("%w: teams %d and %d are not linked both ways", ErrLinkage, team.ID, opponent.ID)
		}
	}

	own, err := tx.repo.CountMembers(ctx, team.ID)
	if err != nil {
		return nil, false, err
	}
	if own < team.TeamSize {
		return team, false, nil
	}

	now := tx.now()
	opponentFull := false
	if opponent != nil {
		n, err := tx.repo.CountMembers(ctx, opponent.ID)
		if err != nil {
			return nil, false, err
		}
		opponentFull = n >= opponent.TeamSize
	}

	if !opponentFull {
		if team.Status == StatusForming {
			if _, err := tx.repo.Transition(ctx, team.ID, StatusReady, now, StatusForming); err != nil {
				return nil, false, err
			}
			team.Status = StatusReady
			team.UpdatedAt = now
		}
		return team, false, nil
	}

	for _, t := range []*Team{team, opponent} {
		ok, err := tx.repo.Transition(ctx, t.ID, StatusActive, now, StatusForming, StatusReady)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: team %d changed status during activation", ErrLinkage, t.ID)
		}
		t.Status = StatusActive
		t.UpdatedAt = now
	}
	return team, true, nil
}

// Complete finishes the match a team plays in, moving both teams from active to completed.
// Completing an already completed match is a no-op.
func (tx *Tx) Complete(ctx context.Context, teamID int64) (*Team, bool, error) {
	team, err := tx.repo.Lock(ctx, teamID)
	if err != nil {
		return nil, false, err
	}
	if team == nil {
		return nil, false, ErrTeamNotFound
	}
	switch team.Status {
	case StatusCompleted:
		return team, false, nil
	case StatusActive:
	default:
		return nil, false, ErrTeamNotActive
	}

	now := tx.now()
	ids := []int64{team.ID}
	if team.OpponentTeamID != nil {
		ids = append(ids, *team.OpponentTeamID)
	}
	for _, id := range ids {
		ok, err := tx.repo.Transition(ctx, id, StatusCompleted, now, StatusActive)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: team %d", ErrTeamNotActive, id)
		}
	}
	team.Status = StatusCompleted
	team.UpdatedAt = now
	return team, true, nil
}

// CreateOpposingTeams runs Tx.CreateOpposingTeams in its own transaction
func (s *Service) CreateOpposingTeams(ctx context.Context, req OpposingTeams) (a, b *Team, err error) {
	err = s.db.InTx(ctx, func(q database.Querier) error {
		a, b, err = s.Tx(q).CreateOpposingTeams(ctx, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.Debug().Int64("team_a", a.ID).Int64("team_b", b.ID).Str("match_id", a.MatchID).Msg("created opposing teams")
	return a, b, nil
}

// AddMembers runs Tx.AddMembers in its own transaction
func (s *Service) AddMembers(ctx context.Context, teamID int64, members []NewMember) (added []*Member, err error) {
	err = s.db.InTx(ctx, func(q database.Querier) error {
		added, err = s.Tx(q).AddMembers(ctx, teamID, members)
		return err
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// ActivateIfComplete runs Tx.ActivateIfComplete in its own transaction
func (s *Service) ActivateIfComplete(ctx context.Context, teamID int64) (team *Team, activated bool, err error) {
	err = s.db.InTx(ctx, func(q database.Querier) error {
		team, activated, err = s.Tx(q).ActivateIfComplete(ctx, teamID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if activated {
		s.log.Info().Int64("team_id", team.ID).Str("match_id", team.MatchID).Msg("match activated")
	}
	return team, activated, nil
}

// GetTeam retrieves a team by its ID
func (s *Service) GetTeam(ctx context.Context, id int64) (*Team, error) {
	team, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, ErrTeamNotFound
	}
	return team, nil
}

// GetTeamWithMembers retrieves a team with its roster
func (s *Service) GetTeamWithMembers(ctx context.Context, id int64) (*Team, []*Member, error) {
	team, err := s.GetTeam(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	members, err := s.repo.GetMembers(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return team, members, nil
}

// GetMembers retrieves a team's roster
func (s *Service) GetMembers(ctx context.Context, teamID int64) ([]*Member, error) {
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	return s.repo.GetMembers(ctx, teamID)
}

// GetMatch retrieves a match with both of its teams
func (s *Service) GetMatch(ctx context.Context, id string) (*Match, []*Team, error) {
	match, err := s.repo.GetMatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if match == nil {
		return nil, nil, ErrMatchNotFound
	}
	teams, err := s.repo.ListByMatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return match, teams, nil
}

// IsMember reports whether a participant sits on a team
func (s *Service) IsMember(ctx context.Context, teamID int64, participantID string) (bool, error) {
	members, err := s.repo.GetMembers(ctx, teamID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}
