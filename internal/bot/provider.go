package bot

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fkhayef/questarena/internal/database"
)

// Common errors
var (
	ErrInsufficientRoster = errors.New("not enough bots available, try again later")
	ErrInvalidCount       = errors.New("bot count must be positive")
	ErrInvalidHandle      = errors.New("bot handle is required")
	ErrHandleTaken        = errors.New("bot handle already exists")
)

// NewRand returns the roster's random source. A nil seed draws one from crypto/rand.
func NewRand(seed *uint64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewPCG(*seed, *seed))
	}
	var key [32]byte
	_, _ = crand.Read(key[:])
	return rand.New(rand.NewChaCha8(key))
}

// Provider supplies synthetic participants
type Provider struct {
	repo *Repository
	log  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider creates a new bot roster provider
func NewProvider(repo *Repository, rng *rand.Rand, logger zerolog.Logger) *Provider {
	if rng == nil {
		rng = NewRand(nil)
	}
	return &Provider{
		repo: repo,
		rng:  rng,
		log:  logger.With().Str("component", "bot").Logger(),
	}
}

// SelectDistinct returns n distinct bots in random order without reserving them
func (p *Provider) SelectDistinct(ctx context.Context, n int, excludeParticipantID string) ([]*Bot, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}
	bots, err := p.repo.List(ctx, excludeParticipantID, false)
	if err != nil {
		return nil, err
	}
	return p.pick(bots, n)
}

func (p *Provider) pick(bots []*Bot, n int) ([]*Bot, error) {
	if len(bots) < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientRoster, n, len(bots))
	}
	p.mu.Lock()
	p.rng.Shuffle(len(bots), func(i, j int) { bots[i], bots[j] = bots[j], bots[i] })
	p.mu.Unlock()
	return bots[:n], nil
}

// Tx binds roster operations to a caller's transaction
func (p *Provider) Tx(q database.Querier) *Tx {
	return &Tx{provider: p, repo: p.repo.With(q)}
}

// Tx runs roster operations inside one transaction
type Tx struct {
	provider *Provider
	repo     *Repository
}

// Reserve selects n distinct unreserved bots at random and holds them for matchID.
// Any shortfall fails the whole reservation.
func (tx *Tx) Reserve(ctx context.Context, n int, excludeParticipantID, matchID string) ([]*Bot, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}
	available, err := tx.repo.List(ctx, excludeParticipantID, true)
	if err != nil {
		return nil, err
	}
	picked, err := tx.provider.pick(available, n)
	if err != nil {
		return nil, err
	}
	for _, b := range picked {
		ok, err := tx.repo.Reserve(ctx, b.ID, matchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s was taken", ErrInsufficientRoster, b.Handle)
		}
		reserved := matchID
		b.ReservedMatchID = &reserved
	}
	return picked, nil
}

// Release frees the bots held by a match
func (tx *Tx) Release(ctx context.Context, matchID string) (int64, error) {
	return tx.repo.Release(ctx, matchID)
}

// EnsureRoster adds any missing handles and returns how many were added
func (p *Provider) EnsureRoster(ctx context.Context, handles []string) (int, error) {
	added := 0
	for _, h := range handles {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		ok, err := p.repo.Insert(ctx, &Bot{ID: uuid.NewString(), Handle: h, CreatedAt: time.Now()})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		p.log.Info().Int("added", added).Msg("seeded bot roster")
	}
	return added, nil
}

// List returns the whole roster
func (p *Provider) List(ctx context.Context) ([]*Bot, error) {
	return p.repo.List(ctx, "", false)
}

// Add registers a new bot handle
func (p *Provider) Add(ctx context.Context, handle string) (*Bot, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, ErrInvalidHandle
	}
	ok, err := p.repo.Insert(ctx, &Bot{ID: uuid.NewString(), Handle: handle, CreatedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHandleTaken
	}
	return p.repo.GetByHandle(ctx, handle)
}
