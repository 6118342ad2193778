package matchmaking

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically runs Service.Sweep
type Sweeper struct {
	service  *Service
	interval time.Duration
	log      zerolog.Logger
}

// NewSweeper creates a sweeper that runs every interval
func NewSweeper(service *Service, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		log:      logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps once immediately and then on every tick until ctx ends
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stats, err := s.service.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
		return
	}
	if stats.Expired > 0 || stats.Claims > 0 {
		s.log.Info().Int("expired", stats.Expired).Int("claims", stats.Claims).Msg("sweep")
	}
}
