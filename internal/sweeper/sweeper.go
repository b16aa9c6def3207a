// Package sweeper runs the hold-expiry polling loop. It is time-driven, not
// event-driven: a hold must expire even when nothing ever writes to it again.
package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HoldExpirer is implemented by app.ReservationService.
type HoldExpirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	svc      HoldExpirer
	interval time.Duration
	limit    int
}

func New(svc HoldExpirer, interval time.Duration, limit int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	return &Sweeper{svc: svc, interval: interval, limit: limit}
}

// Run polls until the context is cancelled. Each expiry is its own
// transaction inside ExpireDue, so a crash mid-batch leaves the remaining
// holds intact for the next pass. Multiple instances are safe: the expire
// update is a compare-and-swap on status.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.interval).Msg("hold sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hold sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.svc.ExpireDue(ctx, s.limit)
			if err != nil {
				log.Error().Err(err).Msg("hold sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("holds expired")
			}
		}
	}
}
