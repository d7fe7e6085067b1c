package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/chatsync-dev/chatsync/internal/metrics"
)

// Retention runs Sweep on a cron schedule.
type Retention struct {
	sweeper Sweeper
	cron    string
	log     zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewRetention validates cron and returns a sweeper schedule.
func NewRetention(sweeper Sweeper, cron string, logger zerolog.Logger) (*Retention, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cron)
	}
	return &Retention{
		sweeper: sweeper,
		cron:    cron,
		log:     logger.With().Str("component", "retention").Logger(),
	}, nil
}

// Run blocks until ctx is done, sweeping at every tick of the schedule.
func (r *Retention) Run(ctx context.Context) {
	r.log.Info().Str("cron", r.cron).Msg("retention enabled")
	for {
		next, err := gronx.NextTickAfter(r.cron, time.Now(), false)
		if err != nil {
			r.log.Error().Err(err).Msg("next tick")
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps immediately unless a sweep is already in progress.
func (r *Retention) RunOnce(ctx context.Context) int {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()
	n, err := r.sweeper.Sweep(ctx, start)
	if err != nil {
		r.log.Error().Err(err).Msg("sweep failed")
		return n
	}
	metrics.MessagesExpired.Add(float64(n))
	r.log.Info().Int("removed", n).Dur("took", time.Since(start)).Msg("sweep done")
	return n
}
