package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/repository"
)

const (
	DefaultSweepInterval = time.Minute
	SweepBatchSize       = 100
)

// ExpirySweeper finalizes in-progress attempts whose deadline passed while
// no live session held them, e.g. after a restart. Attempts that fail as
// corrupt are skipped for the life of the sweeper so they cannot fill every
// batch. A sweeper is driven from one goroutine.
type ExpirySweeper struct {
	store     repository.AttemptStore
	submitter Submitter
	interval  time.Duration
	batch     int
	now       func() time.Time
	log       zerolog.Logger

	corrupt map[uuid.UUID]struct{}
}

// NewExpirySweeper creates a new ExpirySweeper.
func NewExpirySweeper(store repository.AttemptStore, submitter Submitter, interval time.Duration, log zerolog.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpirySweeper{
		store:     store,
		submitter: submitter,
		interval:  interval,
		batch:     SweepBatchSize,
		now:       time.Now,
		log:       log.With().Str("component", "expiry_sweeper").Logger(),
		corrupt:   make(map[uuid.UUID]struct{}),
	}
}

// Start runs a sweep immediately and then every interval. Call in a goroutine.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("Sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep force-submits one batch of expired attempts and returns how many
// were finalized. Known corrupt attempts are fetched past, not retried.
func (s *ExpirySweeper) Sweep(ctx context.Context) int {
	expired, err := s.store.ListExpiredInProgress(ctx, s.now(), s.batch+len(s.corrupt))
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("List expired attempts failed")
		}
		return 0
	}

	finalized, tried := 0, 0
	for _, a := range expired {
		if ctx.Err() != nil || tried == s.batch {
			break
		}
		if _, ok := s.corrupt[a.ID]; ok {
			continue
		}
		tried++

		if err := s.submitter.ForceSubmit(ctx, a.ID); err != nil {
			if errors.Is(err, engine.ErrCorruptAttempt) {
				s.corrupt[a.ID] = struct{}{}
				s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Expired attempt is corrupt, skipping it")
				continue
			}
			s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Forced submission failed")
			continue
		}
		finalized++
	}

	if finalized > 0 {
		s.log.Info().Int("count", finalized).Msg("Expired attempts finalized")
	}
	return finalized
}
