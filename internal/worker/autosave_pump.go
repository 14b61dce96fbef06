package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
)

// DefaultAutosaveInterval is the checkpoint period of an AutosavePump.
const DefaultAutosaveInterval = 30 * time.Second

// Checkpointer persists a snapshot of an in-progress attempt's answers.
type Checkpointer interface {
	Checkpoint(ctx context.Context, attemptID uuid.UUID, records []model.AnswerRecord, at time.Time) error
}

// SnapshotFunc returns a copy of the live answer records. ok is false once
// the attempt is no longer in progress.
type SnapshotFunc func() (records []model.AnswerRecord, ok bool)

// AutosavePump periodically checkpoints one attempt while it is in progress.
// Checkpoint failures are logged and never interrupt the session.
type AutosavePump struct {
	attemptID uuid.UUID
	interval  time.Duration
	snapshot  SnapshotFunc
	sink      Checkpointer
	now       func() time.Time
	log       zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewAutosavePump creates a stopped pump. A non-positive interval uses
// DefaultAutosaveInterval and a nil now uses time.Now.
func NewAutosavePump(attemptID uuid.UUID, interval time.Duration, snapshot SnapshotFunc, sink Checkpointer, now func() time.Time, log zerolog.Logger) *AutosavePump {
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	if now == nil {
		now = time.Now
	}
	return &AutosavePump{
		attemptID: attemptID,
		interval:  interval,
		snapshot:  snapshot,
		sink:      sink,
		now:       now,
		log:       log.With().Str("component", "autosave_pump").Str("attempt_id", attemptID.String()).Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the pump loop. Only the first call has an effect.
func (p *AutosavePump) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// Stop ends the loop. Idempotent; safe before Start.
func (p *AutosavePump) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		// A pump that never started has no goroutine to close done.
		p.startOnce.Do(func() { close(p.done) })
	})
}

// Done is closed once the loop has exited.
func (p *AutosavePump) Done() <-chan struct{} {
	return p.done
}

func (p *AutosavePump) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.Flush(ctx) {
				return
			}
		}
	}
}

// Flush writes one checkpoint now. It reports false when the attempt is no
// longer in progress. Nothing is written until at least one answer exists.
func (p *AutosavePump) Flush(ctx context.Context) bool {
	records, ok := p.snapshot()
	if !ok {
		return false
	}
	if !anyAnswered(records) {
		return true
	}

	if err := p.sink.Checkpoint(ctx, p.attemptID, records, p.now()); err != nil {
		p.log.Warn().Err(err).Msg("Checkpoint failed")
		return true
	}

	p.log.Debug().Int("records", len(records)).Msg("Checkpoint saved")
	return true
}

func anyAnswered(records []model.AnswerRecord) bool {
	for _, r := range records {
		if r.Answered() {
			return true
		}
	}
	return false
}
