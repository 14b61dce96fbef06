package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultDeadlineTick  = time.Second
	DefaultSubmitBackoff = time.Second
	MaxSubmitBackoff     = 30 * time.Second
)

type monitorState int

const (
	monitorIdle monitorState = iota
	monitorArmed
	monitorStopped
)

// Submitter forces the terminal transition of an attempt whose time ran out.
type Submitter interface {
	ForceSubmit(ctx context.Context, attemptID uuid.UUID) error
}

// DeadlineMonitorConfig tunes a DeadlineMonitor. Zero values use defaults.
type DeadlineMonitorConfig struct {
	Tick    time.Duration
	Backoff time.Duration
	Now     func() time.Time
	// OnTick receives the clamped remaining time on every tick, including
	// the final zero tick before the forced submit.
	OnTick func(remaining time.Duration)
}

// DeadlineMonitor counts down to an absolute deadline and forces submission
// of one attempt exactly once when it is reached, unless disarmed first.
type DeadlineMonitor struct {
	attemptID uuid.UUID
	deadline  time.Time
	submitter Submitter
	tick      time.Duration
	backoff   time.Duration
	now       func() time.Time
	onTick    func(time.Duration)
	log       zerolog.Logger

	mu     sync.Mutex
	state  monitorState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeadlineMonitor creates an unarmed monitor.
func NewDeadlineMonitor(attemptID uuid.UUID, deadline time.Time, submitter Submitter, cfg DeadlineMonitorConfig, log zerolog.Logger) *DeadlineMonitor {
	m := &DeadlineMonitor{
		attemptID: attemptID,
		deadline:  deadline,
		submitter: submitter,
		tick:      cfg.Tick,
		backoff:   cfg.Backoff,
		now:       cfg.Now,
		onTick:    cfg.OnTick,
		log:       log.With().Str("component", "deadline_monitor").Str("attempt_id", attemptID.String()).Logger(),
		done:      make(chan struct{}),
	}
	if m.tick <= 0 {
		m.tick = DefaultDeadlineTick
	}
	if m.backoff <= 0 {
		m.backoff = DefaultSubmitBackoff
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Remaining returns the time left before the deadline, never negative.
func (m *DeadlineMonitor) Remaining() time.Duration {
	if r := m.deadline.Sub(m.now()); r > 0 {
		return r
	}
	return 0
}

// Arm starts the countdown goroutine. Arm on a monitor that is already
// armed or was disarmed has no effect.
func (m *DeadlineMonitor) Arm(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != monitorIdle {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.state = monitorArmed
	go m.run(ctx)
}

// Disarm stops the countdown. It is idempotent and never blocks, so it is
// safe to call from inside the Submitter. Use Done to wait for the exit.
func (m *DeadlineMonitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case monitorIdle:
		m.state = monitorStopped
		close(m.done)
	case monitorArmed:
		m.state = monitorStopped
		m.cancel()
	}
}

// Done is closed once the countdown goroutine has exited.
func (m *DeadlineMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *DeadlineMonitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.state = monitorStopped
		m.cancel()
		m.mu.Unlock()
		close(m.done)
	}()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		remaining := m.Remaining()
		if m.onTick != nil {
			m.onTick(remaining)
		}
		if remaining <= 0 {
			m.fire(ctx)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fire submits once and retries with exponential backoff until it succeeds
// or the monitor is disarmed.
func (m *DeadlineMonitor) fire(ctx context.Context) {
	m.log.Info().Msg("Deadline reached, forcing submission")

	backoff := m.backoff
	for try := 1; ; try++ {
		if ctx.Err() != nil {
			return
		}

		err := m.submitter.ForceSubmit(ctx, m.attemptID)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.log.Error().Err(err).
			Int("try", try).
			Dur("retry_in", backoff).
			Msg("Forced submission failed")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > MaxSubmitBackoff {
			backoff = MaxSubmitBackoff
		}
	}
}
