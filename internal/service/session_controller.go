package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/worker"
)

// WarningThreshold is the remaining time at which candidates get a warning.
const WarningThreshold = 5 * time.Minute

// TimeWarning reports whether the remaining time warrants a warning.
func TimeWarning(remaining time.Duration) bool {
	return remaining <= WarningThreshold
}

// MonitorPublisher receives attempt lifecycle events for live monitoring.
type MonitorPublisher interface {
	Publish(ctx context.Context, ev model.MonitorEvent) error
}

// ControllerConfig tunes the timers of live sessions. Zero values use the
// worker defaults.
type ControllerConfig struct {
	AutosaveInterval     time.Duration
	DeadlineTick         time.Duration
	SubmitBackoff        time.Duration
	PassThresholdPercent int
	Now                  func() time.Time
}

// ResumeState is everything a client needs to redraw an attempt.
type ResumeState struct {
	Attempt          *model.Attempt           `json:"attempt"`
	Questions        []model.ShuffledQuestion `json:"questions"`
	Remaining        time.Duration            `json:"-"`
	RemainingSeconds int                      `json:"remaining_seconds"`
	TimeWarning      bool                     `json:"time_warning"`
	Percentage       float64                  `json:"percentage"`
}

// SessionEvent is pushed to watchers of a live attempt. Attempt is set only
// on the final event, after which the channel is closed.
type SessionEvent struct {
	Remaining   time.Duration
	TimeWarning bool
	Attempt     *model.Attempt
}

type liveSession struct {
	mu        sync.Mutex
	attempt   *model.Attempt
	def       *model.ExamDefinition
	questions map[uuid.UUID]model.Question
	shuffled  []model.ShuffledQuestion
	monitor   *worker.DeadlineMonitor
	pump      *worker.AutosavePump

	watchMu  sync.Mutex
	watchers map[chan SessionEvent]struct{}
	finished bool
}

// SessionController drives attempts through NOT_STARTED, IN_PROGRESS and a
// terminal verdict. Every in-progress attempt held by this process has one
// live session guarded by its own mutex; the store guards across processes.
type SessionController struct {
	store        repository.AttemptStore
	catalog      Catalog
	checkpointer worker.Checkpointer
	publisher    MonitorPublisher
	cfg          ControllerConfig
	log          zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	live map[uuid.UUID]*liveSession
}

// NewSessionController creates a new SessionController. publisher may be nil.
func NewSessionController(
	store repository.AttemptStore,
	catalog Catalog,
	checkpointer worker.Checkpointer,
	publisher MonitorPublisher,
	cfg ControllerConfig,
	log zerolog.Logger,
) *SessionController {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PassThresholdPercent <= 0 {
		cfg.PassThresholdPercent = engine.DefaultPassThresholdPercent
	}
	ctx, stop := context.WithCancel(context.Background())
	return &SessionController{
		store:        store,
		catalog:      catalog,
		checkpointer: checkpointer,
		publisher:    publisher,
		cfg:          cfg,
		log:          log.With().Str("component", "session_controller").Logger(),
		baseCtx:      ctx,
		stop:         stop,
		live:         make(map[uuid.UUID]*liveSession),
	}
}

// ─── Session loading ─────────────────────────────────────────────────

// session returns the live session for id, or loads the attempt from the
// store. With keepLive, an in-progress attempt is registered and its timers
// armed; otherwise the loaded session is detached.
func (c *SessionController) session(ctx context.Context, id uuid.UUID, keepLive bool) (*liveSession, error) {
	c.mu.Lock()
	if s, ok := c.live[id]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	a, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &liveSession{attempt: a}
	if a.Status.IsTerminal() {
		return s, nil
	}
	if err := c.hydrate(ctx, s); err != nil {
		return nil, err
	}
	if !keepLive || a.Status != model.AttemptStatusInProgress {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.live[id]; ok {
		return existing, nil
	}
	c.live[id] = s
	c.arm(s)
	return s, nil
}

// hydrate loads the definition and questions of a non-terminal attempt and
// rebuilds exactly what the candidate was shown.
func (c *SessionController) hydrate(ctx context.Context, s *liveSession) error {
	a := s.attempt

	def, err := c.catalog.GetByID(ctx, a.ExamDefinitionID)
	if err != nil {
		return fmt.Errorf("get exam definition: %w", err)
	}
	pool, err := c.catalog.ListByTopics(ctx, def.TopicIDs)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	idx := engine.QuestionIndex(pool)

	if len(a.AnswerRecords) != a.TotalQuestions {
		return fmt.Errorf("%w: %d records for %d questions", ErrCorruptAttempt, len(a.AnswerRecords), a.TotalQuestions)
	}

	shuffled := make([]model.ShuffledQuestion, len(a.AnswerRecords))
	for i, r := range a.AnswerRecords {
		q, ok := idx[r.QuestionID]
		if !ok {
			return fmt.Errorf("%w: question %s no longer in bank", ErrCorruptAttempt, r.QuestionID)
		}
		sq, err := engine.RestoreShuffledQuestion(q, r.PresentedOrder)
		if err != nil {
			return fmt.Errorf("restore question %d: %w", i+1, err)
		}
		shuffled[i] = sq
	}

	s.def = def
	s.questions = idx
	s.shuffled = shuffled
	return nil
}

// arm starts the deadline monitor and autosave pump. Caller holds c.mu.
func (c *SessionController) arm(s *liveSession) {
	a := s.attempt
	deadline := c.deadline(a, s.def)

	s.monitor = worker.NewDeadlineMonitor(a.ID, deadline, c, worker.DeadlineMonitorConfig{
		Tick:    c.cfg.DeadlineTick,
		Backoff: c.cfg.SubmitBackoff,
		Now:     c.cfg.Now,
		OnTick:  s.broadcast,
	}, c.log)
	s.pump = worker.NewAutosavePump(a.ID, c.cfg.AutosaveInterval, s.snapshot, c.checkpointer, c.cfg.Now, c.log)

	s.monitor.Arm(c.baseCtx)
	s.pump.Start(c.baseCtx)
}

// release stops timers, forgets the live session and closes watchers.
// Caller holds s.mu; final is nil when the attempt stays resumable.
func (c *SessionController) release(s *liveSession, final *model.Attempt) {
	if s.monitor != nil {
		s.monitor.Disarm()
	}
	if s.pump != nil {
		s.pump.Stop()
	}

	c.mu.Lock()
	if c.live[s.attempt.ID] == s {
		delete(c.live, s.attempt.ID)
	}
	c.mu.Unlock()

	s.closeWatchers(final)
}

func (c *SessionController) deadline(a *model.Attempt, def *model.ExamDefinition) time.Time {
	if a.DeadlineAt != nil {
		return *a.DeadlineAt
	}
	return a.StartedAt.Add(def.TimeLimit())
}

func (c *SessionController) remaining(a *model.Attempt, def *model.ExamDefinition) time.Duration {
	if a.StartedAt == nil {
		return def.TimeLimit()
	}
	if r := c.deadline(a, def).Sub(c.cfg.Now()); r > 0 {
		return r
	}
	return 0
}

// ─── Operations ──────────────────────────────────────────────────────

// Authorize checks that the attempt belongs to the candidate.
func (c *SessionController) Authorize(ctx context.Context, attemptID uuid.UUID, candidateID string) error {
	if candidateID == "" {
		return ErrMissingCandidate
	}

	c.mu.Lock()
	s, ok := c.live[attemptID]
	c.mu.Unlock()

	var owner string
	if ok {
		s.mu.Lock()
		owner = s.attempt.CandidateID
		s.mu.Unlock()
	} else {
		a, err := c.store.GetByID(ctx, attemptID)
		if err != nil {
			return err
		}
		owner = a.CandidateID
	}

	if owner != candidateID {
		return ErrNotOwner
	}
	return nil
}

// Resume returns the attempt as the candidate last saw it. An in-progress
// attempt gets its timers re-armed; one whose deadline passed while nobody
// held it is force-submitted and returned in its terminal state.
func (c *SessionController) Resume(ctx context.Context, attemptID uuid.UUID) (*ResumeState, error) {
	s, err := c.session(ctx, attemptID, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	a := s.attempt
	switch {
	case a.Status.IsTerminal():
		state := &ResumeState{Attempt: a.Clone(), Percentage: a.Percentage()}
		s.mu.Unlock()
		return state, nil

	case a.Status == model.AttemptStatusInProgress && c.remaining(a, s.def) <= 0:
		s.mu.Unlock()
		final, err := c.Submit(ctx, attemptID, true)
		if err != nil {
			return nil, err
		}
		return &ResumeState{Attempt: final, Percentage: final.Percentage()}, nil
	}
	defer s.mu.Unlock()

	remaining := c.remaining(a, s.def)
	return &ResumeState{
		Attempt:          a.Clone(),
		Questions:        append([]model.ShuffledQuestion(nil), s.shuffled...),
		Remaining:        remaining,
		RemainingSeconds: int(remaining / time.Second),
		TimeWarning:      a.Status == model.AttemptStatusInProgress && TimeWarning(remaining),
	}, nil
}

// Start begins the timed phase of a NOT_STARTED attempt.
func (c *SessionController) Start(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	s, err := c.session(ctx, attemptID, false)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.attempt.Status != model.AttemptStatusNotStarted {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	now := c.cfg.Now()
	deadline := now.Add(s.def.TimeLimit())
	if err := c.store.MarkStarted(ctx, attemptID, now, deadline); err != nil {
		s.mu.Unlock()
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("mark started: %w", err)
	}

	next := s.attempt.Clone()
	next.StartedAt = &now
	next.DeadlineAt = &deadline
	next.Status = model.AttemptStatusInProgress
	s.attempt = next

	c.mu.Lock()
	if _, ok := c.live[attemptID]; !ok {
		c.live[attemptID] = s
		c.arm(s)
	}
	c.mu.Unlock()

	started := next.Clone()
	s.mu.Unlock()

	c.log.Info().
		Str("attempt_id", attemptID.String()).
		Time("deadline_at", deadline).
		Msg("Attempt started")
	c.publish(ctx, model.MonitorEventStarted, started)

	return started, nil
}

// RecordAnswer sets or clears the choice for one question. chosen is an
// original option index and must be one of the presented options. The
// change lives in memory until the next checkpoint or submit.
func (c *SessionController) RecordAnswer(ctx context.Context, attemptID uuid.UUID, questionIndex int, chosen *int) error {
	s, err := c.session(ctx, attemptID, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt.Status != model.AttemptStatusInProgress {
		return ErrInvalidTransition
	}
	if questionIndex < 0 || questionIndex >= len(s.attempt.AnswerRecords) {
		return ErrInvalidAnswerIndex
	}
	rec := &s.attempt.AnswerRecords[questionIndex]
	if chosen != nil && !rec.Offers(*chosen) {
		return ErrInvalidAnswerIndex
	}

	if chosen == nil {
		rec.ChosenOriginalIndex = nil
	} else {
		v := *chosen
		rec.ChosenOriginalIndex = &v
	}
	return nil
}

// Submit scores and finalizes an attempt. A manual submit (forced=false)
// requires every question answered. Submitting a finished attempt returns
// the stored result without rescoring.
func (c *SessionController) Submit(ctx context.Context, attemptID uuid.UUID, forced bool) (*model.Attempt, error) {
	return c.submit(ctx, attemptID, forced, nil)
}

// SubmitWithNote is a manual submit that also stores the candidate's note.
func (c *SessionController) SubmitWithNote(ctx context.Context, attemptID uuid.UUID, note json.RawMessage) (*model.Attempt, error) {
	return c.submit(ctx, attemptID, false, note)
}

// ForceSubmit implements worker.Submitter for deadline monitors and the
// expiry sweeper.
func (c *SessionController) ForceSubmit(ctx context.Context, attemptID uuid.UUID) error {
	_, err := c.submit(ctx, attemptID, true, nil)
	return err
}

func (c *SessionController) submit(ctx context.Context, attemptID uuid.UUID, forced bool, note json.RawMessage) (*model.Attempt, error) {
	s, err := c.session(ctx, attemptID, false)
	if err != nil {
		return nil, err
	}

	final, fresh, err := c.finalize(ctx, s, forced, note)
	if err != nil {
		return nil, err
	}

	if fresh {
		kind := model.MonitorEventSubmitted
		if forced {
			kind = model.MonitorEventAutoSubmitted
		}
		c.log.Info().
			Str("attempt_id", attemptID.String()).
			Str("status", string(final.Status)).
			Int("score", final.Score).
			Int("total", final.TotalQuestions).
			Bool("forced", forced).
			Msg("Attempt finalized")
		c.publish(ctx, kind, final)
	}
	return final, nil
}

// finalize runs under s.mu so a manual and a forced submit serialize. fresh
// is true only for the call that performed the terminal transition.
func (c *SessionController) finalize(ctx context.Context, s *liveSession, forced bool, note json.RawMessage) (final *model.Attempt, fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.attempt
	if a.Status.IsTerminal() {
		return a.Clone(), false, nil
	}
	if a.Status != model.AttemptStatusInProgress {
		return nil, false, ErrInvalidTransition
	}

	if !forced {
		missing, first := 0, -1
		for i, r := range a.AnswerRecords {
			if !r.Answered() {
				if first < 0 {
					first = i
				}
				missing++
			}
		}
		if missing > 0 {
			return nil, false, &IncompleteAttemptError{MissingCount: missing, FirstUnanswered: first}
		}
	}

	now := c.cfg.Now()
	timeExpired := forced || c.remaining(a, s.def) <= 0

	next := a.Clone()
	next.Score = engine.Score(next.AnswerRecords, s.questions)
	next.Status = engine.VerdictWithThreshold(next.Score, next.TotalQuestions, timeExpired, c.cfg.PassThresholdPercent)
	next.FinishedAt = &now
	if len(note) > 0 {
		next.FreeformNote = append(json.RawMessage(nil), note...)
	}

	if err := c.store.Finalize(ctx, next); err != nil {
		if !errors.Is(err, repository.ErrAlreadyFinalized) {
			return nil, false, fmt.Errorf("finalize attempt: %w", err)
		}
		// Another process finished it first; its result stands.
		stored, getErr := c.store.GetByID(ctx, a.ID)
		if getErr != nil {
			return nil, false, fmt.Errorf("reload finalized attempt: %w", getErr)
		}
		if !stored.Status.IsTerminal() {
			return nil, false, fmt.Errorf("finalize attempt: %w", err)
		}
		s.attempt = stored
		c.release(s, stored.Clone())
		return stored.Clone(), false, nil
	}

	s.attempt = next
	c.release(s, next.Clone())
	return next.Clone(), true, nil
}

// Exit abandons the live session without submitting. A final checkpoint is
// written, timers stop and the attempt stays IN_PROGRESS for a later Resume.
// The deadline keeps running in wall-clock time.
func (c *SessionController) Exit(ctx context.Context, attemptID uuid.UUID) error {
	c.mu.Lock()
	s, ok := c.live[attemptID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt.Status != model.AttemptStatusInProgress {
		return nil
	}

	// The checkpoint lands before the session leaves the live map so a
	// concurrent Resume reloads these answers and not an older save.
	records := model.CloneAnswerRecords(s.attempt.AnswerRecords)
	err := c.store.UpdateAnswers(ctx, attemptID, records, c.cfg.Now())
	c.release(s, nil)
	if err != nil && !errors.Is(err, repository.ErrCheckpointRejected) {
		c.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Final checkpoint on exit failed")
		return fmt.Errorf("final checkpoint: %w", err)
	}
	return nil
}

// Remaining returns the time left on an attempt, zero once it has ended.
func (c *SessionController) Remaining(ctx context.Context, attemptID uuid.UUID) (time.Duration, error) {
	s, err := c.session(ctx, attemptID, false)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt.Status.IsTerminal() {
		return 0, nil
	}
	return c.remaining(s.attempt, s.def), nil
}

// Watch subscribes to countdown ticks of a live attempt. The channel closes
// after the terminal event or when the session is released. Call the
// returned func to unsubscribe early.
func (c *SessionController) Watch(ctx context.Context, attemptID uuid.UUID) (<-chan SessionEvent, func(), error) {
	s, err := c.session(ctx, attemptID, true)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	status := s.attempt.Status
	s.mu.Unlock()
	if status != model.AttemptStatusInProgress {
		return nil, nil, ErrInvalidTransition
	}

	ch := make(chan SessionEvent, 4)
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.finished {
		close(ch)
		return ch, func() {}, nil
	}
	if s.watchers == nil {
		s.watchers = make(map[chan SessionEvent]struct{})
	}
	s.watchers[ch] = struct{}{}

	unsubscribe := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// LiveCount returns how many attempts this process is timing.
func (c *SessionController) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Shutdown checkpoints and releases every live session. Attempts stay
// IN_PROGRESS and are resumed (or swept) by the next process.
func (c *SessionController) Shutdown(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.live))
	for id := range c.live {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.Exit(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Shutdown checkpoint failed")
		}
	}
	c.stop()
	c.log.Info().Int("sessions", len(ids)).Msg("Live sessions released")
}

func (c *SessionController) publish(ctx context.Context, kind model.MonitorEventType, a *model.Attempt) {
	if c.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := c.publisher.Publish(pubCtx, model.MonitorEvent{
		Type:             kind,
		AttemptID:        a.ID,
		ExamDefinitionID: a.ExamDefinitionID,
		CandidateID:      a.CandidateID,
		Status:           a.Status,
		Score:            a.Score,
		TotalQuestions:   a.TotalQuestions,
		At:               c.cfg.Now(),
	})
	if err != nil {
		c.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Monitor publish failed")
	}
}

// ─── liveSession helpers ─────────────────────────────────────────────

// snapshot feeds the autosave pump.
func (s *liveSession) snapshot() ([]model.AnswerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt.Status != model.AttemptStatusInProgress {
		return nil, false
	}
	return model.CloneAnswerRecords(s.attempt.AnswerRecords), true
}

// broadcast runs on the monitor goroutine; slow watchers miss ticks.
func (s *liveSession) broadcast(remaining time.Duration) {
	ev := SessionEvent{Remaining: remaining, TimeWarning: TimeWarning(remaining)}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *liveSession) closeWatchers(final *model.Attempt) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.finished = true
	for ch := range s.watchers {
		if final != nil {
			select {
			case ch <- SessionEvent{Attempt: final}:
			default:
				// Drop a stale tick so the verdict gets through.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- SessionEvent{Attempt: final}:
				default:
				}
			}
		}
		close(ch)
	}
	s.watchers = nil
}
