package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore fails MarkStarted and Finalize on demand and reports whether
// the live session was still registered when a checkpoint was written.
type flakyStore struct {
	*repository.SQLiteAttemptRepository

	mu            sync.Mutex
	failStart     bool
	failFinalizes int
	finalizeCalls int
	onUpdate      func()
}

func (f *flakyStore) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error {
	f.mu.Lock()
	fail := f.failStart
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.SQLiteAttemptRepository.MarkStarted(ctx, id, startedAt, deadlineAt)
}

func (f *flakyStore) Finalize(ctx context.Context, a *model.Attempt) error {
	f.mu.Lock()
	f.finalizeCalls++
	fail := f.failFinalizes > 0
	if fail {
		f.failFinalizes--
	}
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.SQLiteAttemptRepository.Finalize(ctx, a)
}

func (f *flakyStore) UpdateAnswers(ctx context.Context, id uuid.UUID, records []model.AnswerRecord, at time.Time) error {
	err := f.SQLiteAttemptRepository.UpdateAnswers(ctx, id, records, at)
	f.mu.Lock()
	hook := f.onUpdate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *flakyStore) set(fn func(f *flakyStore)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeCalls
}

func (h *harness) flakyController(tick time.Duration) (*SessionController, *flakyStore) {
	store := &flakyStore{SQLiteAttemptRepository: h.store}
	c := NewSessionController(store, h.catalog, storeCheckpointer{store}, h.publisher, ControllerConfig{
		AutosaveInterval: time.Hour,
		DeadlineTick:     tick,
		SubmitBackoff:    5 * time.Millisecond,
		Now:              h.clock.Now,
	}, zerolog.Nop())
	h.t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c, store
}

func answeredCount(a *model.Attempt) int {
	n := 0
	for _, r := range a.AnswerRecords {
		if r.Answered() {
			n++
		}
	}
	return n
}

func TestSessionController_StartStoreFailureLeavesAttemptUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, store := h.flakyController(time.Hour)
	a := h.assemble("cand-1")

	store.set(func(f *flakyStore) { f.failStart = true })
	if _, err := c.Start(ctx, a.ID); !errors.Is(err, errStoreDown) {
		t.Fatalf("Start err = %v, want store error", err)
	}
	if c.LiveCount() != 0 {
		t.Fatalf("live sessions = %d after failed start", c.LiveCount())
	}
	stored, _ := h.store.GetByID(ctx, a.ID)
	if stored.Status != model.AttemptStatusNotStarted || stored.StartedAt != nil {
		t.Fatalf("stored status = %s, started_at = %v", stored.Status, stored.StartedAt)
	}
	state, err := c.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusNotStarted {
		t.Fatalf("resumed status = %s, want NOT_STARTED", state.Attempt.Status)
	}
	if h.publisher.count(model.MonitorEventStarted) != 0 {
		t.Fatal("started event published for a failed start")
	}

	store.set(func(f *flakyStore) { f.failStart = false })
	started, err := c.Start(ctx, a.ID)
	if err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if started.Status != model.AttemptStatusInProgress || c.LiveCount() != 1 {
		t.Fatalf("retry: status = %s, live = %d", started.Status, c.LiveCount())
	}
}

func TestSessionController_SubmitStoreFailureKeepsAnswers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, store := h.flakyController(time.Hour)
	a := h.assemble("cand-1")

	if _, err := c.Start(ctx, a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.answerAll(c, a, a.TotalQuestions)

	store.set(func(f *flakyStore) { f.failFinalizes = 1 })
	if _, err := c.Submit(ctx, a.ID, false); !errors.Is(err, errStoreDown) {
		t.Fatalf("Submit err = %v, want store error", err)
	}
	if c.LiveCount() != 1 {
		t.Fatalf("live sessions = %d after failed submit", c.LiveCount())
	}
	state, err := c.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", state.Attempt.Status)
	}
	if n := answeredCount(state.Attempt); n != a.TotalQuestions {
		t.Fatalf("answered = %d, want %d", n, a.TotalQuestions)
	}
	stored, _ := h.store.GetByID(ctx, a.ID)
	if stored.Status != model.AttemptStatusInProgress || stored.FinishedAt != nil {
		t.Fatalf("stored status = %s after failed submit", stored.Status)
	}

	final, err := c.Submit(ctx, a.ID, false)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if final.Status != model.AttemptStatusPassed || final.Score != a.TotalQuestions {
		t.Fatalf("retry: status = %s, score = %d", final.Status, final.Score)
	}
	if h.publisher.count(model.MonitorEventSubmitted) != 1 {
		t.Fatalf("submitted events = %d, want 1", h.publisher.count(model.MonitorEventSubmitted))
	}
}

func TestSessionController_ForcedSubmitRetriesUntilStoreRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, store := h.flakyController(5 * time.Millisecond)
	a := h.assemble("cand-1")

	if _, err := c.Start(ctx, a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.answerAll(c, a, a.TotalQuestions)

	const failures = 3
	store.set(func(f *flakyStore) { f.failFinalizes = failures })
	h.clock.Advance(31 * time.Minute)

	timeout := time.After(3 * time.Second)
	for {
		stored, err := h.store.GetByID(ctx, a.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if stored.Status.IsTerminal() {
			if stored.Status != model.AttemptStatusFailed {
				t.Fatalf("status = %s, want FAILED", stored.Status)
			}
			break
		}
		select {
		case <-timeout:
			t.Fatalf("attempt still %s after %d finalize calls", stored.Status, store.calls())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if n := store.calls(); n != failures+1 {
		t.Fatalf("finalize calls = %d, want %d", n, failures+1)
	}
	if h.publisher.count(model.MonitorEventAutoSubmitted) != 1 {
		t.Fatalf("auto-submitted events = %d, want 1", h.publisher.count(model.MonitorEventAutoSubmitted))
	}
}

func TestSessionController_ExitCheckpointsBeforeRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c, store := h.flakyController(time.Hour)
	a := h.assemble("cand-1")

	if _, err := c.Start(ctx, a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.answerAll(c, a, 2)

	liveAtWrite := -1
	store.set(func(f *flakyStore) {
		f.onUpdate = func() { liveAtWrite = c.LiveCount() }
	})
	if err := c.Exit(ctx, a.ID); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	store.set(func(f *flakyStore) { f.onUpdate = nil })
	if liveAtWrite != 1 {
		t.Fatalf("live sessions during exit checkpoint = %d, want 1", liveAtWrite)
	}
	if c.LiveCount() != 0 {
		t.Fatal("Exit left a live session")
	}

	stored, _ := h.store.GetByID(ctx, a.ID)
	if n := answeredCount(stored); n != a.TotalQuestions {
		t.Fatalf("stored answers = %d, want %d", n, a.TotalQuestions)
	}
	state, err := c.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for i, r := range state.Attempt.AnswerRecords {
		want := stored.AnswerRecords[i].ChosenOriginalIndex
		if r.ChosenOriginalIndex == nil || *r.ChosenOriginalIndex != *want {
			t.Fatalf("answer %d = %v after resume, want %d", i, r.ChosenOriginalIndex, *want)
		}
	}
}
