package service

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

type memCatalog struct {
	defs      map[uuid.UUID]*model.ExamDefinition
	questions []model.Question
}

func (m *memCatalog) GetByID(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	d, ok := m.defs[id]
	if !ok {
		return nil, repository.ErrExamDefinitionNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memCatalog) List(_ context.Context) ([]model.ExamDefinition, error) {
	out := make([]model.ExamDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, *d)
	}
	return out, nil
}

func (m *memCatalog) ListByTopics(_ context.Context, topicIDs []int) ([]model.Question, error) {
	var out []model.Question
	for _, q := range m.questions {
		for _, t := range topicIDs {
			if q.TopicID == t {
				out = append(out, q)
				break
			}
		}
	}
	return out, nil
}

func (m *memCatalog) correct(id uuid.UUID) int {
	for _, q := range m.questions {
		if q.ID == id {
			return q.CorrectIndex
		}
	}
	return 0
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.MonitorEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.MonitorEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(kind model.MonitorEventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

type storeCheckpointer struct {
	store repository.AttemptStore
}

func (s storeCheckpointer) Checkpoint(ctx context.Context, id uuid.UUID, records []model.AnswerRecord, at time.Time) error {
	return s.store.UpdateAnswers(ctx, id, records, at)
}

type harness struct {
	t         *testing.T
	store     *repository.SQLiteAttemptRepository
	catalog   *memCatalog
	clock     *testClock
	publisher *recordingPublisher
	assembler *SessionAssembler
	def       *model.ExamDefinition
}

// newHarness builds a store and catalog with 6 topic-1 questions, 2 topic-9
// questions and a 5-question, 30-minute definition over topic 1.
func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.OpenSQLite(context.Background(), "file::memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var questions []model.Question
	for i := 0; i < 8; i++ {
		topic := 1
		if i >= 6 {
			topic = 9
		}
		questions = append(questions, model.Question{
			ID:           uuid.New(),
			TopicID:      topic,
			Prompt:       "question",
			Options:      [4]string{"a", "b", "c", "d"},
			CorrectIndex: i%4 + 1,
		})
	}

	def := &model.ExamDefinition{
		ID:               uuid.New(),
		Title:            "Safety induction",
		TopicIDs:         []int{1},
		QuestionCount:    5,
		TimeLimitMinutes: 30,
	}

	h := &harness{
		t:         t,
		store:     repository.NewSQLiteAttemptRepository(db),
		catalog:   &memCatalog{defs: map[uuid.UUID]*model.ExamDefinition{def.ID: def}, questions: questions},
		clock:     &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
		def:       def,
	}
	h.assembler = NewSessionAssembler(h.store, h.catalog, engine.NewShuffler(rand.NewPCG(7, 11)), zerolog.Nop())
	h.assembler.now = h.clock.Now
	return h
}

// controller returns a fresh controller over the shared store, as if the
// process had restarted.
func (h *harness) controller(tick time.Duration) *SessionController {
	c := NewSessionController(h.store, h.catalog, storeCheckpointer{h.store}, h.publisher, ControllerConfig{
		AutosaveInterval: time.Hour,
		DeadlineTick:     tick,
		SubmitBackoff:    5 * time.Millisecond,
		Now:              h.clock.Now,
	}, zerolog.Nop())
	h.t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func (h *harness) assemble(candidateID string) *model.Attempt {
	h.t.Helper()
	pool, _ := h.catalog.ListByTopics(context.Background(), h.def.TopicIDs)
	a, err := h.assembler.Assemble(context.Background(), h.def, pool, candidateID)
	if err != nil {
		h.t.Fatalf("Assemble: %v", err)
	}
	return a
}

// answerAll answers every question, correctly for the first `correct` ones.
func (h *harness) answerAll(c *SessionController, a *model.Attempt, correct int) {
	h.t.Helper()
	for i, r := range a.AnswerRecords {
		choice := h.catalog.correct(r.QuestionID)
		if i >= correct {
			choice = choice%4 + 1
		}
		if err := c.RecordAnswer(context.Background(), a.ID, i, &choice); err != nil {
			h.t.Fatalf("RecordAnswer(%d): %v", i, err)
		}
	}
}
