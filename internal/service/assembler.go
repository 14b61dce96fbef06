package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
)

// Candidate is the identity the engine receives from the identity provider.
type Candidate struct {
	ID   string
	Role string
}

// Catalog is the read side of the question bank used by the engine.
type Catalog interface {
	ExamDefinitionSource
	QuestionSource
}

// SessionAssembler builds a new randomized attempt from an exam definition.
type SessionAssembler struct {
	store    repository.AttemptStore
	catalog  Catalog
	shuffler *engine.Shuffler
	now      func() time.Time
	log      zerolog.Logger
}

// NewSessionAssembler creates a new SessionAssembler. A nil shuffler uses a
// randomly seeded one.
func NewSessionAssembler(store repository.AttemptStore, catalog Catalog, shuffler *engine.Shuffler, log zerolog.Logger) *SessionAssembler {
	if shuffler == nil {
		shuffler = engine.NewShuffler(nil)
	}
	return &SessionAssembler{
		store:    store,
		catalog:  catalog,
		shuffler: shuffler,
		now:      time.Now,
		log:      log.With().Str("component", "session_assembler").Logger(),
	}
}

// Assemble draws questions from pool, shuffles their options and persists a
// NOT_STARTED attempt. No timer is started.
//
// If the candidate already has an attempt for this exam today, that attempt
// is returned unchanged.
func (a *SessionAssembler) Assemble(ctx context.Context, def *model.ExamDefinition, pool []model.Question, candidateID string) (*model.Attempt, error) {
	if candidateID == "" {
		return nil, ErrMissingCandidate
	}
	if def.QuestionCount <= 0 {
		return nil, fmt.Errorf("%w: question count is %d", ErrNoEligibleQuestions, def.QuestionCount)
	}

	eligible := make([]model.Question, 0, len(pool))
	for _, q := range pool {
		if def.HasTopic(q.TopicID) {
			eligible = append(eligible, q)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleQuestions
	}

	drawn := a.shuffler.ShuffleQuestions(eligible, def.QuestionCount)
	if len(drawn) < def.QuestionCount {
		a.log.Warn().
			Str("exam_definition_id", def.ID.String()).
			Int("requested", def.QuestionCount).
			Int("available", len(drawn)).
			Msg("Question pool smaller than requested count, assembling short attempt")
	}

	records := make([]model.AnswerRecord, len(drawn))
	for i, q := range drawn {
		shuffled := a.shuffler.ShuffleAnswers(q)
		records[i] = model.AnswerRecord{
			QuestionID:     q.ID,
			PresentedOrder: shuffled.PresentedOrder(),
		}
	}

	attempt := &model.Attempt{
		ExamDefinitionID: def.ID,
		CandidateID:      candidateID,
		AttemptDate:      repository.AttemptDate(a.now()),
		Score:            0,
		TotalQuestions:   len(records),
		Status:           model.AttemptStatusNotStarted,
		AnswerRecords:    records,
	}

	if err := a.store.Create(ctx, attempt); err != nil {
		if errors.Is(err, repository.ErrAttemptExists) {
			existing, getErr := a.store.GetByKey(ctx, def.ID, candidateID, attempt.AttemptDate)
			if getErr != nil {
				return nil, fmt.Errorf("concurrent assemble detected, but fetch failed: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	a.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("candidate_id", candidateID).
		Int("questions", attempt.TotalQuestions).
		Msg("Attempt assembled")

	return attempt, nil
}

// AssembleFor resolves the definition and its pool from the catalog, checks
// the candidate's role and assembles an attempt.
func (a *SessionAssembler) AssembleFor(ctx context.Context, examDefinitionID uuid.UUID, candidate Candidate) (model.AttemptView, error) {
	if candidate.ID == "" {
		return model.AttemptView{}, ErrMissingCandidate
	}

	def, err := a.catalog.GetByID(ctx, examDefinitionID)
	if err != nil {
		return model.AttemptView{}, fmt.Errorf("get exam definition: %w", err)
	}
	if !def.AllowsRole(candidate.Role) {
		return model.AttemptView{}, ErrNotEligible
	}

	pool, err := a.catalog.ListByTopics(ctx, def.TopicIDs)
	if err != nil {
		return model.AttemptView{}, err
	}

	attempt, err := a.Assemble(ctx, def, pool, candidate.ID)
	if err != nil {
		return model.AttemptView{}, err
	}

	view := model.NewAttemptView(attempt)
	view.ShortDraw = attempt.TotalQuestions < def.QuestionCount
	return view, nil
}

// History lists a candidate's attempts for one exam, newest first, so the
// caller can apply its own retake policy.
func (a *SessionAssembler) History(ctx context.Context, examDefinitionID uuid.UUID, candidateID string) ([]model.AttemptView, error) {
	if candidateID == "" {
		return nil, ErrMissingCandidate
	}

	attempts, err := a.store.ListByCandidate(ctx, examDefinitionID, candidateID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	views := make([]model.AttemptView, len(attempts))
	for i := range attempts {
		views[i] = model.NewAttemptView(&attempts[i])
	}
	return views, nil
}
