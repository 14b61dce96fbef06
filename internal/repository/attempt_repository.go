package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-engine/internal/model"
)

const attemptColumns = `id, exam_definition_id, candidate_id, attempt_date, started_at, deadline_at,
	finished_at, score, total_questions, status, answer_records, freeform_note, created_at`

// AttemptRepository is the PostgreSQL AttemptStore.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

var _ AttemptStore = (*AttemptRepository)(nil)

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	var records, note []byte
	err := row.Scan(&a.ID, &a.ExamDefinitionID, &a.CandidateID, &a.AttemptDate, &a.StartedAt, &a.DeadlineAt,
		&a.FinishedAt, &a.Score, &a.TotalQuestions, &a.Status, &records, &note, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	if a.AnswerRecords, err = decodeRecords(records); err != nil {
		return nil, err
	}
	if len(note) > 0 {
		a.FreeformNote = note
	}
	return a, nil
}

// Create inserts a new attempt. ON CONFLICT keeps the first attempt of the day.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	records, err := encodeRecords(a.AnswerRecords)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_definition_id, candidate_id, attempt_date, score, total_questions,
		                       status, answer_records, freeform_note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (exam_definition_id, candidate_id, attempt_date) DO NOTHING
		 RETURNING id, created_at`,
		a.ExamDefinitionID, a.CandidateID, AttemptDate(a.AttemptDate), a.Score, a.TotalQuestions,
		a.Status, records, nullableNote(a.FreeformNote),
	).Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAttemptExists
	}
	return err
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetByKey retrieves the attempt for an exam-candidate-date combination.
func (r *AttemptRepository) GetByKey(ctx context.Context, examDefinitionID uuid.UUID, candidateID string, date time.Time) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_definition_id = $1 AND candidate_id = $2 AND attempt_date = $3`,
		examDefinitionID, candidateID, AttemptDate(date)))
}

// ListByCandidate retrieves a candidate's attempts for one exam, newest first.
func (r *AttemptRepository) ListByCandidate(ctx context.Context, examDefinitionID uuid.UUID, candidateID string) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_definition_id = $1 AND candidate_id = $2
		 ORDER BY attempt_date DESC, created_at DESC`,
		examDefinitionID, candidateID)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

// MarkStarted moves a NOT_STARTED attempt to IN_PROGRESS.
func (r *AttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, started_at = $3, deadline_at = $4
		 WHERE id = $1 AND status = $5`,
		id, model.AttemptStatusInProgress, startedAt, deadlineAt, model.AttemptStatusNotStarted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// UpdateAnswers stores an autosave checkpoint.
func (r *AttemptRepository) UpdateAnswers(ctx context.Context, id uuid.UUID, records []model.AnswerRecord, at time.Time) error {
	raw, err := encodeRecords(records)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET answer_records = $2, checkpointed_at = $3
		 WHERE id = $1
		   AND finished_at IS NULL
		   AND (checkpointed_at IS NULL OR checkpointed_at <= $3)`,
		id, raw, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCheckpointRejected
	}
	return nil
}

// Finalize writes the terminal state with a check-and-set on finished_at.
func (r *AttemptRepository) Finalize(ctx context.Context, a *model.Attempt) error {
	if a.FinishedAt == nil {
		return fmt.Errorf("finalize attempt %s: finished_at not set", a.ID)
	}
	raw, err := encodeRecords(a.AnswerRecords)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $2, score = $3, finished_at = $4, answer_records = $5,
		     freeform_note = COALESCE($6, freeform_note)
		 WHERE id = $1 AND finished_at IS NULL`,
		a.ID, a.Status, a.Score, *a.FinishedAt, raw, nullableNote(a.FreeformNote))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyFinalized
	}
	return nil
}

// ListExpiredInProgress returns in-progress attempts past their deadline.
func (r *AttemptRepository) ListExpiredInProgress(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE status = $1 AND deadline_at <= $2
		 ORDER BY deadline_at
		 LIMIT $3`,
		model.AttemptStatusInProgress, now, limit)
	if err != nil {
		return nil, err
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]model.Attempt, error) {
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
