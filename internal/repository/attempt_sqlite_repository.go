package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

const sqliteDateLayout = "2006-01-02"

// SQLiteAttemptRepository is the embedded AttemptStore used for single-node
// deployments and tests. Timestamps are stored as unix milliseconds.
type SQLiteAttemptRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteAttemptRepository creates a new SQLiteAttemptRepository over a
// database opened with database.OpenSQLite.
func NewSQLiteAttemptRepository(db *sql.DB) *SQLiteAttemptRepository {
	return &SQLiteAttemptRepository{db: db, now: time.Now}
}

var _ AttemptStore = (*SQLiteAttemptRepository)(nil)

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAttempt(row rowScanner) (*model.Attempt, error) {
	a := &model.Attempt{}
	var (
		date                        string
		started, deadline, finished sql.NullInt64
		records                     string
		note                        sql.NullString
		createdAt                   int64
	)
	err := row.Scan(&a.ID, &a.ExamDefinitionID, &a.CandidateID, &date, &started, &deadline,
		&finished, &a.Score, &a.TotalQuestions, &a.Status, &records, &note, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	if a.AttemptDate, err = time.Parse(sqliteDateLayout, date); err != nil {
		return nil, fmt.Errorf("parse attempt_date %q: %w", date, err)
	}
	a.StartedAt = fromMillis(started)
	a.DeadlineAt = fromMillis(deadline)
	a.FinishedAt = fromMillis(finished)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	if a.AnswerRecords, err = decodeRecords([]byte(records)); err != nil {
		return nil, err
	}
	if note.Valid && note.String != "" {
		a.FreeformNote = []byte(note.String)
	}
	return a, nil
}

func sqliteNote(note []byte) sql.NullString {
	if len(note) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(note), Valid: true}
}

// Create inserts a new attempt with a generated id.
func (r *SQLiteAttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	records, err := encodeRecords(a.AnswerRecords)
	if err != nil {
		return err
	}

	id := uuid.New()
	createdAt := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO attempts (id, exam_definition_id, candidate_id, attempt_date, score, total_questions,
		                       status, answer_records, freeform_note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (exam_definition_id, candidate_id, attempt_date) DO NOTHING`,
		id.String(), a.ExamDefinitionID.String(), a.CandidateID, AttemptDate(a.AttemptDate).Format(sqliteDateLayout),
		a.Score, a.TotalQuestions, string(a.Status), string(records), sqliteNote(a.FreeformNote), createdAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrAttemptExists
	}

	a.ID = id
	a.CreatedAt = time.UnixMilli(createdAt.UnixMilli()).UTC()
	return nil
}

// GetByID retrieves an attempt by its UUID.
func (r *SQLiteAttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanSQLiteAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id.String()))
}

// GetByKey retrieves the attempt for an exam-candidate-date combination.
func (r *SQLiteAttemptRepository) GetByKey(ctx context.Context, examDefinitionID uuid.UUID, candidateID string, date time.Time) (*model.Attempt, error) {
	return scanSQLiteAttempt(r.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_definition_id = $1 AND candidate_id = $2 AND attempt_date = $3`,
		examDefinitionID.String(), candidateID, AttemptDate(date).Format(sqliteDateLayout)))
}

// ListByCandidate retrieves a candidate's attempts for one exam, newest first.
func (r *SQLiteAttemptRepository) ListByCandidate(ctx context.Context, examDefinitionID uuid.UUID, candidateID string) ([]model.Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_definition_id = $1 AND candidate_id = $2
		 ORDER BY attempt_date DESC, created_at DESC`,
		examDefinitionID.String(), candidateID)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAttempts(rows)
}

// MarkStarted moves a NOT_STARTED attempt to IN_PROGRESS.
func (r *SQLiteAttemptRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attempts
		 SET status = $2, started_at = $3, deadline_at = $4
		 WHERE id = $1 AND status = $5`,
		id.String(), string(model.AttemptStatusInProgress), startedAt.UnixMilli(), deadlineAt.UnixMilli(),
		string(model.AttemptStatusNotStarted))
	return affectedOr(res, err, ErrStateConflict)
}

// UpdateAnswers stores an autosave checkpoint.
func (r *SQLiteAttemptRepository) UpdateAnswers(ctx context.Context, id uuid.UUID, records []model.AnswerRecord, at time.Time) error {
	raw, err := encodeRecords(records)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE attempts
		 SET answer_records = $2, checkpointed_at = $3
		 WHERE id = $1
		   AND finished_at IS NULL
		   AND (checkpointed_at IS NULL OR checkpointed_at <= $3)`,
		id.String(), string(raw), at.UnixMilli())
	return affectedOr(res, err, ErrCheckpointRejected)
}

// Finalize writes the terminal state with a check-and-set on finished_at.
func (r *SQLiteAttemptRepository) Finalize(ctx context.Context, a *model.Attempt) error {
	if a.FinishedAt == nil {
		return fmt.Errorf("finalize attempt %s: finished_at not set", a.ID)
	}
	raw, err := encodeRecords(a.AnswerRecords)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE attempts
		 SET status = $2, score = $3, finished_at = $4, answer_records = $5,
		     freeform_note = COALESCE($6, freeform_note)
		 WHERE id = $1 AND finished_at IS NULL`,
		a.ID.String(), string(a.Status), a.Score, a.FinishedAt.UnixMilli(), string(raw), sqliteNote(a.FreeformNote))
	return affectedOr(res, err, ErrAlreadyFinalized)
}

// ListExpiredInProgress returns in-progress attempts past their deadline.
func (r *SQLiteAttemptRepository) ListExpiredInProgress(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE status = $1 AND deadline_at <= $2
		 ORDER BY deadline_at
		 LIMIT $3`,
		string(model.AttemptStatusInProgress), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAttempts(rows)
}

func collectSQLiteAttempts(rows *sql.Rows) ([]model.Attempt, error) {
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// affectedOr maps a zero-row write to the given sentinel.
func affectedOr(res sql.Result, err error, sentinel error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
