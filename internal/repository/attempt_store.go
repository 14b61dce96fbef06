package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Store errors.
var (
	ErrAttemptNotFound    = errors.New("attempt not found")
	ErrAttemptExists      = errors.New("attempt already exists for this candidate, exam and date")
	ErrStateConflict      = errors.New("attempt state changed concurrently")
	ErrAlreadyFinalized   = errors.New("attempt already finalized")
	ErrCheckpointRejected = errors.New("checkpoint rejected: attempt finished or newer checkpoint stored")
)

// AttemptStore persists attempts. Implementations guard every write on the
// current lifecycle state so that concurrent writers cannot undo a terminal
// transition.
type AttemptStore interface {
	// Create inserts a NOT_STARTED attempt and fills ID and CreatedAt.
	// Returns ErrAttemptExists when the (exam, candidate, date) key is taken.
	Create(ctx context.Context, a *model.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByKey(ctx context.Context, examDefinitionID uuid.UUID, candidateID string, date time.Time) (*model.Attempt, error)
	ListByCandidate(ctx context.Context, examDefinitionID uuid.UUID, candidateID string) ([]model.Attempt, error)
	// MarkStarted moves NOT_STARTED to IN_PROGRESS. ErrStateConflict otherwise.
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt, deadlineAt time.Time) error
	// UpdateAnswers stores a checkpoint unless the attempt is finished or a
	// newer checkpoint is already stored (ErrCheckpointRejected).
	UpdateAnswers(ctx context.Context, id uuid.UUID, records []model.AnswerRecord, at time.Time) error
	// Finalize writes the terminal state only if finished_at is still NULL.
	// Returns ErrAlreadyFinalized when another writer got there first.
	Finalize(ctx context.Context, a *model.Attempt) error
	// ListExpiredInProgress returns IN_PROGRESS attempts whose deadline passed.
	ListExpiredInProgress(ctx context.Context, now time.Time, limit int) ([]model.Attempt, error)
}

// AttemptDate normalizes a timestamp to the calendar day used in the store key.
func AttemptDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func encodeRecords(records []model.AnswerRecord) ([]byte, error) {
	if records == nil {
		records = []model.AnswerRecord{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal answer records: %w", err)
	}
	return b, nil
}

func decodeRecords(raw []byte) ([]model.AnswerRecord, error) {
	var records []model.AnswerRecord
	if len(raw) == 0 {
		return []model.AnswerRecord{}, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("unmarshal answer records: %w", err)
	}
	return records, nil
}

// nullableNote maps an empty note to SQL NULL.
func nullableNote(note json.RawMessage) any {
	if len(note) == 0 {
		return nil
	}
	return []byte(note)
}
