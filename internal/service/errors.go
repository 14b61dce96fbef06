package service

import (
	"errors"
	"fmt"

	"github.com/stemsi/exstem-engine/internal/engine"
)

// Session errors.
var (
	ErrNoEligibleQuestions = errors.New("no eligible questions for exam definition")
	ErrMissingCandidate    = errors.New("candidate id is required")
	ErrNotEligible         = errors.New("candidate is not eligible for this exam")
	ErrNotOwner            = errors.New("attempt belongs to another candidate")
	ErrInvalidTransition   = errors.New("invalid attempt state transition")
	ErrInvalidAnswerIndex  = errors.New("invalid question index or answer choice")
	ErrIncompleteAttempt   = errors.New("attempt has unanswered questions")

	// ErrCorruptAttempt is shared with the engine, which detects it while
	// restoring presented options.
	ErrCorruptAttempt = engine.ErrCorruptAttempt
)

// IncompleteAttemptError reports which questions block a manual submit.
// It matches ErrIncompleteAttempt with errors.Is.
type IncompleteAttemptError struct {
	MissingCount    int
	FirstUnanswered int // zero-based question index
}

func (e *IncompleteAttemptError) Error() string {
	return fmt.Sprintf("%s: %d missing, first at question %d", ErrIncompleteAttempt, e.MissingCount, e.FirstUnanswered+1)
}

// Is makes errors.Is(err, ErrIncompleteAttempt) true.
func (e *IncompleteAttemptError) Is(target error) bool {
	return target == ErrIncompleteAttempt
}
