package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusPassed     AttemptStatus = "PASSED"
	AttemptStatusFailed     AttemptStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusPassed || s == AttemptStatusFailed
}

// AnswerRecord stores what one question looked like to the candidate and
// what they picked. ChosenOriginalIndex is nil while unanswered.
type AnswerRecord struct {
	QuestionID          uuid.UUID        `json:"question_id"`
	PresentedOrder      [OptionCount]int `json:"presented_order"`
	ChosenOriginalIndex *int             `json:"chosen_original_index"`
}

// Answered reports whether a choice has been made.
func (r AnswerRecord) Answered() bool {
	return r.ChosenOriginalIndex != nil
}

// Offers reports whether originalIndex is one of the presented options.
func (r AnswerRecord) Offers(originalIndex int) bool {
	for _, v := range r.PresentedOrder {
		if v == originalIndex {
			return true
		}
	}
	return false
}

// Attempt is one candidate's instance of an exam definition.
type Attempt struct {
	ID               uuid.UUID       `json:"id"`
	ExamDefinitionID uuid.UUID       `json:"exam_definition_id"`
	CandidateID      string          `json:"candidate_id"`
	AttemptDate      time.Time       `json:"attempt_date"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	DeadlineAt       *time.Time      `json:"deadline_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	Score            int             `json:"score"`
	TotalQuestions   int             `json:"total_questions"`
	Status           AttemptStatus   `json:"status"`
	AnswerRecords    []AnswerRecord  `json:"answer_records"`
	FreeformNote     json.RawMessage `json:"freeform_note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Percentage returns the score as a percentage of total questions.
func (a *Attempt) Percentage() float64 {
	if a.TotalQuestions <= 0 {
		return 0
	}
	return float64(a.Score) * 100 / float64(a.TotalQuestions)
}

// AnsweredCount returns how many records carry a choice.
func (a *Attempt) AnsweredCount() int {
	n := 0
	for _, r := range a.AnswerRecords {
		if r.Answered() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without sharing state.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	c.StartedAt = cloneTime(a.StartedAt)
	c.DeadlineAt = cloneTime(a.DeadlineAt)
	c.FinishedAt = cloneTime(a.FinishedAt)
	c.AnswerRecords = CloneAnswerRecords(a.AnswerRecords)
	if a.FreeformNote != nil {
		c.FreeformNote = append(json.RawMessage(nil), a.FreeformNote...)
	}
	return &c
}

// CloneAnswerRecords deep-copies records including chosen indexes.
func CloneAnswerRecords(records []AnswerRecord) []AnswerRecord {
	if records == nil {
		return nil
	}
	out := make([]AnswerRecord, len(records))
	for i, r := range records {
		out[i] = r
		if r.ChosenOriginalIndex != nil {
			v := *r.ChosenOriginalIndex
			out[i].ChosenOriginalIndex = &v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AttemptView is the candidate-facing attempt summary.
type AttemptView struct {
	*Attempt
	Percentage float64 `json:"percentage"`
	ShortDraw  bool    `json:"short_draw,omitempty"`
}

// NewAttemptView wraps an attempt with its derived fields.
func NewAttemptView(a *Attempt) AttemptView {
	return AttemptView{Attempt: a, Percentage: a.Percentage()}
}

// RecordAnswerRequest is the payload for answering one question.
// A null choice clears the answer.
type RecordAnswerRequest struct {
	ChosenOriginalIndex *int `json:"chosen_original_index" binding:"omitempty,option"`
}

// SubmitAttemptRequest is the payload for a candidate submission.
type SubmitAttemptRequest struct {
	Note json.RawMessage `json:"note" binding:"omitempty"`
}

// AnswerURI carries the path parameters of the answer route.
type AnswerURI struct {
	AttemptID string `uri:"attempt_id" binding:"required,uuid"`
	Index     int    `uri:"index" binding:"min=0"`
}
