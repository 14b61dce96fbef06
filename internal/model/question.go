package model

import (
	"github.com/google/uuid"
)

// OptionCount is the fixed number of answer options per question.
const OptionCount = 4

// Question represents a single multiple-choice question from the question bank.
// CorrectIndex is 1-based and refers to Options in their stored order.
type Question struct {
	ID           uuid.UUID           `json:"id"`
	TopicID      int                 `json:"topic_id"`
	Prompt       string              `json:"prompt"`
	Options      [OptionCount]string `json:"options"`
	CorrectIndex int                 `json:"correct_index"`
}

// AnswerOption is one option as presented to the candidate, tagged with its
// position in the stored question.
type AnswerOption struct {
	Text          string `json:"text"`
	OriginalIndex int    `json:"original_index"`
}

// ShuffledQuestion is a question with its options in presented order.
// It never carries the correct key, so it is safe to send to candidates.
type ShuffledQuestion struct {
	ID      uuid.UUID                 `json:"id"`
	TopicID int                       `json:"topic_id"`
	Prompt  string                    `json:"prompt"`
	Options [OptionCount]AnswerOption `json:"options"`
}

// PresentedOrder returns the original indexes in presented order.
func (q ShuffledQuestion) PresentedOrder() [OptionCount]int {
	var order [OptionCount]int
	for i, opt := range q.Options {
		order[i] = opt.OriginalIndex
	}
	return order
}

// CreateQuestionRequest is the payload used by the seeding tools.
type CreateQuestionRequest struct {
	TopicID      int      `json:"topic_id" binding:"required,min=1"`
	Prompt       string   `json:"prompt" binding:"required,min=1,max=2000"`
	Options      []string `json:"options" binding:"required,len=4,dive,required"`
	CorrectIndex int      `json:"correct_index" binding:"required,option"`
}
