package engine

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/model"
)

// DefaultPassThresholdPercent is the inclusive pass mark.
const DefaultPassThresholdPercent = 85

// Score counts records whose choice matches the question's correct index.
// Records whose question is missing from questions score nothing.
func Score(records []model.AnswerRecord, questions map[uuid.UUID]model.Question) int {
	score := 0
	for _, r := range records {
		if r.ChosenOriginalIndex == nil {
			continue
		}
		q, ok := questions[r.QuestionID]
		if !ok {
			continue
		}
		if *r.ChosenOriginalIndex == q.CorrectIndex {
			score++
		}
	}
	return score
}

// Verdict classifies an attempt using the default pass mark.
func Verdict(score, total int, timeExpired bool) model.AttemptStatus {
	return VerdictWithThreshold(score, total, timeExpired, DefaultPassThresholdPercent)
}

// VerdictWithThreshold classifies an attempt. An expired attempt always
// fails, whatever the score. total <= 0 fails instead of dividing by zero.
// The comparison is done in integers so 17/20 at 85% is exactly a pass.
func VerdictWithThreshold(score, total int, timeExpired bool, thresholdPercent int) model.AttemptStatus {
	if timeExpired || total <= 0 {
		return model.AttemptStatusFailed
	}
	if score*100 >= thresholdPercent*total {
		return model.AttemptStatusPassed
	}
	return model.AttemptStatusFailed
}

// QuestionIndex builds the lookup used by Score.
func QuestionIndex(questions []model.Question) map[uuid.UUID]model.Question {
	idx := make(map[uuid.UUID]model.Question, len(questions))
	for _, q := range questions {
		idx[q.ID] = q
	}
	return idx
}

// Percentage returns score as a percentage of total, 0 when total <= 0.
func Percentage(score, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(score) * 100 / float64(total)
}
