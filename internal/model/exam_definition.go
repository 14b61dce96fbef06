package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamDefinition configures a test: which topics feed it, how many questions
// are drawn and how long a candidate has.
type ExamDefinition struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	TopicIDs         []int     `json:"topic_ids"`
	QuestionCount    int       `json:"question_count"`
	TimeLimitMinutes int       `json:"time_limit_minutes"`
	EligibleRole     *string   `json:"eligible_role,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TimeLimit returns the configured limit as a duration.
func (d *ExamDefinition) TimeLimit() time.Duration {
	return time.Duration(d.TimeLimitMinutes) * time.Minute
}

// HasTopic reports whether questions of the given topic are eligible.
func (d *ExamDefinition) HasTopic(topicID int) bool {
	for _, id := range d.TopicIDs {
		if id == topicID {
			return true
		}
	}
	return false
}

// AllowsRole reports whether a candidate with the given role may sit the exam.
func (d *ExamDefinition) AllowsRole(role string) bool {
	return d.EligibleRole == nil || *d.EligibleRole == "" || *d.EligibleRole == role
}

// CreateExamDefinitionRequest is the payload used by the seeding tools.
type CreateExamDefinitionRequest struct {
	Title            string  `json:"title" binding:"required,min=3,max=255"`
	TopicIDs         []int   `json:"topic_ids" binding:"required,min=1,dive,min=1"`
	QuestionCount    int     `json:"question_count" binding:"required,min=1"`
	TimeLimitMinutes int     `json:"time_limit_minutes" binding:"required,min=1,max=480"`
	EligibleRole     *string `json:"eligible_role" binding:"omitempty,max=64"`
}
