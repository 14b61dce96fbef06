package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorEventType enumerates lifecycle events published for live monitoring.
type MonitorEventType string

const (
	MonitorEventStarted       MonitorEventType = "attempt_started"
	MonitorEventSubmitted     MonitorEventType = "attempt_submitted"
	MonitorEventAutoSubmitted MonitorEventType = "attempt_auto_submitted"
)

// MonitorEvent is the JSON payload pushed on an exam's monitor channel.
type MonitorEvent struct {
	Type             MonitorEventType `json:"type"`
	AttemptID        uuid.UUID        `json:"attempt_id"`
	ExamDefinitionID uuid.UUID        `json:"exam_definition_id"`
	CandidateID      string           `json:"candidate_id"`
	Status           AttemptStatus    `json:"status"`
	Score            int              `json:"score"`
	TotalQuestions   int              `json:"total_questions"`
	At               time.Time        `json:"at"`
}
