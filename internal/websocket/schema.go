package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestPayload is the union of all client actions. Fields not used by an
// action are ignored.
type RequestPayload struct {
	Action Action `json:"action"`

	// answer
	Index  *int `json:"index,omitempty"`
	Chosen *int `json:"chosen_original_index,omitempty"`

	// submit
	Note json.RawMessage `json:"note,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick   Event = "tick"
	EventSaved  Event = "saved"
	EventGraded Event = "graded"
	EventError  Event = "error"
	EventPong   Event = "pong"
)

// TickResponse is pushed once per deadline tick while the attempt runs.
type TickResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
	TimeWarning      bool  `json:"time_warning"`
}

type SavedResponse struct {
	Event Event `json:"event"`
	Index int   `json:"index"`
}

// GradedResponse is the final event of a stream.
type GradedResponse struct {
	Event          Event   `json:"event"`
	Status         string  `json:"status"`
	Score          int     `json:"score"`
	TotalQuestions int     `json:"total_questions"`
	Percentage     float64 `json:"percentage"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
