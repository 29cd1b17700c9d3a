package websocket

import (
	"time"

	"github.com/testline/testline-backend/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionFlag     Action = "flag"
	ActionResync   Action = "resync"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload carries every client action. Fields beyond Action are
// action-specific; unused ones stay empty.
type RequestPayload struct {
	Action Action `json:"action"`

	// Autosave fields.
	QuestionID      string   `json:"question_id,omitempty"`
	SelectedAnswers []string `json:"selected_answers,omitempty"`
	TextAnswer      *string  `json:"text_answer,omitempty"`
	TimeSpentMs     int64    `json:"time_spent_ms,omitempty"`
	Skipped         *bool    `json:"skipped,omitempty"`

	// Flag fields.
	Flagged *bool `json:"flagged,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTimer     Event = "timer"
	EventExpired   Event = "expired"
	EventSaved     Event = "saved"
	EventSubmitted Event = "submitted"
	EventGraded    Event = "graded"
	EventError     Event = "error"
	EventPong      Event = "pong"
)

// TimerResponse is the authoritative remaining-time push. Sent on every
// tick, and immediately on resync.
type TimerResponse struct {
	Event       Event     `json:"event"`
	ServerTime  time.Time `json:"server_time"`
	RemainingMs int64     `json:"remaining_ms"`
}

// ExpiredResponse announces that the countdown hit zero and the attempt was
// force-submitted. Sent exactly once.
type ExpiredResponse struct {
	Event     Event  `json:"event"`
	AttemptID string `json:"attempt_id"`
	Reason    string `json:"reason"`
}

// SavedResponse confirms one durable auto-save commit.
type SavedResponse struct {
	Event      Event     `json:"event"`
	QuestionID string    `json:"question_id"`
	SavedAt    time.Time `json:"saved_at"`
}

// SubmittedResponse confirms the submission snapshot was persisted.
type SubmittedResponse struct {
	Event       Event            `json:"event"`
	SubmitType  model.SubmitType `json:"submit_type"`
	TimeSpentMs int64            `json:"time_spent_ms"`
}

// GradedResponse delivers the final score.
type GradedResponse struct {
	Event Event        `json:"event"`
	Score *model.Score `json:"score"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
