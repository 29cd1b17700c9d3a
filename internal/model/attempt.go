package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states. Transitions only move
// forward: in_progress → submitted → grading → completed.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusGrading    AttemptStatus = "grading"
	AttemptStatusCompleted  AttemptStatus = "completed"
)

// SubmitType records who triggered the submission.
type SubmitType string

const (
	SubmitTypeManual SubmitType = "manual"
	SubmitTypeAuto   SubmitType = "auto"
)

// Response is one student's answer to one question within an attempt.
// IsCorrect, PointsEarned and Explanation are blank until a grading pass
// runs and are written exactly once per pass.
type Response struct {
	QuestionID       uuid.UUID `json:"question_id"`
	SelectedAnswers  []string  `json:"selected_answers,omitempty"`
	TextAnswer       string    `json:"text_answer,omitempty"`
	TimeSpentMs      int64     `json:"time_spent_ms"`
	Skipped          bool      `json:"skipped"`
	FlaggedByStudent bool      `json:"flagged_by_student"`
	VisitCount       int       `json:"visit_count"`

	Graded       bool    `json:"graded"`
	IsCorrect    *bool   `json:"is_correct,omitempty"`
	PointsEarned float64 `json:"points_earned"`
	Explanation  string  `json:"explanation,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() Response {
	out := *r
	if r.SelectedAnswers != nil {
		out.SelectedAnswers = append([]string(nil), r.SelectedAnswers...)
	}
	if r.IsCorrect != nil {
		v := *r.IsCorrect
		out.IsCorrect = &v
	}
	return out
}

// ReviewState carries the human-review flag and audit trail for an attempt.
type ReviewState struct {
	NeedsReview bool       `json:"needs_review"`
	Reasons     []string   `json:"reasons,omitempty"`
	IsReviewed  bool       `json:"is_reviewed"`
	Reviewer    string     `json:"reviewer,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
}

// AttemptSession is the live, authoritative state of one in-progress attempt.
// Exactly one instance per attempt id exists in the session store at a time.
// StartedAt and Duration are fixed at creation; remaining time is always
// derived from them, never stored as a counter.
type AttemptSession struct {
	ID            uuid.UUID     `json:"id"`
	TestID        uuid.UUID     `json:"test_id"`
	StudentID     int           `json:"student_id"`
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Status        AttemptStatus `json:"status"`
	SubmitType    SubmitType    `json:"submit_type,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	TimeSpent     time.Duration `json:"time_spent"`

	Responses map[uuid.UUID]*Response `json:"responses"`

	Score  *Score      `json:"score,omitempty"`
	Review ReviewState `json:"review"`

	// SubmitPersisted is set once the submission snapshot has reached the
	// record store. Until then a repeated submit resumes the checkpoint
	// rather than bouncing off the status. Engine-internal, never serialized.
	SubmitPersisted bool `json:"-"`
}

// Deadline is the fixed instant at which the attempt expires.
func (s *AttemptSession) Deadline() time.Time {
	return s.StartedAt.Add(s.Duration)
}

// Remaining derives the authoritative remaining time at the given instant.
// Never negative.
func (s *AttemptSession) Remaining(now time.Time) time.Duration {
	rem := s.Deadline().Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// Response returns the response for a question, creating it on first touch.
func (s *AttemptSession) Response(questionID uuid.UUID) *Response {
	if s.Responses == nil {
		s.Responses = make(map[uuid.UUID]*Response)
	}
	r, ok := s.Responses[questionID]
	if !ok {
		r = &Response{QuestionID: questionID}
		s.Responses[questionID] = r
	}
	return r
}

// Clone returns a deep copy of the session.
func (s *AttemptSession) Clone() *AttemptSession {
	out := *s
	out.Responses = make(map[uuid.UUID]*Response, len(s.Responses))
	for id, r := range s.Responses {
		c := r.Clone()
		out.Responses[id] = &c
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.Score != nil {
		sc := *s.Score
		out.Score = &sc
	}
	out.Review.Reasons = append([]string(nil), s.Review.Reasons...)
	return &out
}

// BreakdownEntry is a per-group slice of an attempt score.
type BreakdownEntry struct {
	Correct    int     `json:"correct"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Score is the aggregate result of one grading pass over an attempt.
type Score struct {
	TotalEarned    float64 `json:"total_earned"`
	TotalMax       float64 `json:"total_max"`
	Percentage     float64 `json:"percentage"`
	Grade          string  `json:"grade"`
	IsPassed       bool    `json:"is_passed"`
	CorrectCount   int     `json:"correct_count"`
	IncorrectCount int     `json:"incorrect_count"`
	SkippedCount   int     `json:"skipped_count"`
	FlaggedCount   int     `json:"flagged_count"`

	ByDifficulty map[string]BreakdownEntry `json:"by_difficulty,omitempty"`
	ByTopic      map[string]BreakdownEntry `json:"by_topic,omitempty"`

	NeedsReview   bool     `json:"needs_review"`
	ReviewReasons []string `json:"review_reasons,omitempty"`
	GraderVersion string   `json:"grader_version"`
}

// ─── Request payloads ───────────────────────────────────────────────

// StartAttemptRequest is the payload for starting or rejoining an attempt.
type StartAttemptRequest struct {
	AttemptID *uuid.UUID `json:"attempt_id" binding:"omitempty"`
}

// SubmitAttemptRequest is the payload for a manual submit.
type SubmitAttemptRequest struct {
	TotalTimeSpentMs int64 `json:"total_time_spent_ms" binding:"omitempty,min=0"`
}

// OverrideAdjustment is one per-question score correction by a reviewer.
type OverrideAdjustment struct {
	QuestionID   uuid.UUID `json:"question_id" binding:"required"`
	PointsEarned float64   `json:"points_earned" binding:"min=0"`
	IsCorrect    *bool     `json:"is_correct" binding:"omitempty"`
	Note         string    `json:"note" binding:"omitempty,max=500"`
}

// OverrideRequest is the payload for a manual review override.
type OverrideRequest struct {
	Adjustments []OverrideAdjustment `json:"adjustments" binding:"required,min=1,dive"`
}
