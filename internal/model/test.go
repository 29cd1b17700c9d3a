package model

import (
	"time"

	"github.com/google/uuid"
)

// TestStatus enumerates the possible states of a test definition.
type TestStatus string

const (
	TestStatusDraft     TestStatus = "DRAFT"
	TestStatusPublished TestStatus = "PUBLISHED"
	TestStatusArchived  TestStatus = "ARCHIVED"
)

// Test represents a test definition. The attempt engine only reads it.
type Test struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	PassingPercent  float64    `json:"passing_percent"`
	MaxAttempts     int        `json:"max_attempts"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	QuestionCount   int        `json:"question_count"`
	Status          TestStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AvailableAt reports whether the test can be attempted at the given time.
func (t *Test) AvailableAt(now time.Time) bool {
	if t.Status != TestStatusPublished {
		return false
	}
	if t.ScheduledStart != nil && now.Before(*t.ScheduledStart) {
		return false
	}
	if t.ScheduledEnd != nil && now.After(*t.ScheduledEnd) {
		return false
	}
	return true
}
