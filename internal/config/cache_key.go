package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session.
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// AttemptStartKey returns the cache key for an attempt's authoritative start
// timestamp (Unix seconds).
func (r *CacheKeyStruct) AttemptStartKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:started_at", attemptID)
}

// AttemptDurationKey returns the cache key for an attempt's allotted duration
// in milliseconds.
func (r *CacheKeyStruct) AttemptDurationKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:duration", attemptID)
}

// AttemptResponsesKey returns the cache key for an attempt's autosaved
// responses hash (question id → response JSON).
func (r *CacheKeyStruct) AttemptResponsesKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:responses", attemptID)
}

// StudentActiveAttemptKey returns the cache key for a student's currently
// active attempt on a test.
func (r *CacheKeyStruct) StudentActiveAttemptKey(testID string, studentID int) string {
	return fmt.Sprintf("student:%d:test:%s:active_attempt", studentID, testID)
}

var CacheKey = NewCacheKeyStruct()
