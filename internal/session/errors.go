package session

import (
	"errors"
	"fmt"
)

// Error taxonomy for the attempt engine. Callers branch with errors.Is;
// the HTTP/WS layer maps these onto response codes.
var (
	// ErrValidation marks malformed input rejected before touching state.
	ErrValidation = errors.New("invalid input")
	// ErrSessionNotFound marks an unknown or evicted attempt id.
	ErrSessionNotFound = errors.New("attempt session not found")
	// ErrSessionClosed marks an operation against a non-in-progress attempt.
	ErrSessionClosed = errors.New("attempt session is closed")
	// ErrAlreadySubmitted is the duplicate-submit variant of ErrSessionClosed.
	ErrAlreadySubmitted = fmt.Errorf("%w: already submitted", ErrSessionClosed)
	// ErrPersistence marks an exhausted durable-write retry loop. Never
	// swallowed: the student must be told their submission did not complete.
	ErrPersistence = errors.New("durable checkpoint failed")
	// ErrGrading marks a grading pass that could not fully score an attempt.
	// Contained per question; the attempt still reaches completed.
	ErrGrading = errors.New("grading failed")
)
