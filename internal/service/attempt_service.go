package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/model"
	"github.com/testline/testline-backend/internal/repository"
	"github.com/testline/testline-backend/internal/session"
)

// ErrNotOwner marks access to an attempt by a student who does not own it.
var ErrNotOwner = errors.New("attempt belongs to another student")

// AttemptStateView is the full client-facing state of a live attempt:
// everything needed to render the test after a start or reconnect.
type AttemptStateView struct {
	Attempt     *model.AttemptSession      `json:"attempt"`
	RemainingMs int64                      `json:"remaining_ms"`
	Questions   []model.QuestionForStudent `json:"questions"`
}

// ActiveAttemptView points a student at their resumable attempt.
type ActiveAttemptView struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	TestID      uuid.UUID `json:"test_id"`
	RemainingMs int64     `json:"remaining_ms"`
}

// AttemptService sits between HTTP/WS handlers and the attempt engine. It
// owns access checks and client-facing shapes; the engine owns state.
type AttemptService struct {
	controller *session.Controller
	recorder   *repository.AttemptRecorder
	tests      *repository.TestRepository
	questions  *repository.QuestionRepository
	log        zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	controller *session.Controller,
	recorder *repository.AttemptRecorder,
	tests *repository.TestRepository,
	questions *repository.QuestionRepository,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		controller: controller,
		recorder:   recorder,
		tests:      tests,
		questions:  questions,
		log:        log.With().Str("component", "attempt_service").Logger(),
	}
}

// ListTests returns the tests currently open to students.
func (s *AttemptService) ListTests(ctx context.Context) ([]model.Test, error) {
	return s.tests.ListPublished(ctx)
}

// Start begins (or resumes) an attempt and returns the initial state view.
func (s *AttemptService) Start(ctx context.Context, testID uuid.UUID, studentID int) (*AttemptStateView, error) {
	sess, remaining, err := s.controller.Start(ctx, testID, studentID)
	if err != nil {
		return nil, err
	}
	return s.stateView(ctx, sess, remaining.Milliseconds())
}

// State returns the live state of a student's attempt for reconnect
// rendering. The countdown is untouched by this call.
func (s *AttemptService) State(ctx context.Context, attemptID uuid.UUID, studentID int) (*AttemptStateView, error) {
	sess, remaining, err := s.controller.Rejoin(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if sess.StudentID != studentID {
		return nil, ErrNotOwner
	}
	return s.stateView(ctx, sess, remaining.Milliseconds())
}

func (s *AttemptService) stateView(ctx context.Context, sess *model.AttemptSession, remainingMs int64) (*AttemptStateView, error) {
	questions, err := s.questions.ListByTest(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	view := &AttemptStateView{
		Attempt:     sess,
		RemainingMs: remainingMs,
		Questions:   make([]model.QuestionForStudent, 0, len(questions)),
	}
	for i := range questions {
		view.Questions = append(view.Questions, questions[i].ForStudent())
	}
	return view, nil
}

// ActiveAttempt finds the student's resumable attempt on a test, if any.
func (s *AttemptService) ActiveAttempt(ctx context.Context, testID uuid.UUID, studentID int) (*ActiveAttemptView, error) {
	attemptID, ok, err := s.recorder.ActiveAttemptID(ctx, testID, studentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	remaining, err := s.recorder.Remaining(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return &ActiveAttemptView{
		AttemptID:   attemptID,
		TestID:      testID,
		RemainingMs: remaining.Milliseconds(),
	}, nil
}

// Save applies one answer update through the auto-save coordinator. The
// ownership check runs against the live session before the write.
func (s *AttemptService) Save(ctx context.Context, attemptID uuid.UUID, studentID int, questionID uuid.UUID, upd session.ResponseUpdate, notify func(session.CommitResult)) error {
	if err := s.verifyOwner(ctx, attemptID, studentID); err != nil {
		return err
	}
	return s.controller.Save(attemptID, questionID, upd, notify)
}

// Submit finalizes a student's attempt and grades it. Returns the graded
// attempt record. Safe to retry: a retry after a failed checkpoint resumes
// the submission, and one against an attempt whose snapshot landed but whose
// grading never finished drives the grading to the end.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.AttemptSession, error) {
	sess, err := s.controller.Result(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if sess.StudentID != studentID {
		return nil, ErrNotOwner
	}
	switch sess.Status {
	case model.AttemptStatusGrading, model.AttemptStatusCompleted:
		return nil, fmt.Errorf("attempt %s is %s: %w", attemptID, sess.Status, session.ErrAlreadySubmitted)
	}
	if _, err := s.controller.Submit(ctx, attemptID, model.SubmitTypeManual); err != nil {
		if !errors.Is(err, session.ErrAlreadySubmitted) {
			return nil, err
		}
		// Duplicate: either another submit is mid-flight, or a prior one got
		// its snapshot down and then died before grading. Only the latter is
		// safe to finish here.
		cur, rerr := s.controller.Result(ctx, attemptID)
		if rerr != nil || cur.Status != model.AttemptStatusSubmitted || !cur.SubmitPersisted {
			return nil, err
		}
	}
	if _, err := s.controller.Grade(ctx, attemptID); err != nil {
		return nil, err
	}
	return s.controller.Result(ctx, attemptID)
}

// Result returns the graded outcome of a student's attempt. Correct answers
// and explanations are only present once grading has completed, so handing
// the record back whole is safe.
func (s *AttemptService) Result(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.AttemptSession, error) {
	sess, err := s.controller.Result(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if sess.StudentID != studentID {
		return nil, ErrNotOwner
	}
	if sess.Status != model.AttemptStatusCompleted {
		return nil, fmt.Errorf("attempt %s is %s: %w", attemptID, sess.Status, session.ErrValidation)
	}
	return sess, nil
}

// History lists a student's past attempts on a test.
func (s *AttemptService) History(ctx context.Context, testID uuid.UUID, studentID int) ([]model.AttemptSession, error) {
	return s.recorder.ListAttemptsByStudent(ctx, testID, studentID)
}

// verifyOwner checks that the live attempt belongs to the student.
func (s *AttemptService) verifyOwner(ctx context.Context, attemptID uuid.UUID, studentID int) error {
	sess, _, err := s.controller.Rejoin(ctx, attemptID)
	if err != nil {
		return err
	}
	if sess.StudentID != studentID {
		return ErrNotOwner
	}
	return nil
}

// VerifyAttemptAccess confirms a live attempt exists and belongs to the
// student. Used before upgrading the WebSocket stream.
func (s *AttemptService) VerifyAttemptAccess(ctx context.Context, attemptID uuid.UUID, studentID int) error {
	return s.verifyOwner(ctx, attemptID, studentID)
}

// ReviewQueue lists completed attempts waiting for human review.
func (s *AttemptService) ReviewQueue(ctx context.Context, page, perPage int) ([]repository.ReviewQueueItem, int64, error) {
	return s.recorder.ListAttemptsNeedingReview(ctx, page, perPage)
}

// Override applies a reviewer's score corrections to a completed attempt.
func (s *AttemptService) Override(ctx context.Context, attemptID uuid.UUID, adjustments []model.OverrideAdjustment, reviewer string) (*model.Score, error) {
	return s.controller.Override(ctx, attemptID, adjustments, reviewer)
}

// ReviewedAttempt loads a completed attempt with the answer key for the
// reviewer detail view.
func (s *AttemptService) ReviewedAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, []model.Question, error) {
	sess, err := s.controller.Result(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	questions, err := s.questions.ListByTest(ctx, sess.TestID)
	if err != nil {
		return nil, nil, err
	}
	return sess, questions, nil
}
