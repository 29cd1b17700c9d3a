package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/grading"
	"github.com/testline/testline-backend/internal/model"
)

// QuestionProvider supplies question definitions. Owned externally.
type QuestionProvider interface {
	ListByTest(ctx context.Context, testID uuid.UUID) ([]model.Question, error)
}

// TestProvider supplies test definitions. Owned externally.
type TestProvider interface {
	GetByID(ctx context.Context, testID uuid.UUID) (*model.Test, error)
}

// Recorder is the durable record store for whole attempts. Upsert-only by
// attempt id from the engine's perspective.
type Recorder interface {
	CreateAttempt(ctx context.Context, sess *model.AttemptSession) error
	SaveAttempt(ctx context.Context, sess *model.AttemptSession) error
	LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, error)
	CountAttempts(ctx context.Context, testID uuid.UUID, studentID int) (int, error)
}

// Controller drives the attempt state machine:
// in_progress → submitted → grading → completed, forward only.
type Controller struct {
	store     *Store
	timer     *Authority
	saves     *Coordinator
	engine    *grading.Engine
	recorder  Recorder
	questions QuestionProvider
	tests     TestProvider
	clock     Clock
	retries   int
	backoff   time.Duration
	log       zerolog.Logger

	// submitMu guards submitting: at most one caller drives the submission
	// checkpoint of an attempt at a time; concurrent duplicates collapse
	// into ErrAlreadySubmitted instead of re-running it.
	submitMu   sync.Mutex
	submitting map[uuid.UUID]bool
}

// NewController wires the engine components together and registers itself
// as the timer authority's expiry handler.
func NewController(
	store *Store,
	timer *Authority,
	saves *Coordinator,
	engine *grading.Engine,
	recorder Recorder,
	questions QuestionProvider,
	tests TestProvider,
	clock Clock,
	retries int,
	backoff time.Duration,
	log zerolog.Logger,
) *Controller {
	c := &Controller{
		store:      store,
		timer:      timer,
		saves:      saves,
		engine:     engine,
		recorder:   recorder,
		questions:  questions,
		tests:      tests,
		clock:      clock,
		retries:    retries,
		backoff:    backoff,
		log:        log.With().Str("component", "lifecycle").Logger(),
		submitting: make(map[uuid.UUID]bool),
	}
	timer.SetExpiryHandler(c.handleExpiry)
	return c
}

// Start creates a new attempt for a student on a test, or returns the live
// one if a duplicate start request races in. The start timestamp and
// duration are fixed here and never mutated.
func (c *Controller) Start(ctx context.Context, testID uuid.UUID, studentID int) (*model.AttemptSession, time.Duration, error) {
	test, err := c.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, 0, fmt.Errorf("get test: %w", err)
	}

	now := c.clock.Now()
	if !test.AvailableAt(now) {
		return nil, 0, fmt.Errorf("test %s is not available: %w", testID, ErrValidation)
	}

	// Duplicate start from a flaky reconnect: hand back the live session.
	if id, ok := c.store.FindActive(testID, studentID); ok {
		return c.Rejoin(ctx, id)
	}

	prior, err := c.recorder.CountAttempts(ctx, testID, studentID)
	if err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}
	if test.MaxAttempts > 0 && prior >= test.MaxAttempts {
		return nil, 0, fmt.Errorf("attempt limit reached: %w", ErrValidation)
	}

	sess := &model.AttemptSession{
		ID:            uuid.New(),
		TestID:        testID,
		StudentID:     studentID,
		AttemptNumber: prior + 1,
		StartedAt:     now,
		Duration:      time.Duration(test.DurationMinutes) * time.Minute,
		Status:        model.AttemptStatusInProgress,
		Responses:     make(map[uuid.UUID]*model.Response),
	}

	live, created := c.store.Create(sess)
	if !created {
		// Lost a concurrent-start race; the winner's timer is already up.
		return live, live.Remaining(now), nil
	}

	if err := c.checkpoint(ctx, func() error {
		return c.recorder.CreateAttempt(ctx, live)
	}); err != nil {
		c.store.Remove(live.ID)
		return nil, 0, err
	}

	c.timer.Watch(live.ID)

	c.log.Info().
		Str("attempt_id", live.ID.String()).
		Str("test_id", testID.String()).
		Int("student_id", studentID).
		Int("attempt_number", live.AttemptNumber).
		Msg("Attempt started")

	return live, live.Remaining(now), nil
}

// Rejoin resynchronizes a client with its live attempt. The countdown is a
// property of the session: rejoining gains and loses no time. If the process
// restarted, an in-progress attempt is recovered from the record store.
func (c *Controller) Rejoin(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, time.Duration, error) {
	sess, err := c.store.Get(attemptID)
	if errors.Is(err, ErrSessionNotFound) {
		sess, err = c.recover(ctx, attemptID)
	}
	if err != nil {
		return nil, 0, err
	}
	if sess.Status != model.AttemptStatusInProgress {
		return nil, 0, fmt.Errorf("attempt %s is %s: %w", attemptID, sess.Status, ErrSessionClosed)
	}
	return sess, sess.Remaining(c.clock.Now()), nil
}

// recover re-admits an attempt from the durable record after a process
// restart. The original start timestamp is preserved. In-progress attempts
// resume their countdown; submitted ones come back so grading can finish.
func (c *Controller) recover(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, error) {
	rec, err := c.recorder.LoadAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}
	switch rec.Status {
	case model.AttemptStatusInProgress:
	case model.AttemptStatusSubmitted:
		// The loaded record is the submission snapshot itself, so the
		// checkpoint is already down; only grading remains to be driven.
		rec.SubmitPersisted = true
	default:
		return rec, nil
	}

	live, created := c.store.Create(rec)
	if created {
		if live.Status == model.AttemptStatusInProgress {
			c.timer.Watch(live.ID)
		}
		c.log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt recovered into session store")
	}
	return live, nil
}

// Save forwards an incremental answer update to the auto-save coordinator.
func (c *Controller) Save(attemptID, questionID uuid.UUID, upd ResponseUpdate, notify func(CommitResult)) error {
	return c.saves.Save(attemptID, questionID, upd, notify)
}

// Submit moves an attempt from in_progress to submitted. Exactly one caller
// wins: a manual submit racing the expiry signal, or two manual submits,
// collapse into a single transition and a single persisted snapshot; the
// losers get ErrAlreadySubmitted. The snapshot observes the most recently
// committed response state because in-flight debounce commits are flushed
// before it is taken.
//
// The status flip and the durable checkpoint are separate steps, so a submit
// whose checkpoint exhausted its retries leaves the session submitted but
// unpersisted. A later Submit for that attempt resumes the checkpoint instead
// of reporting a duplicate; the submission is never silently lost.
func (c *Controller) Submit(ctx context.Context, attemptID uuid.UUID, st model.SubmitType) (*model.AttemptSession, error) {
	c.submitMu.Lock()
	if c.submitting[attemptID] {
		c.submitMu.Unlock()
		return nil, fmt.Errorf("attempt %s: submit in flight: %w", attemptID, ErrAlreadySubmitted)
	}
	c.submitting[attemptID] = true
	c.submitMu.Unlock()
	defer func() {
		c.submitMu.Lock()
		delete(c.submitting, attemptID)
		c.submitMu.Unlock()
	}()

	transition := func(sess *model.AttemptSession) error {
		switch {
		case sess.Status == model.AttemptStatusInProgress:
			now := c.clock.Now()
			sess.Status = model.AttemptStatusSubmitted
			sess.SubmitType = st
			sess.EndedAt = &now
			// Authoritative: derived from the server clock, not from any
			// client-reported total.
			sess.TimeSpent = now.Sub(sess.StartedAt)
			return nil
		case sess.Status == model.AttemptStatusSubmitted && !sess.SubmitPersisted:
			// A prior submit flipped the status but died before its snapshot
			// reached the record store. Keep the original end timestamp and
			// submit type; only the checkpoint is redone.
			return nil
		default:
			return fmt.Errorf("attempt %s: %w", attemptID, ErrAlreadySubmitted)
		}
	}

	err := c.store.Mutate(attemptID, transition)
	if errors.Is(err, ErrSessionNotFound) {
		// Process restart between submit and grading: the record still
		// carries the attempt, so re-admit it and retry the transition.
		if _, rerr := c.recover(ctx, attemptID); rerr == nil {
			err = c.store.Mutate(attemptID, transition)
		}
	}
	if err != nil {
		return nil, err
	}

	c.timer.Stop(attemptID)

	if err := c.saves.Flush(attemptID); err != nil {
		// The in-memory state is still authoritative; the submission
		// snapshot below persists it wholesale.
		c.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Flush before snapshot reported errors")
	}

	snap, err := c.store.Get(attemptID)
	if err != nil {
		return nil, err
	}

	if err := c.checkpoint(ctx, func() error {
		return c.recorder.SaveAttempt(ctx, snap)
	}); err != nil {
		// Fatal: the student must be told the submission did not complete.
		// The session stays submitted-but-unpersisted, so their retry lands
		// in the resume branch above.
		return nil, err
	}

	// From here on a repeated submit really is a duplicate.
	_ = c.store.Mutate(attemptID, func(sess *model.AttemptSession) error {
		sess.SubmitPersisted = true
		return nil
	})
	snap.SubmitPersisted = true

	c.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("submit_type", string(snap.SubmitType)).
		Dur("time_spent", snap.TimeSpent).
		Msg("Attempt submitted")

	return snap, nil
}

// handleExpiry is the timer authority's one-shot expiry callback. It forces
// submission with whatever was committed before expiry, then grades.
func (c *Controller) handleExpiry(attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := c.Submit(ctx, attemptID, model.SubmitTypeAuto); err != nil {
		if errors.Is(err, ErrAlreadySubmitted) {
			// Manual submit won the race. Nothing to do.
			return
		}
		c.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Forced submission failed")
		return
	}

	if _, err := c.Grade(ctx, attemptID); err != nil {
		c.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Grading after expiry failed")
	}
}

// Grade scores a submitted attempt and advances it to completed. A question
// that cannot be scored degrades to needs-review; it never aborts the
// attempt or leaves it stuck in grading.
func (c *Controller) Grade(ctx context.Context, attemptID uuid.UUID) (*model.Score, error) {
	err := c.store.Mutate(attemptID, func(sess *model.AttemptSession) error {
		switch sess.Status {
		case model.AttemptStatusSubmitted:
			sess.Status = model.AttemptStatusGrading
			return nil
		case model.AttemptStatusInProgress:
			return fmt.Errorf("attempt %s not submitted: %w", attemptID, ErrValidation)
		default:
			return fmt.Errorf("attempt %s already graded: %w", attemptID, ErrSessionClosed)
		}
	})
	if err != nil {
		return nil, err
	}

	snap, err := c.store.Get(attemptID)
	if err != nil {
		return nil, err
	}

	var (
		passing   float64
		items     []grading.Item
		gradeErrs []string
	)

	test, err := c.tests.GetByID(ctx, snap.TestID)
	if err != nil {
		gradeErrs = append(gradeErrs, "test definition unavailable")
	} else {
		passing = test.PassingPercent
	}

	questions, err := c.questions.ListByTest(ctx, snap.TestID)
	if err != nil {
		// Still advance to completed with a zero score rather than hang in
		// grading forever.
		gradeErrs = append(gradeErrs, "question definitions unavailable")
	}

	graded := make(map[uuid.UUID]grading.Result, len(questions))
	for i := range questions {
		q := &questions[i]
		resp := snap.Responses[q.ID]
		if resp == nil {
			resp = &model.Response{QuestionID: q.ID, Skipped: true}
		}
		res := c.gradeOne(q, resp)
		graded[q.ID] = res
		items = append(items, grading.Item{
			Result:     res,
			Difficulty: q.Difficulty,
			Topic:      q.Topic,
			Skipped:    resp.Skipped || (len(resp.SelectedAnswers) == 0 && resp.TextAnswer == ""),
			Flagged:    resp.FlaggedByStudent,
		})
	}

	score := grading.Aggregate(items, passing)
	if len(gradeErrs) > 0 {
		score.NeedsReview = true
		score.ReviewReasons = append(score.ReviewReasons, gradeErrs...)
	}

	err = c.store.Mutate(attemptID, func(sess *model.AttemptSession) error {
		for qid, res := range graded {
			r := sess.Response(qid)
			if r.Graded {
				// Post-grading fields are write-once per pass.
				continue
			}
			correct := res.IsCorrect
			r.Graded = true
			r.IsCorrect = &correct
			r.PointsEarned = res.PointsEarned
			r.Explanation = res.Explanation
		}
		sess.Score = score
		sess.Review.NeedsReview = score.NeedsReview
		sess.Review.Reasons = append([]string(nil), score.ReviewReasons...)
		sess.Status = model.AttemptStatusCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	final, err := c.store.Get(attemptID)
	if err != nil {
		return nil, err
	}

	if err := c.checkpoint(ctx, func() error {
		return c.recorder.SaveAttempt(ctx, final)
	}); err != nil {
		return nil, err
	}

	// Graded and persisted: the live session is done.
	c.store.Remove(attemptID)
	c.timer.Stop(attemptID)

	c.log.Info().
		Str("attempt_id", attemptID.String()).
		Float64("percentage", score.Percentage).
		Bool("passed", score.IsPassed).
		Bool("needs_review", score.NeedsReview).
		Msg("Attempt graded")

	return score, nil
}

// gradeOne contains a single question's grading failure: a panic degrades
// to needs-review instead of failing the whole attempt.
func (c *Controller) gradeOne(q *model.Question, resp *model.Response) (res grading.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("question_id", q.ID.String()).
				Interface("panic", r).
				Msg("Grading panicked, degrading to review")
			res = grading.Result{
				MaxPoints:    q.Points,
				NeedsReview:  true,
				ReviewReason: fmt.Sprintf("question %s could not be scored", q.ID),
			}
		}
	}()
	return c.engine.Grade(q, resp)
}

// Override applies a reviewer's per-question adjustments to a completed
// attempt's durable record and recomputes the aggregate score. Explicit and
// audited; it never reverts the attempt status.
func (c *Controller) Override(ctx context.Context, attemptID uuid.UUID, adjustments []model.OverrideAdjustment, reviewer string) (*model.Score, error) {
	if len(adjustments) == 0 {
		return nil, fmt.Errorf("no adjustments given: %w", ErrValidation)
	}

	rec, err := c.recorder.LoadAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}
	if rec.Status != model.AttemptStatusCompleted {
		return nil, fmt.Errorf("attempt %s is %s, not completed: %w", attemptID, rec.Status, ErrValidation)
	}

	questions, err := c.questions.ListByTest(ctx, rec.TestID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	test, err := c.tests.GetByID(ctx, rec.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}

	byID := make(map[uuid.UUID]*model.Question, len(questions))
	for i := range questions {
		byID[questions[i].ID] = &questions[i]
	}

	for _, adj := range adjustments {
		q, ok := byID[adj.QuestionID]
		if !ok {
			return nil, fmt.Errorf("question %s does not belong to test: %w", adj.QuestionID, ErrValidation)
		}
		maxPts := q.Points
		if maxPts <= 0 {
			maxPts = 1
		}
		if adj.PointsEarned > maxPts {
			return nil, fmt.Errorf("adjustment for %s exceeds max points: %w", adj.QuestionID, ErrValidation)
		}

		r := rec.Response(adj.QuestionID)
		r.PointsEarned = adj.PointsEarned
		if adj.IsCorrect != nil {
			r.IsCorrect = adj.IsCorrect
		}
		if adj.Note != "" {
			r.Explanation = adj.Note
		}
		r.Graded = true
	}

	// Recompute the aggregate from the adjusted per-question points.
	var items []grading.Item
	for i := range questions {
		q := &questions[i]
		r := rec.Responses[q.ID]
		if r == nil {
			r = &model.Response{QuestionID: q.ID, Skipped: true}
		}
		maxPts := q.Points
		if maxPts <= 0 {
			maxPts = 1
		}
		res := grading.Result{
			PointsEarned: r.PointsEarned,
			MaxPoints:    maxPts,
			Confidence:   1,
		}
		if r.IsCorrect != nil {
			res.IsCorrect = *r.IsCorrect
		}
		items = append(items, grading.Item{
			Result:     res,
			Difficulty: q.Difficulty,
			Topic:      q.Topic,
			Skipped:    r.Skipped,
			Flagged:    r.FlaggedByStudent,
		})
	}

	score := grading.Aggregate(items, test.PassingPercent)
	score.GraderVersion = grading.Version + "+override"

	now := c.clock.Now()
	rec.Score = score
	rec.Review.NeedsReview = false
	rec.Review.IsReviewed = true
	rec.Review.Reviewer = reviewer
	rec.Review.ReviewedAt = &now

	if err := c.checkpoint(ctx, func() error {
		return c.recorder.SaveAttempt(ctx, rec)
	}); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("reviewer", reviewer).
		Int("adjustments", len(adjustments)).
		Msg("Manual override applied")

	return score, nil
}

// Result loads the graded outcome for an attempt from the record store.
func (c *Controller) Result(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSession, error) {
	if sess, err := c.store.Get(attemptID); err == nil {
		return sess, nil
	}
	rec, err := c.recorder.LoadAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}
	return rec, nil
}

// checkpoint retries a durable write with bounded backoff. Exhaustion wraps
// ErrPersistence so callers surface it instead of treating it as success.
func (c *Controller) checkpoint(ctx context.Context, fn func() error) error {
	var err error
	attempts := c.retries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(c.backoff * time.Duration(i+1))
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
