package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testline/testline-backend/internal/model"
)

func physicsQuestions(testID uuid.UUID) []model.Question {
	return []model.Question{
		{
			ID:             uuid.New(),
			TestID:         testID,
			Type:           model.QuestionTypeSingleChoice,
			Points:         2,
			CorrectAnswers: []string{"B"},
			Difficulty:     "easy",
			Topic:          "mechanics",
		},
		{
			ID:             uuid.New(),
			TestID:         testID,
			Type:           model.QuestionTypeFillBlank,
			Points:         3,
			CorrectAnswers: []string{"Newton's second law"},
			Difficulty:     "medium",
			Topic:          "mechanics",
		},
	}
}

func TestLifecycleStart(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID

	sess, remaining, err := f.controller.Start(ctx, testID, 7)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AttemptNumber != 1 {
		t.Errorf("AttemptNumber = %d, want 1", sess.AttemptNumber)
	}
	if sess.Status != model.AttemptStatusInProgress {
		t.Errorf("Status = %s, want in_progress", sess.Status)
	}
	if remaining != 30*time.Minute {
		t.Errorf("remaining = %v, want 30m", remaining)
	}

	// Durable record created and countdown running.
	if _, err := f.recorder.LoadAttempt(ctx, sess.ID); err != nil {
		t.Error("initial record not persisted")
	}
	if _, err := f.timer.Remaining(sess.ID); err != nil {
		t.Error("countdown not started")
	}
}

func TestLifecycleStartDuplicateReturnsLiveSession(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID

	first, _, err := f.controller.Start(ctx, testID, 7)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(5 * time.Minute)
	second, remaining, err := f.controller.Start(ctx, testID, 7)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate start created %s, want existing %s", second.ID, first.ID)
	}
	if remaining != 25*time.Minute {
		t.Errorf("remaining = %v, want 25m (countdown untouched)", remaining)
	}
	if f.store.Len() != 1 {
		t.Errorf("live sessions = %d, want 1", f.store.Len())
	}
}

func TestLifecycleStartConcurrentSingleSession(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, _, err := f.controller.Start(ctx, testID, 7)
			if err == nil {
				ids <- sess.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	if f.store.Len() != 1 {
		t.Fatalf("live sessions = %d, want 1", f.store.Len())
	}
	var first uuid.UUID
	for id := range ids {
		if first == uuid.Nil {
			first = id
		} else if id != first {
			t.Errorf("concurrent starts produced distinct sessions %s and %s", first, id)
		}
	}
}

func TestLifecycleStartUnavailableTest(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	f.tests.test.Status = model.TestStatusDraft

	_, _, err := f.controller.Start(context.Background(), f.tests.test.ID, 7)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestLifecycleStartAttemptLimit(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	f.tests.test.MaxAttempts = 2

	for i := 0; i < 2; i++ {
		prior := &model.AttemptSession{
			ID: uuid.New(), TestID: testID, StudentID: 7,
			AttemptNumber: i + 1, Status: model.AttemptStatusCompleted,
		}
		if err := f.recorder.CreateAttempt(ctx, prior); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err := f.controller.Start(ctx, testID, 7)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation on attempt limit", err)
	}
}

func TestLifecycleSubmit(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, err := f.controller.Start(ctx, f.tests.test.ID, 7)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(12 * time.Minute)
	snap, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != model.AttemptStatusSubmitted {
		t.Errorf("Status = %s, want submitted", snap.Status)
	}
	if snap.SubmitType != model.SubmitTypeManual {
		t.Errorf("SubmitType = %s, want manual", snap.SubmitType)
	}
	// Time spent comes from the server clock, never from the client.
	if snap.TimeSpent != 12*time.Minute {
		t.Errorf("TimeSpent = %v, want 12m", snap.TimeSpent)
	}
	if snap.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	rec, err := f.recorder.LoadAttempt(ctx, sess.ID)
	if err != nil {
		t.Fatal("submission snapshot not persisted")
	}
	if rec.Status != model.AttemptStatusSubmitted {
		t.Errorf("persisted Status = %s, want submitted", rec.Status)
	}
}

func TestLifecycleSubmitTwice(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); err != nil {
		t.Fatal(err)
	}

	_, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestLifecycleSubmitRaceSingleWinner(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)

	var wg sync.WaitGroup
	var wins, dups int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadySubmitted):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if dups != 7 {
		t.Errorf("duplicates = %d, want 7", dups)
	}
}

func TestLifecycleSubmitFlushesPendingSaves(t *testing.T) {
	// Debounce window far longer than the test: only the submit-time
	// flush can commit the response.
	f := newEngineFixture(t, 5*time.Millisecond, time.Hour)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	qid := uuid.New()
	if err := f.controller.Save(sess.ID, qid, ResponseUpdate{TextAnswer: strptr("last edit")}, nil); err != nil {
		t.Fatal(err)
	}

	snap, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Responses[qid] == nil || snap.Responses[qid].TextAnswer != "last edit" {
		t.Error("submission snapshot missing the pending edit")
	}

	rec, _ := f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Responses[qid] == nil || rec.Responses[qid].TextAnswer != "last edit" {
		t.Error("persisted snapshot missing the pending edit")
	}
}

func TestLifecycleSubmitPersistenceFailureSurfaces(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)

	// Exhaust the initial try plus both retries.
	f.recorder.failNext = 3
	_, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", err)
	}
}

func TestLifecycleSubmitPersistenceRetrySucceeds(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)

	f.recorder.failNext = 1
	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); err != nil {
		t.Errorf("one transient failure must be retried away, got %v", err)
	}
}

func TestLifecycleSubmitCheckpointExhaustionIsResumable(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	f.clock.Advance(12 * time.Minute)

	// Record store down for the initial try and both retries.
	f.recorder.failNext = 3
	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}

	// The durable record must not claim the attempt was submitted.
	rec, err := f.recorder.LoadAttempt(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.AttemptStatusInProgress {
		t.Fatalf("record Status = %s after failed checkpoint, want in_progress", rec.Status)
	}

	// A retry once the store is back must finish the submission, not bounce
	// off a duplicate error, and must keep the original end-of-attempt time.
	f.clock.Advance(3 * time.Minute)
	snap, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if err != nil {
		t.Fatalf("retry after exhausted checkpoint = %v, want success", err)
	}
	if snap.Status != model.AttemptStatusSubmitted {
		t.Errorf("Status = %s, want submitted", snap.Status)
	}
	if snap.TimeSpent != 12*time.Minute {
		t.Errorf("TimeSpent = %v, want 12m from the first submit", snap.TimeSpent)
	}

	rec, _ = f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Status != model.AttemptStatusSubmitted {
		t.Fatalf("record Status = %s, want submitted after resumed checkpoint", rec.Status)
	}

	if _, err := f.controller.Grade(ctx, sess.ID); err != nil {
		t.Fatalf("grading after resumed submit = %v", err)
	}
	rec, _ = f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Status != model.AttemptStatusCompleted || rec.Score == nil {
		t.Errorf("record = %s score=%v, want completed with score", rec.Status, rec.Score)
	}
}

func TestLifecycleSubmitRecoversAcrossRestart(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); err != nil {
		t.Fatal(err)
	}

	// Process restart between submit and grading: live state gone, the
	// submission snapshot safely in the record store.
	f.timer.Stop(sess.ID)
	f.store.Remove(sess.ID)

	// The snapshot is durable, so a repeated submit is a true duplicate.
	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("err = %v, want ErrAlreadySubmitted", err)
	}

	// But grading must still be drivable to the end.
	if _, err := f.controller.Grade(ctx, sess.ID); err != nil {
		t.Fatalf("grading after restart = %v", err)
	}
	rec, _ := f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Status != model.AttemptStatusCompleted {
		t.Errorf("record Status = %s, want completed", rec.Status)
	}
}

func TestLifecycleGrade(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	qs := physicsQuestions(testID)
	f.questions.questions = qs

	sess, _, _ := f.controller.Start(ctx, testID, 7)
	_ = f.controller.Save(sess.ID, qs[0].ID, ResponseUpdate{SelectedAnswers: []string{"B"}}, nil)
	_ = f.controller.Save(sess.ID, qs[1].ID, ResponseUpdate{TextAnswer: strptr("newtons second law")}, nil)

	if _, err := f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual); err != nil {
		t.Fatal(err)
	}

	score, err := f.controller.Grade(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalEarned != 5 || score.TotalMax != 5 {
		t.Errorf("totals = %v/%v, want 5/5", score.TotalEarned, score.TotalMax)
	}
	if !score.IsPassed {
		t.Error("perfect score must pass")
	}
	if score.CorrectCount != 2 {
		t.Errorf("CorrectCount = %d, want 2", score.CorrectCount)
	}

	// Graded session leaves the live store; the record store is now the
	// source of truth.
	if _, err := f.store.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("graded session still live")
	}
	rec, err := f.recorder.LoadAttempt(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.AttemptStatusCompleted {
		t.Errorf("persisted Status = %s, want completed", rec.Status)
	}
	r := rec.Responses[qs[0].ID]
	if r == nil || !r.Graded || r.IsCorrect == nil || !*r.IsCorrect || r.PointsEarned != 2 {
		t.Errorf("graded response fields wrong: %+v", r)
	}
}

func TestLifecycleGradeBeforeSubmit(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	if _, err := f.controller.Grade(ctx, sess.ID); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestLifecycleGradeSkippedQuestions(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	qs := physicsQuestions(testID)
	f.questions.questions = qs

	sess, _, _ := f.controller.Start(ctx, testID, 7)
	// Answer only the first question; the second counts as skipped and
	// earns nothing, it is not an error.
	_ = f.controller.Save(sess.ID, qs[0].ID, ResponseUpdate{SelectedAnswers: []string{"B"}}, nil)

	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	score, err := f.controller.Grade(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if score.SkippedCount != 1 {
		t.Errorf("SkippedCount = %d, want 1", score.SkippedCount)
	}
	if score.TotalEarned != 2 || score.TotalMax != 5 {
		t.Errorf("totals = %v/%v, want 2/5", score.TotalEarned, score.TotalMax)
	}
}

func TestLifecycleGradeProviderFailureCompletesWithReview(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)

	f.questions.err = errors.New("question service down")
	score, err := f.controller.Grade(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if score.TotalEarned != 0 {
		t.Errorf("TotalEarned = %v, want 0", score.TotalEarned)
	}
	if !score.NeedsReview {
		t.Error("provider failure must flag the attempt for review")
	}

	rec, _ := f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Status != model.AttemptStatusCompleted {
		t.Errorf("Status = %s, want completed even on provider failure", rec.Status)
	}
}

func TestLifecycleExpiryAutoSubmitsAndGrades(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	qs := physicsQuestions(testID)
	f.questions.questions = qs

	sess, _, _ := f.controller.Start(ctx, testID, 7)
	_ = f.controller.Save(sess.ID, qs[0].ID, ResponseUpdate{SelectedAnswers: []string{"B"}}, nil)

	f.clock.Advance(31 * time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := f.recorder.LoadAttempt(ctx, sess.ID)
		if err == nil && rec.Status == model.AttemptStatusCompleted {
			if rec.SubmitType != model.SubmitTypeAuto {
				t.Errorf("SubmitType = %s, want auto", rec.SubmitType)
			}
			if rec.Score == nil {
				t.Fatal("expired attempt not graded")
			}
			if rec.Score.TotalEarned != 2 {
				t.Errorf("TotalEarned = %v, want 2 (committed answers only)", rec.Score.TotalEarned)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempt not auto-submitted and graded within 2s, record: %+v", rec)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLifecycleRejoinPreservesCountdown(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	f.clock.Advance(10 * time.Minute)

	got, remaining, err := f.controller.Rejoin(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID {
		t.Errorf("rejoined %s, want %s", got.ID, sess.ID)
	}
	if remaining != 20*time.Minute {
		t.Errorf("remaining = %v, want 20m", remaining)
	}
}

func TestLifecycleRejoinRecoversFromRecord(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)

	// Simulate a process restart: live state gone, record store intact.
	f.timer.Stop(sess.ID)
	f.store.Remove(sess.ID)

	f.clock.Advance(5 * time.Minute)
	got, remaining, err := f.controller.Rejoin(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.StartedAt != sess.StartedAt {
		t.Error("recovery must preserve the original start timestamp")
	}
	if remaining != 25*time.Minute {
		t.Errorf("remaining = %v, want 25m", remaining)
	}
	if _, err := f.timer.Remaining(sess.ID); err != nil {
		t.Error("countdown not restarted after recovery")
	}
}

func TestLifecycleRejoinClosedAttempt(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)

	_, _, err := f.controller.Rejoin(ctx, sess.ID)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestLifecycleOverride(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	qs := physicsQuestions(testID)
	f.questions.questions = qs

	sess, _, _ := f.controller.Start(ctx, testID, 7)
	// A near miss earns partial credit and a review flag.
	_ = f.controller.Save(sess.ID, qs[1].ID, ResponseUpdate{TextAnswer: strptr("netwons secnd law")}, nil)
	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	score, err := f.controller.Grade(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !score.NeedsReview {
		t.Fatal("near miss did not flag the attempt for review")
	}

	// Reviewer grants full credit for the typo.
	yes := true
	adjusted, err := f.controller.Override(ctx, sess.ID, []model.OverrideAdjustment{
		{QuestionID: qs[1].ID, PointsEarned: 3, IsCorrect: &yes, Note: "accepted, obvious typo"},
	}, "reviewer-1")
	if err != nil {
		t.Fatal(err)
	}
	if adjusted.TotalEarned != 3 {
		t.Errorf("TotalEarned = %v, want 3", adjusted.TotalEarned)
	}
	if adjusted.NeedsReview {
		t.Error("override must clear the review flag on the score")
	}

	rec, _ := f.recorder.LoadAttempt(ctx, sess.ID)
	if rec.Status != model.AttemptStatusCompleted {
		t.Errorf("Status = %s, override must never change it", rec.Status)
	}
	if !rec.Review.IsReviewed || rec.Review.Reviewer != "reviewer-1" || rec.Review.ReviewedAt == nil {
		t.Errorf("review audit fields wrong: %+v", rec.Review)
	}
	r := rec.Responses[qs[1].ID]
	if r.PointsEarned != 3 || r.IsCorrect == nil || !*r.IsCorrect {
		t.Errorf("adjusted response wrong: %+v", r)
	}
}

func TestLifecycleOverrideValidation(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	testID := f.tests.test.ID
	qs := physicsQuestions(testID)
	f.questions.questions = qs

	sess, _, _ := f.controller.Start(ctx, testID, 7)

	// Not completed yet.
	_, err := f.controller.Override(ctx, sess.ID, []model.OverrideAdjustment{
		{QuestionID: qs[0].ID, PointsEarned: 1},
	}, "reviewer-1")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err on in-progress attempt = %v, want ErrValidation", err)
	}

	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if _, err := f.controller.Grade(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		adj  []model.OverrideAdjustment
	}{
		{"empty adjustments", nil},
		{"unknown question", []model.OverrideAdjustment{{QuestionID: uuid.New(), PointsEarned: 1}}},
		{"exceeds max points", []model.OverrideAdjustment{{QuestionID: qs[0].ID, PointsEarned: 99}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.controller.Override(ctx, sess.ID, tt.adj, "reviewer-1"); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestLifecycleResultFallsBackToRecord(t *testing.T) {
	f := newEngineFixture(t, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()
	f.questions.questions = physicsQuestions(f.tests.test.ID)

	sess, _, _ := f.controller.Start(ctx, f.tests.test.ID, 7)
	_, _ = f.controller.Submit(ctx, sess.ID, model.SubmitTypeManual)
	if _, err := f.controller.Grade(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	got, err := f.controller.Result(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score == nil || got.Status != model.AttemptStatusCompleted {
		t.Errorf("result = %+v, want completed with score", got)
	}

	if _, err := f.controller.Result(ctx, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}
