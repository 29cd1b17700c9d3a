package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/grading"
	"github.com/testline/testline-backend/internal/model"
)

// fakeClock pins time for tests. Advance moves it forward.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memRecorder is an in-memory Recorder and Checkpointer. failNext makes the
// next writes fail, for exercising the retry path.
type memRecorder struct {
	mu        sync.Mutex
	attempts  map[uuid.UUID]*model.AttemptSession
	responses map[uuid.UUID]map[uuid.UUID]model.Response
	saveCalls int
	respCalls int
	failNext  int
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		attempts:  make(map[uuid.UUID]*model.AttemptSession),
		responses: make(map[uuid.UUID]map[uuid.UUID]model.Response),
	}
}

func (m *memRecorder) fail() bool {
	if m.failNext > 0 {
		m.failNext--
		return true
	}
	return false
}

func (m *memRecorder) CreateAttempt(_ context.Context, sess *model.AttemptSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail() {
		return errors.New("record store down")
	}
	m.attempts[sess.ID] = sess.Clone()
	return nil
}

func (m *memRecorder) SaveAttempt(_ context.Context, sess *model.AttemptSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail() {
		return errors.New("record store down")
	}
	m.saveCalls++
	m.attempts[sess.ID] = sess.Clone()
	return nil
}

func (m *memRecorder) SaveResponse(_ context.Context, sess *model.AttemptSession, resp model.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail() {
		return errors.New("record store down")
	}
	m.respCalls++
	byQ, ok := m.responses[sess.ID]
	if !ok {
		byQ = make(map[uuid.UUID]model.Response)
		m.responses[sess.ID] = byQ
	}
	byQ[resp.QuestionID] = resp
	return nil
}

func (m *memRecorder) LoadAttempt(_ context.Context, attemptID uuid.UUID) (*model.AttemptSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.attempts[attemptID]
	if !ok {
		return nil, errors.New("no rows")
	}
	return sess.Clone(), nil
}

func (m *memRecorder) CountAttempts(_ context.Context, testID uuid.UUID, studentID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.attempts {
		if s.TestID == testID && s.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (m *memRecorder) savedResponse(attemptID, questionID uuid.UUID) (model.Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.responses[attemptID][questionID]
	return r, ok
}

func (m *memRecorder) responseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.respCalls
}

type fakeQuestions struct {
	questions []model.Question
	err       error
}

func (f *fakeQuestions) ListByTest(context.Context, uuid.UUID) ([]model.Question, error) {
	return f.questions, f.err
}

type fakeTests struct {
	test *model.Test
	err  error
}

func (f *fakeTests) GetByID(context.Context, uuid.UUID) (*model.Test, error) {
	return f.test, f.err
}

func publishedTest(durationMinutes int, passingPercent float64) *model.Test {
	return &model.Test{
		ID:              uuid.New(),
		Title:           "Unit Conversion Basics",
		DurationMinutes: durationMinutes,
		PassingPercent:  passingPercent,
		MaxAttempts:     3,
		Status:          model.TestStatusPublished,
	}
}

func inProgressSession(clock Clock, duration time.Duration) *model.AttemptSession {
	return &model.AttemptSession{
		ID:            uuid.New(),
		TestID:        uuid.New(),
		StudentID:     7,
		AttemptNumber: 1,
		StartedAt:     clock.Now(),
		Duration:      duration,
		Status:        model.AttemptStatusInProgress,
		Responses:     make(map[uuid.UUID]*model.Response),
	}
}

type engineFixture struct {
	store      *Store
	timer      *Authority
	saves      *Coordinator
	controller *Controller
	recorder   *memRecorder
	clock      *fakeClock
	questions  *fakeQuestions
	tests      *fakeTests
}

func newEngineFixture(t *testing.T, tickInterval, debounce time.Duration) *engineFixture {
	t.Helper()
	log := zerolog.Nop()
	clock := newFakeClock()
	store := NewStore()
	recorder := newMemRecorder()
	timer := NewAuthority(store, clock, tickInterval, log)
	saves := NewCoordinator(store, recorder, debounce, clock, log)
	questions := &fakeQuestions{}
	tests := &fakeTests{test: publishedTest(30, 60)}
	controller := NewController(
		store, timer, saves,
		grading.NewEngine(grading.DefaultPolicy()),
		recorder, questions, tests,
		clock, 2, time.Millisecond, log,
	)
	t.Cleanup(timer.Shutdown)
	t.Cleanup(saves.Close)
	return &engineFixture{
		store:      store,
		timer:      timer,
		saves:      saves,
		controller: controller,
		recorder:   recorder,
		clock:      clock,
		questions:  questions,
		tests:      tests,
	}
}
