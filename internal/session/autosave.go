package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/model"
)

// Checkpointer commits a single response durably. Everything below it
// (queues, SQL, retries inside the worker) is out of scope here.
type Checkpointer interface {
	SaveResponse(ctx context.Context, sess *model.AttemptSession, resp model.Response) error
}

// ResponseUpdate is one incremental answer edit. Nil pointer fields leave
// the current value untouched.
type ResponseUpdate struct {
	SelectedAnswers []string
	TextAnswer      *string
	TimeSpentMs     int64
	Skipped         *bool
	Flagged         *bool
}

// CommitResult confirms (or denies) one durable auto-save commit.
type CommitResult struct {
	AttemptID  uuid.UUID
	QuestionID uuid.UUID
	SavedAt    time.Time
	Err        error
}

type pendingKey struct {
	attempt  uuid.UUID
	question uuid.UUID
}

type pendingSave struct {
	timer  *time.Timer
	notify func(CommitResult)
	done   chan struct{}
	err    error
}

// Coordinator debounces answer updates per (attempt, question) so rapid
// edits to one question collapse into a single durable write, while
// different questions commit independently. In-memory session state is
// updated synchronously; only the durable commit is deferred.
type Coordinator struct {
	store *Store
	cp    Checkpointer
	delay time.Duration
	clock Clock
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingSave
}

// NewCoordinator creates an auto-save coordinator with the given debounce
// window.
func NewCoordinator(store *Store, cp Checkpointer, delay time.Duration, clock Clock, log zerolog.Logger) *Coordinator {
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	return &Coordinator{
		store:   store,
		cp:      cp,
		delay:   delay,
		clock:   clock,
		log:     log.With().Str("component", "autosave").Logger(),
		pending: make(map[pendingKey]*pendingSave),
	}
}

// Save applies an answer update to the live session and schedules its
// durable commit. Saves against a closed attempt are rejected with
// ErrSessionClosed so the client can stop retrying; notify (optional)
// receives the commit confirmation or failure once the debounce window
// closes.
func (c *Coordinator) Save(attemptID, questionID uuid.UUID, upd ResponseUpdate, notify func(CommitResult)) error {
	if questionID == uuid.Nil {
		return fmt.Errorf("question id required: %w", ErrValidation)
	}

	err := c.store.Mutate(attemptID, func(sess *model.AttemptSession) error {
		if sess.Status != model.AttemptStatusInProgress {
			return fmt.Errorf("attempt %s is %s: %w", attemptID, sess.Status, ErrSessionClosed)
		}
		r := sess.Response(questionID)
		if upd.SelectedAnswers != nil {
			r.SelectedAnswers = append([]string(nil), upd.SelectedAnswers...)
		}
		if upd.TextAnswer != nil {
			r.TextAnswer = *upd.TextAnswer
		}
		if upd.TimeSpentMs > 0 {
			r.TimeSpentMs = upd.TimeSpentMs
		}
		if upd.Skipped != nil {
			r.Skipped = *upd.Skipped
		}
		if upd.Flagged != nil {
			r.FlaggedByStudent = *upd.Flagged
		}
		r.VisitCount++
		return nil
	})
	if err != nil {
		return err
	}

	c.schedule(attemptID, questionID, notify)
	return nil
}

// schedule arms (or re-arms) the debounce timer for one question.
func (c *Coordinator) schedule(attemptID, questionID uuid.UUID, notify func(CommitResult)) {
	key := pendingKey{attempt: attemptID, question: questionID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[key]; ok {
		if notify != nil {
			p.notify = notify
		}
		p.timer.Reset(c.delay)
		return
	}

	p := &pendingSave{notify: notify, done: make(chan struct{})}
	p.timer = time.AfterFunc(c.delay, func() {
		c.commit(key)
	})
	c.pending[key] = p
}

// commit performs the durable write for one (attempt, question) and emits
// the confirmation. Commits for the same question apply in the order their
// debounce windows close; the coordinator holds no lock across the write.
func (c *Coordinator) commit(key pendingKey) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	defer close(p.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := CommitResult{AttemptID: key.attempt, QuestionID: key.question}

	sess, err := c.store.Get(key.attempt)
	if err == nil {
		if r, found := sess.Responses[key.question]; found {
			err = c.cp.SaveResponse(ctx, sess, *r)
		}
	}
	if err != nil {
		p.err = err
		res.Err = fmt.Errorf("commit response: %w", err)
		c.log.Error().Err(err).
			Str("attempt_id", key.attempt.String()).
			Str("question_id", key.question.String()).
			Msg("Autosave commit failed")
	} else {
		res.SavedAt = c.clock.Now()
	}

	if p.notify != nil {
		p.notify(res)
	}
}

// Flush settles every in-flight debounce commit for an attempt and blocks
// until they land. Submit calls this before taking its snapshot so the last
// keystroke-equivalent update is never lost.
func (c *Coordinator) Flush(attemptID uuid.UUID) error {
	c.mu.Lock()
	var keys []pendingKey
	for key := range c.pending {
		if key.attempt == attemptID {
			keys = append(keys, key)
		}
	}
	waits := make([]*pendingSave, 0, len(keys))
	for _, key := range keys {
		p := c.pending[key]
		// Fire early. If Stop fails the timer already fired and commit is
		// in flight; either way we wait on done below.
		if p.timer.Stop() {
			go c.commit(key)
		}
		waits = append(waits, p)
	}
	c.mu.Unlock()

	var errs []error
	for _, p := range waits {
		<-p.done
		if p.err != nil {
			errs = append(errs, p.err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes every pending commit across all attempts. Called on
// shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	var attempts []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for key := range c.pending {
		if !seen[key.attempt] {
			seen[key.attempt] = true
			attempts = append(attempts, key.attempt)
		}
	}
	c.mu.Unlock()

	for _, id := range attempts {
		if err := c.Flush(id); err != nil {
			c.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Flush on close failed")
		}
	}
}
