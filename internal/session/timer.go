package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TickEvent is one authoritative remaining-time push.
type TickEvent struct {
	AttemptID  uuid.UUID     `json:"attempt_id"`
	ServerTime time.Time     `json:"server_time"`
	Remaining  time.Duration `json:"remaining"`
	Expired    bool          `json:"expired"`
}

// Authority owns the countdown for every watched attempt. Remaining time is
// always recomputed from the session's fixed start timestamp and duration,
// so a disconnect/reconnect cycle gains and loses nothing, and a client
// cannot pause its own clock.
type Authority struct {
	store    *Store
	clock    Clock
	interval time.Duration
	log      zerolog.Logger

	// onExpire is invoked exactly once per attempt when the countdown hits
	// zero. Set by the lifecycle controller before any Watch call.
	onExpire func(attemptID uuid.UUID)

	mu       sync.Mutex
	watchers map[uuid.UUID]*watcher
}

type watcher struct {
	stop    chan struct{}
	subs    map[chan TickEvent]struct{}
	expired bool
}

// NewAuthority creates a timer authority ticking at the given interval.
func NewAuthority(store *Store, clock Clock, interval time.Duration, log zerolog.Logger) *Authority {
	if interval <= 0 {
		interval = time.Second
	}
	return &Authority{
		store:    store,
		clock:    clock,
		interval: interval,
		log:      log.With().Str("component", "timer_authority").Logger(),
		watchers: make(map[uuid.UUID]*watcher),
	}
}

// SetExpiryHandler registers the one-shot expiry callback.
func (a *Authority) SetExpiryHandler(fn func(attemptID uuid.UUID)) {
	a.onExpire = fn
}

// Watch starts the countdown loop for an attempt. Idempotent: a second call
// for the same attempt is a no-op, so reconnects never spawn a second timer.
func (a *Authority) Watch(attemptID uuid.UUID) {
	a.mu.Lock()
	if _, ok := a.watchers[attemptID]; ok {
		a.mu.Unlock()
		return
	}
	w := &watcher{
		stop: make(chan struct{}),
		subs: make(map[chan TickEvent]struct{}),
	}
	a.watchers[attemptID] = w
	a.mu.Unlock()

	go a.run(attemptID, w)
}

func (a *Authority) run(attemptID uuid.UUID, w *watcher) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ev, err := a.compute(attemptID)
			if err != nil {
				// Session evicted; the countdown dies with it.
				a.Stop(attemptID)
				return
			}
			a.broadcast(w, ev)
			if ev.Remaining == 0 {
				a.expire(attemptID, w)
				return
			}
		}
	}
}

// Subscribe attaches a connection to an attempt's countdown. The returned
// cancel func must be called when the connection goes away; it closes the
// tick channel so consumer loops terminate. The countdown itself is a
// property of the session, not of any subscriber. Safe to cancel twice.
func (a *Authority) Subscribe(attemptID uuid.UUID) (<-chan TickEvent, func(), error) {
	a.mu.Lock()
	w, ok := a.watchers[attemptID]
	if !ok {
		a.mu.Unlock()
		return nil, nil, fmt.Errorf("attempt %s: %w", attemptID, ErrSessionNotFound)
	}
	ch := make(chan TickEvent, 8)
	w.subs[ch] = struct{}{}
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		// Closing under a.mu is safe: broadcast and expire only send to
		// channels still registered, under the same lock. If the watcher is
		// already gone, Stop closed the channel with it.
		if w, ok := a.watchers[attemptID]; ok {
			if _, live := w.subs[ch]; live {
				delete(w.subs, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, nil
}

// Resync recomputes and returns remaining time immediately, without waiting
// for the next tick. Used right after a reconnect.
func (a *Authority) Resync(attemptID uuid.UUID) (TickEvent, error) {
	return a.compute(attemptID)
}

// Remaining returns the authoritative remaining time for an attempt.
func (a *Authority) Remaining(attemptID uuid.UUID) (time.Duration, error) {
	ev, err := a.compute(attemptID)
	if err != nil {
		return 0, err
	}
	return ev.Remaining, nil
}

func (a *Authority) compute(attemptID uuid.UUID) (TickEvent, error) {
	sess, err := a.store.Get(attemptID)
	if err != nil {
		return TickEvent{}, err
	}
	now := a.clock.Now()
	return TickEvent{
		AttemptID:  attemptID,
		ServerTime: now,
		Remaining:  sess.Remaining(now),
	}, nil
}

// broadcast delivers an event to every subscriber without blocking the
// countdown loop. A slow consumer misses a tick and catches up on the next.
func (a *Authority) broadcast(w *watcher, ev TickEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// expire raises the one-shot expired event and fires the expiry handler.
// Guarded so it can never fire twice for one attempt.
func (a *Authority) expire(attemptID uuid.UUID, w *watcher) {
	a.mu.Lock()
	if w.expired {
		a.mu.Unlock()
		return
	}
	w.expired = true
	ev := TickEvent{
		AttemptID:  attemptID,
		ServerTime: a.clock.Now(),
		Expired:    true,
	}
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	handler := a.onExpire
	a.mu.Unlock()

	a.log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt expired")
	if handler != nil {
		handler(attemptID)
	}
}

// Stop tears down the countdown for an attempt, closing any remaining
// subscriber channels so their consumers unblock. Safe to call twice.
func (a *Authority) Stop(attemptID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.watchers[attemptID]
	if !ok {
		return
	}
	delete(a.watchers, attemptID)
	close(w.stop)
	for ch := range w.subs {
		delete(w.subs, ch)
		close(ch)
	}
}

// Shutdown stops every countdown and releases every subscriber.
func (a *Authority) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.watchers {
		delete(a.watchers, id)
		close(w.stop)
		for ch := range w.subs {
			delete(w.subs, ch)
			close(ch)
		}
	}
}
