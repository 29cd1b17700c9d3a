package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTimerFixture(t *testing.T, duration time.Duration) (*Authority, *Store, *fakeClock, uuid.UUID) {
	t.Helper()
	clock := newFakeClock()
	store := NewStore()
	sess := inProgressSession(clock, duration)
	store.Create(sess)
	a := NewAuthority(store, clock, 5*time.Millisecond, zerolog.Nop())
	t.Cleanup(a.Shutdown)
	return a, store, clock, sess.ID
}

func TestTimerResync(t *testing.T) {
	a, _, clock, id := newTimerFixture(t, 30*time.Minute)
	a.Watch(id)

	ev, err := a.Resync(id)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Remaining != 30*time.Minute {
		t.Errorf("Remaining = %v, want 30m", ev.Remaining)
	}

	clock.Advance(10 * time.Minute)
	ev, _ = a.Resync(id)
	if ev.Remaining != 20*time.Minute {
		t.Errorf("Remaining after advance = %v, want 20m", ev.Remaining)
	}
}

func TestTimerRemainingNeverNegative(t *testing.T) {
	a, _, clock, id := newTimerFixture(t, time.Minute)
	clock.Advance(2 * time.Minute)

	rem, err := a.Remaining(id)
	if err != nil {
		t.Fatal(err)
	}
	if rem != 0 {
		t.Errorf("Remaining = %v, want 0", rem)
	}
}

func TestTimerSubscribeReceivesTicks(t *testing.T) {
	a, _, _, id := newTimerFixture(t, 30*time.Minute)
	a.Watch(id)

	ch, cancel, err := a.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case ev := <-ch:
		if ev.AttemptID != id {
			t.Errorf("tick for %s, want %s", ev.AttemptID, id)
		}
		if ev.Expired {
			t.Error("tick reported expired with time remaining")
		}
	case <-time.After(time.Second):
		t.Fatal("no tick within 1s")
	}
}

func TestTimerSubscribeUnknownAttempt(t *testing.T) {
	a, _, _, _ := newTimerFixture(t, 30*time.Minute)
	if _, _, err := a.Subscribe(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestTimerExpiryFiresOnce(t *testing.T) {
	a, _, clock, id := newTimerFixture(t, time.Minute)

	var fired atomic.Int32
	a.SetExpiryHandler(func(got uuid.UUID) {
		if got != id {
			t.Errorf("expiry for %s, want %s", got, id)
		}
		fired.Add(1)
	})

	// Double Watch must not spawn a second countdown.
	a.Watch(id)
	a.Watch(id)

	ch, cancel, err := a.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	clock.Advance(2 * time.Minute)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if !ev.Expired {
				continue
			}
			// Give a hypothetical duplicate expiry a chance to land.
			time.Sleep(50 * time.Millisecond)
			if n := fired.Load(); n != 1 {
				t.Errorf("expiry handler fired %d times, want 1", n)
			}
			return
		case <-deadline:
			t.Fatal("no expired event within 1s")
		}
	}
}

func TestTimerStopSilencesCountdown(t *testing.T) {
	a, _, clock, id := newTimerFixture(t, time.Minute)

	var fired atomic.Int32
	a.SetExpiryHandler(func(uuid.UUID) { fired.Add(1) })

	a.Watch(id)
	a.Stop(id)
	a.Stop(id)

	clock.Advance(2 * time.Minute)
	time.Sleep(50 * time.Millisecond)

	if n := fired.Load(); n != 0 {
		t.Errorf("expiry handler fired %d times after Stop, want 0", n)
	}
}

func TestTimerCancelClosesSubscriberChannel(t *testing.T) {
	a, _, _, id := newTimerFixture(t, 30*time.Minute)
	a.Watch(id)

	ch, cancel, err := a.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}

	// A consumer ranging over the channel must terminate once the
	// subscription is cancelled, not block for the life of the process.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	cancel()
	cancel() // double cancel is a no-op

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer still ranging over the tick channel after cancel")
	}
}

func TestTimerStopClosesSubscriberChannels(t *testing.T) {
	a, _, _, id := newTimerFixture(t, 30*time.Minute)
	a.Watch(id)

	ch, cancel, err := a.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}

	a.Stop(id)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				// Cancelling after teardown must not panic on a closed channel.
				cancel()
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel still open after Stop")
		}
	}
}

func TestTimerCancelDetachesSubscriberOnly(t *testing.T) {
	a, _, clock, id := newTimerFixture(t, 30*time.Minute)
	a.Watch(id)

	_, cancel, err := a.Subscribe(id)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	// The countdown survives its subscribers: remaining time keeps
	// draining with nobody attached.
	clock.Advance(10 * time.Minute)
	rem, err := a.Remaining(id)
	if err != nil {
		t.Fatal(err)
	}
	if rem != 20*time.Minute {
		t.Errorf("Remaining = %v, want 20m", rem)
	}
}
