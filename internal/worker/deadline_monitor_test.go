package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    int
	failures int
	fired    chan uuid.UUID
}

func newFakeSubmitter(failures int) *fakeSubmitter {
	return &fakeSubmitter{failures: failures, fired: make(chan uuid.UUID, 16)}
}

func (f *fakeSubmitter) ForceSubmit(_ context.Context, attemptID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("store unavailable")
	}
	f.fired <- attemptID
	return nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for goroutine to exit")
	}
}

func TestDeadlineMonitor_FiresOnceAtDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	sub := newFakeSubmitter(0)
	id := uuid.New()

	var ticks atomic.Int32
	m := NewDeadlineMonitor(id, clock.Now().Add(time.Minute), sub, DeadlineMonitorConfig{
		Tick:   5 * time.Millisecond,
		Now:    clock.Now,
		OnTick: func(time.Duration) { ticks.Add(1) },
	}, zerolog.Nop())
	m.Arm(context.Background())
	m.Arm(context.Background())

	time.Sleep(20 * time.Millisecond)
	if sub.Calls() != 0 {
		t.Fatal("monitor fired before the deadline")
	}

	clock.Advance(time.Minute)
	select {
	case got := <-sub.fired:
		if got != id {
			t.Fatalf("fired for %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not fire after the deadline")
	}

	waitClosed(t, m.Done())
	if sub.Calls() != 1 {
		t.Fatalf("ForceSubmit called %d times, want 1", sub.Calls())
	}
	if ticks.Load() == 0 {
		t.Fatal("OnTick never called")
	}
	m.Disarm()
}

func TestDeadlineMonitor_RetriesUntilSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sub := newFakeSubmitter(2)

	m := NewDeadlineMonitor(uuid.New(), clock.Now(), sub, DeadlineMonitorConfig{
		Tick:    5 * time.Millisecond,
		Backoff: 5 * time.Millisecond,
		Now:     clock.Now,
	}, zerolog.Nop())
	m.Arm(context.Background())

	select {
	case <-sub.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor gave up retrying")
	}
	waitClosed(t, m.Done())
	if sub.Calls() != 3 {
		t.Fatalf("ForceSubmit called %d times, want 3", sub.Calls())
	}
}

func TestDeadlineMonitor_DisarmPreventsSubmit(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	sub := newFakeSubmitter(0)

	m := NewDeadlineMonitor(uuid.New(), clock.Now().Add(time.Minute), sub, DeadlineMonitorConfig{
		Tick: 5 * time.Millisecond,
		Now:  clock.Now,
	}, zerolog.Nop())
	m.Arm(context.Background())
	m.Disarm()
	m.Disarm()
	waitClosed(t, m.Done())

	clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if sub.Calls() != 0 {
		t.Fatal("disarmed monitor submitted")
	}
}

func TestDeadlineMonitor_DisarmBeforeArm(t *testing.T) {
	sub := newFakeSubmitter(0)
	m := NewDeadlineMonitor(uuid.New(), time.Now(), sub, DeadlineMonitorConfig{Tick: time.Millisecond}, zerolog.Nop())

	m.Disarm()
	waitClosed(t, m.Done())

	m.Arm(context.Background())
	time.Sleep(10 * time.Millisecond)
	if sub.Calls() != 0 {
		t.Fatal("monitor armed after Disarm")
	}
}

func TestDeadlineMonitor_Remaining(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	m := NewDeadlineMonitor(uuid.New(), clock.Now().Add(90*time.Second), newFakeSubmitter(0), DeadlineMonitorConfig{Now: clock.Now}, zerolog.Nop())

	if got := m.Remaining(); got != 90*time.Second {
		t.Fatalf("Remaining = %v, want 90s", got)
	}
	clock.Advance(2 * time.Minute)
	if got := m.Remaining(); got != 0 {
		t.Fatalf("Remaining past deadline = %v, want 0", got)
	}
}
