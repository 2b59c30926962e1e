package timer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)}
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

type fakeAuth struct {
	mu sync.Mutex
	ok bool
}

func (a *fakeAuth) CheckAuth() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ok
}

func (a *fakeAuth) set(ok bool) {
	a.mu.Lock()
	a.ok = ok
	a.mu.Unlock()
}

func newTestTimer(t *testing.T, auth *fakeAuth, clock *fakeClock, opts ...Option) *Timer {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.Now),
		WithIntervals(time.Hour, time.Hour), // ticks inert unless a test overrides
	}, opts...)
	tm := New(auth, zap.NewNop(), opts...)
	t.Cleanup(tm.Dispose)
	return tm
}

func TestStartStopElapsed(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimer(t, &fakeAuth{ok: true}, clock)

	if err := tm.SetTicket("PROJ-1", "PROJ"); err != nil {
		t.Fatalf("SetTicket: %v", err)
	}
	if err := tm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(5 * time.Second)
	tm.Stop()

	if got := tm.Elapsed(); got != 5*time.Second {
		t.Errorf("Elapsed = %v, want 5s", got)
	}
	if got := tm.Display(); got != "00:00:05" {
		t.Errorf("Display = %q, want 00:00:05", got)
	}
}

func TestStartGuards(t *testing.T) {
	clock := newFakeClock()

	t.Run("no ticket", func(t *testing.T) {
		tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
		if err := tm.Start(); !errors.Is(err, ErrNoTicket) {
			t.Errorf("Start = %v, want ErrNoTicket", err)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		tm := newTestTimer(t, &fakeAuth{ok: false}, clock)
		tm.SetTicket("PROJ-1", "PROJ")
		if err := tm.Start(); !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("Start = %v, want ErrNotAuthenticated", err)
		}
	})

	t.Run("already running", func(t *testing.T) {
		tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
		tm.SetTicket("PROJ-1", "PROJ")
		if err := tm.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		before := tm.Snapshot()
		if err := tm.Start(); !errors.Is(err, ErrTimerRunning) {
			t.Errorf("second Start = %v, want ErrTimerRunning", err)
		}
		after := tm.Snapshot()
		if before.StartTime != after.StartTime {
			t.Error("rejected Start mutated the session")
		}
	})
}

func TestResumePreservesElapsed(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
	tm.SetTicket("PROJ-1", "PROJ")

	tm.Start()
	clock.Advance(3 * time.Second)
	tm.Stop()

	clock.Advance(10 * time.Minute) // paused time does not accrue

	if err := tm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	clock.Advance(2 * time.Second)
	tm.Stop()

	if got := tm.Elapsed(); got != 5*time.Second {
		t.Errorf("Elapsed = %v, want 5s", got)
	}
}

func TestResumeGuards(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
	tm.SetTicket("PROJ-1", "PROJ")

	if err := tm.Resume(); !errors.Is(err, ErrNothingToResume) {
		t.Errorf("Resume on fresh timer = %v, want ErrNothingToResume", err)
	}

	tm.Start()
	if err := tm.Resume(); !errors.Is(err, ErrTimerRunning) {
		t.Errorf("Resume while running = %v, want ErrTimerRunning", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
	tm.SetTicket("PROJ-1", "PROJ")

	tm.Start()
	clock.Advance(7 * time.Second)
	tm.Stop()

	clock.Advance(time.Minute)
	tm.Stop() // no-op

	if got := tm.Elapsed(); got != 7*time.Second {
		t.Errorf("Elapsed after double stop = %v, want 7s", got)
	}
}

func TestResetAlwaysZeroes(t *testing.T) {
	clock := newFakeClock()
	tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
	tm.SetTicket("PROJ-1", "PROJ")

	tm.Start()
	clock.Advance(90 * time.Second)
	tm.Reset()

	s := tm.Snapshot()
	if s.Running || s.ElapsedMS != 0 || s.TicketKey != "" {
		t.Errorf("session after reset = %+v, want zeroed", s)
	}
	if got := tm.Display(); got != "00:00:00" {
		t.Errorf("Display = %q, want 00:00:00", got)
	}
}

func TestElapsedMinutesRounds(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{29 * time.Second, 0},
		{30 * time.Second, 1},
		{90 * time.Second, 2},
		{25 * time.Minute, 25},
		{25*time.Minute + 29*time.Second, 25},
		{25*time.Minute + 31*time.Second, 26},
	}

	clock := newFakeClock()
	for _, tt := range tests {
		tm := newTestTimer(t, &fakeAuth{ok: true}, clock)
		tm.SetTicket("PROJ-1", "PROJ")
		tm.Start()
		clock.Advance(tt.elapsed)
		tm.Stop()
		if got := tm.ElapsedMinutes(); got != tt.want {
			t.Errorf("ElapsedMinutes(%v) = %d, want %d", tt.elapsed, got, tt.want)
		}
	}
}

func TestAuthLossForceStops(t *testing.T) {
	clock := newFakeClock()
	auth := &fakeAuth{ok: true}

	lost := make(chan struct{})
	tm := New(auth, zap.NewNop(),
		WithClock(clock.Now),
		WithIntervals(time.Hour, 5*time.Millisecond),
		WithAuthLostFunc(func() { close(lost) }),
	)
	defer tm.Dispose()

	tm.SetTicket("PROJ-1", "PROJ")
	if err := tm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	auth.set(false)

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not force-stop after auth loss")
	}

	if tm.Snapshot().Running {
		t.Error("timer still running after auth loss")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{5 * time.Second, "00:00:05"},
		{999 * time.Millisecond, "00:00:00"},
		{61 * time.Second, "00:01:01"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
		{25 * time.Hour, "25:00:00"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
