package timer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimerRunning is returned by start/resume while the timer runs.
	ErrTimerRunning = errors.New("timer is already running")
	// ErrNoTicket is returned by start when no ticket is associated.
	ErrNoTicket = errors.New("no ticket associated with timer")
	// ErrNotAuthenticated is returned by start when the ticket store
	// rejects the current identity.
	ErrNotAuthenticated = errors.New("not authenticated against ticket store")
	// ErrNothingToResume is returned by resume when no time has accrued.
	ErrNothingToResume = errors.New("nothing to resume")
)

// AuthChecker verifies that the ticket store still accepts the identity.
type AuthChecker interface {
	CheckAuth() bool
}

// Session is the single mutable timer state, one instance per workspace.
type Session struct {
	StartTime  time.Time
	ElapsedMS  int64
	Running    bool
	TicketKey  string
	ProjectKey string
}

// Timer owns elapsed-time accounting and the start/stop/resume/reset
// transitions. A 1-second tick publishes the display value while running
// and a coarser tick re-validates authentication; losing auth mid-session
// force-stops the timer.
type Timer struct {
	mu      sync.Mutex
	session Session

	logger *zap.Logger
	auth   AuthChecker
	now    func() time.Time

	displayInterval time.Duration
	authInterval    time.Duration

	onUpdate   func(display string, running bool)
	onAuthLost func()

	stopTick chan struct{}
	tickWG   sync.WaitGroup
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Timer) { t.now = now }
}

// WithIntervals overrides the display and auth tick cadences.
func WithIntervals(display, auth time.Duration) Option {
	return func(t *Timer) {
		t.displayInterval = display
		t.authInterval = auth
	}
}

// WithUpdateFunc registers the periodic display callback.
func WithUpdateFunc(fn func(display string, running bool)) Option {
	return func(t *Timer) { t.onUpdate = fn }
}

// WithAuthLostFunc registers the callback fired after a force-stop.
func WithAuthLostFunc(fn func()) Option {
	return func(t *Timer) { t.onAuthLost = fn }
}

// New creates an idle timer.
func New(auth AuthChecker, logger *zap.Logger, opts ...Option) *Timer {
	t := &Timer{
		logger:          logger,
		auth:            auth,
		now:             time.Now,
		displayInterval: time.Second,
		authInterval:    30 * time.Second,
		onUpdate:        func(string, bool) {},
		onAuthLost:      func() {},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTicket associates a ticket with the session. Rejected while running.
func (t *Timer) SetTicket(ticketKey, projectKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session.Running {
		return ErrTimerRunning
	}
	t.session.TicketKey = ticketKey
	t.session.ProjectKey = projectKey
	return nil
}

// ClearTicket drops the ticket association. Rejected while running.
func (t *Timer) ClearTicket() error {
	return t.SetTicket("", "")
}

// Start begins accruing time. Any previously accumulated elapsed time is
// preserved by back-dating the start timestamp.
func (t *Timer) Start() error {
	t.mu.Lock()
	if t.session.Running {
		t.mu.Unlock()
		return ErrTimerRunning
	}
	if t.session.TicketKey == "" {
		t.mu.Unlock()
		return ErrNoTicket
	}
	t.mu.Unlock()

	// Auth check happens outside the lock, it is a network call.
	if !t.auth.CheckAuth() {
		return ErrNotAuthenticated
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session.Running {
		return ErrTimerRunning
	}

	t.session.Running = true
	t.session.StartTime = t.now().Add(-time.Duration(t.session.ElapsedMS) * time.Millisecond)
	t.startTicksLocked()

	t.logger.Info("timer started",
		zap.String("ticket", t.session.TicketKey),
		zap.Int64("elapsed_ms", t.session.ElapsedMS),
	)
	return nil
}

// Stop halts accrual. Stopping an idle timer is a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Timer) stopLocked() {
	if !t.session.Running {
		return
	}
	t.session.ElapsedMS = t.now().Sub(t.session.StartTime).Milliseconds()
	t.session.Running = false
	t.stopTicksLocked()

	t.logger.Info("timer stopped",
		zap.String("ticket", t.session.TicketKey),
		zap.Int64("elapsed_ms", t.session.ElapsedMS),
	)
}

// Resume continues a paused session.
func (t *Timer) Resume() error {
	t.mu.Lock()
	if t.session.Running {
		t.mu.Unlock()
		return ErrTimerRunning
	}
	if t.session.ElapsedMS == 0 {
		t.mu.Unlock()
		return ErrNothingToResume
	}
	t.mu.Unlock()
	return t.Start()
}

// Reset zeroes the session unconditionally and clears the ticket
// association.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTicksLocked()
	t.session = Session{}
	t.logger.Info("timer reset")
}

// Elapsed reports accrued time, live while running.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Timer) elapsedLocked() time.Duration {
	if t.session.Running {
		return t.now().Sub(t.session.StartTime)
	}
	return time.Duration(t.session.ElapsedMS) * time.Millisecond
}

// ElapsedMinutes reports accrued time rounded to the nearest minute, the
// unit both backends accept.
func (t *Timer) ElapsedMinutes() int {
	ms := t.Elapsed().Milliseconds()
	return int((ms + 30_000) / 60_000)
}

// Display reports accrued time as zero-padded HH:MM:SS, floored to whole
// seconds.
func (t *Timer) Display() string {
	return FormatDuration(t.Elapsed())
}

// Snapshot returns a copy of the current session.
func (t *Timer) Snapshot() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	s.ElapsedMS = t.elapsedLocked().Milliseconds()
	return s
}

// Dispose cancels any running ticks. The timer must not be used after.
func (t *Timer) Dispose() {
	t.mu.Lock()
	t.stopTicksLocked()
	t.mu.Unlock()
	t.tickWG.Wait()
}

func (t *Timer) startTicksLocked() {
	stop := make(chan struct{})
	t.stopTick = stop

	t.tickWG.Add(1)
	go func() {
		defer t.tickWG.Done()
		display := time.NewTicker(t.displayInterval)
		auth := time.NewTicker(t.authInterval)
		defer display.Stop()
		defer auth.Stop()

		for {
			select {
			case <-stop:
				return
			case <-display.C:
				t.onUpdate(t.Display(), true)
			case <-auth.C:
				if t.auth.CheckAuth() {
					continue
				}
				// Never keep billing an unauthenticated session.
				t.logger.Warn("authentication lost, force-stopping timer")
				t.Stop()
				t.onUpdate(t.Display(), false)
				t.onAuthLost()
				return
			}
		}
	}()
}

func (t *Timer) stopTicksLocked() {
	if t.stopTick != nil {
		close(t.stopTick)
		t.stopTick = nil
	}
}

// FormatDuration renders a duration as HH:MM:SS, flooring to seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
