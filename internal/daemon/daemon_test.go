package daemon

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/internal/api/rest"
	"github.com/avollmer/clockout/internal/gitwatch"
	"github.com/avollmer/clockout/internal/match"
	"github.com/avollmer/clockout/internal/pipeline"
	"github.com/avollmer/clockout/internal/ticket"
	"github.com/avollmer/clockout/internal/timer"
	"github.com/avollmer/clockout/pkg/types"
)

// backendFake plays the ticket store for the resolver, the pipeline and the
// timer's auth check at once.
type backendFake struct {
	mu       sync.Mutex
	tickets  map[string]*types.TicketInfo
	worklogs map[string]int
}

func newBackendFake(tickets ...*types.TicketInfo) *backendFake {
	f := &backendFake{
		tickets:  make(map[string]*types.TicketInfo),
		worklogs: make(map[string]int),
	}
	for _, ti := range tickets {
		f.tickets[ti.Key] = ti
	}
	return f
}

func (f *backendFake) VerifyTicketExists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tickets[key]
	return ok, nil
}

func (f *backendFake) GetTicketDetails(key string) (*types.TicketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickets[key], nil
}

func (f *backendFake) SubmitWorklog(key string, minutes int, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worklogs[key] += minutes
	return nil
}

func (f *backendFake) BaseURL() string { return "https://tickets.example.com" }

func (f *backendFake) CheckAuth() bool { return true }

type billingFake struct {
	mu       sync.Mutex
	projects []types.BillingProject
	services []types.BillingService
	history  []types.TimeEntry
	entries  []types.NewTimeEntry
}

func (f *billingFake) ListProjects(page int) ([]types.BillingProject, error) {
	if page > 1 {
		return nil, nil
	}
	return f.projects, nil
}

func (f *billingFake) ListServices(projectID int64) ([]types.BillingService, error) {
	return f.services, nil
}

func (f *billingFake) GetTimeEntries(filter types.TimeEntryFilter) ([]types.TimeEntry, error) {
	return f.history, nil
}

func (f *billingFake) CreateTimeEntry(e types.NewTimeEntry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

type memoryFake struct{ last int64 }

func (m *memoryFake) LastServiceID() int64 { return m.last }

func (m *memoryFake) SetLastServiceID(id int64) { m.last = id }

type mappingsFake struct{}

func (mappingsFake) ProjectID(string) (int64, bool) { return 0, false }

func (mappingsFake) Alias(string) (string, bool) { return "", false }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	daemon  *Daemon
	backend *backendFake
	billing *billingFake
	reader  *scriptedHeads
	events  chan rest.Event
	clock   *clock
}

type scriptedHeads struct {
	mu    sync.Mutex
	heads map[string]*gitwatch.HeadState
}

func (s *scriptedHeads) set(path string, h *gitwatch.HeadState) {
	s.mu.Lock()
	s.heads[path] = h
	s.mu.Unlock()
}

func (s *scriptedHeads) read(path string) (*gitwatch.HeadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.heads[path]; ok {
		return h, nil
	}
	return nil, gitwatch.ErrNotRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	backend := newBackendFake(&types.TicketInfo{
		Key: "PROJ-42", ProjectKey: "PROJ", ProjectName: "Phoenix", Summary: "Fix resolver",
	})
	billing := &billingFake{
		projects: []types.BillingProject{{ID: 10, Name: "Phoenix"}},
		services: []types.BillingService{{ID: 100, Name: "Development"}},
		history:  []types.TimeEntry{{ServiceID: 100, ProjectID: 10, PersonID: 7}},
	}

	reader := &scriptedHeads{heads: make(map[string]*gitwatch.HeadState)}
	monitor := gitwatch.NewMonitor([]string{"/ws/app"}, time.Hour, logger, gitwatch.WithHeadReader(reader.read))
	resolver := ticket.NewResolver(backend, logger)

	clk := &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)}
	tm := timer.New(backend, logger,
		timer.WithClock(clk.Now),
		timer.WithIntervals(time.Hour, time.Hour),
	)
	t.Cleanup(tm.Dispose)

	matcher := match.NewProjectMatcher(billing, mappingsFake{}, logger)
	discoverer := match.NewServiceDiscoverer(billing, nil, logger)
	pipe := pipeline.New(backend, billing, matcher, discoverer, backend, &memoryFake{}, 7,
		func() string { return monitor.LastCommitMessage("/ws/app") }, logger)

	events := rest.NewBroadcaster(logger)
	t.Cleanup(events.Close)
	sub := events.Subscribe()

	d := New(monitor, resolver, tm, pipe, events, logger)
	return &harness{daemon: d, backend: backend, billing: billing, reader: reader, events: sub, clock: clk}
}

// scanOnce triggers one monitor pass and lets the daemon drain its events.
func (h *harness) scanOnce(t *testing.T, ctx context.Context) {
	t.Helper()
	h.daemon.monitor.Scan(ctx)
	// Drain the monitor channels the way Run does, without the ticker.
	for {
		select {
		case ev := <-h.daemon.monitor.BranchChanges():
			h.daemon.handleBranchChange(ev)
		case ev := <-h.daemon.monitor.Commits():
			h.daemon.handleCommit(ev)
		default:
			return
		}
	}
}

func (h *harness) waitEvent(t *testing.T, eventType string) rest.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event received", eventType)
		}
	}
}

func TestBranchToSubmissionFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Checkout of a ticket branch resolves and arms the timer.
	h.reader.set("/ws/app", &gitwatch.HeadState{Branch: "feature/PROJ-42", Hash: "aaa"})
	h.scanOnce(t, ctx)
	h.waitEvent(t, "branch-info")
	h.waitEvent(t, "ticket-info")

	state := h.daemon.State()
	if state.TicketKey != "PROJ-42" || state.Branch != "feature/PROJ-42" {
		t.Fatalf("state = %+v", state)
	}

	// Work for 25 minutes with a commit along the way.
	if err := h.daemon.StartTimer(); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	h.clock.Advance(20 * time.Minute)
	h.reader.set("/ws/app", &gitwatch.HeadState{Branch: "feature/PROJ-42", Hash: "bbb", Message: "PROJ-42 fix resolver"})
	h.scanOnce(t, ctx)
	h.clock.Advance(5 * time.Minute)

	result, err := h.daemon.SubmitTimer("")
	if err != nil {
		t.Fatalf("SubmitTimer: %v", err)
	}
	if !result.PrimarySucceeded || !result.SecondarySucceeded {
		t.Fatalf("result = %+v", result)
	}
	if result.Minutes != 25 {
		t.Errorf("Minutes = %d, want 25", result.Minutes)
	}

	if h.backend.worklogs["PROJ-42"] != 25 {
		t.Errorf("worklog minutes = %d, want 25", h.backend.worklogs["PROJ-42"])
	}
	if len(h.billing.entries) != 1 {
		t.Fatalf("billing entries = %d, want 1", len(h.billing.entries))
	}
	entry := h.billing.entries[0]
	if entry.ProjectID != 10 || entry.ServiceID != 100 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Note != "PROJ-42 fix resolver" {
		t.Errorf("Note = %q, want the commit message", entry.Note)
	}

	// The session is reset after a successful submission.
	if s := h.daemon.State(); s.IsRunning || s.Time != "00:00:00" {
		t.Errorf("state after submit = %+v, want reset", s)
	}
}

func TestBranchChangeWhileRunningKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.reader.set("/ws/app", &gitwatch.HeadState{Branch: "feature/PROJ-42", Hash: "aaa"})
	h.scanOnce(t, ctx)

	if err := h.daemon.StartTimer(); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}

	h.reader.set("/ws/app", &gitwatch.HeadState{Branch: "main", Hash: "ccc"})
	h.scanOnce(t, ctx)

	state := h.daemon.State()
	if state.TicketKey != "PROJ-42" {
		t.Errorf("ticket = %q, want running session kept", state.TicketKey)
	}
	if !state.IsRunning {
		t.Error("timer stopped by branch change")
	}
}

func TestSubmitWithoutTicket(t *testing.T) {
	h := newHarness(t)

	if _, err := h.daemon.SubmitTimer(""); err == nil {
		t.Fatal("expected error with no active ticket")
	}
	if len(h.billing.entries) != 0 {
		t.Error("billing touched without a ticket")
	}
}

func TestManualLogNotifies(t *testing.T) {
	h := newHarness(t)

	result, err := h.daemon.LogManual("PROJ-42", "1h 30m", "pairing session")
	if err != nil {
		t.Fatalf("LogManual: %v", err)
	}
	if result.Minutes != 90 {
		t.Errorf("Minutes = %d, want 90", result.Minutes)
	}

	ev := h.waitEvent(t, "notification")
	payload, ok := ev.Payload.(rest.NotificationPayload)
	if !ok {
		t.Fatalf("payload = %T", ev.Payload)
	}
	if !strings.Contains(payload.Message, "90 minutes") {
		t.Errorf("message = %q", payload.Message)
	}
}
