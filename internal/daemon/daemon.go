package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/internal/api/rest"
	"github.com/avollmer/clockout/internal/gitwatch"
	"github.com/avollmer/clockout/internal/pipeline"
	"github.com/avollmer/clockout/internal/ticket"
	"github.com/avollmer/clockout/internal/timer"
	"github.com/avollmer/clockout/pkg/types"
)

// ErrNoActiveTicket is returned by submit when no ticket is associated.
var ErrNoActiveTicket = errors.New("no active ticket to log time against")

// Daemon wires the branch monitor, ticket resolver, timer and logging
// pipeline together and pushes state to the host UI.
type Daemon struct {
	monitor  *gitwatch.Monitor
	resolver *ticket.Resolver
	timer    *timer.Timer
	pipe     *pipeline.Pipeline
	events   *rest.Broadcaster
	logger   *zap.Logger

	mu        sync.Mutex
	workspace string
	branch    string
	current   *types.TicketInfo
}

// New creates a daemon.
func New(
	monitor *gitwatch.Monitor,
	resolver *ticket.Resolver,
	tm *timer.Timer,
	pipe *pipeline.Pipeline,
	events *rest.Broadcaster,
	logger *zap.Logger,
) *Daemon {
	return &Daemon{
		monitor:  monitor,
		resolver: resolver,
		timer:    tm,
		pipe:     pipe,
		events:   events,
		logger:   logger,
	}
}

// Run consumes monitor events until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.monitor.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.monitor.BranchChanges():
			d.handleBranchChange(ev)
		case ev := <-d.monitor.Commits():
			d.handleCommit(ev)
		}
	}
}

func (d *Daemon) handleBranchChange(ev types.BranchChangeEvent) {
	d.events.Publish(rest.Event{Type: "branch-info", Payload: map[string]string{
		"workspace": ev.WorkspacePath,
		"previous":  ev.Previous,
		"branch":    ev.Branch,
	}})

	d.mu.Lock()
	d.workspace = ev.WorkspacePath
	d.branch = ev.Branch
	running := d.timer.Snapshot().Running
	d.mu.Unlock()

	if running {
		// Never hijack a session that is actively billing.
		d.events.Notify("info", fmt.Sprintf("Branch changed to %s while the timer is running; keeping the current session.", ev.Branch))
		return
	}

	info, err := d.resolver.ResolveBranch(ev.Branch)
	if err != nil {
		d.logger.Warn("ticket resolution failed",
			zap.String("branch", ev.Branch),
			zap.Error(err),
		)
		return
	}

	d.setCurrent(info)
}

func (d *Daemon) handleCommit(ev types.CommitEvent) {
	// The monitor already retains the message for worklog notes; the host
	// just gets a nudge that work is being committed.
	d.logger.Debug("commit observed",
		zap.String("branch", ev.Branch),
		zap.String("hash", ev.Hash),
	)
}

func (d *Daemon) setCurrent(info *types.TicketInfo) {
	d.mu.Lock()
	d.current = info
	d.mu.Unlock()

	if info == nil {
		d.timer.ClearTicket()
		d.events.Publish(rest.Event{Type: "ticket-info", Payload: nil})
		return
	}

	d.timer.SetTicket(info.Key, info.ProjectKey)
	d.events.Publish(rest.Event{Type: "ticket-info", Payload: map[string]string{
		"key":          info.Key,
		"project_key":  info.ProjectKey,
		"project_name": info.ProjectName,
		"summary":      info.Summary,
		"status":       info.Status,
	}})
}

// StartTimer starts the timer, re-arming the ticket association if a
// previous reset cleared it.
func (d *Daemon) StartTimer() error {
	d.mu.Lock()
	current := d.current
	d.mu.Unlock()

	if current != nil && d.timer.Snapshot().TicketKey == "" {
		if err := d.timer.SetTicket(current.Key, current.ProjectKey); err != nil {
			return err
		}
	}

	if err := d.timer.Start(); err != nil {
		return err
	}
	d.publishUpdate()
	return nil
}

// StopTimer pauses the timer.
func (d *Daemon) StopTimer() {
	d.timer.Stop()
	d.publishUpdate()
}

// ResumeTimer continues a paused session.
func (d *Daemon) ResumeTimer() error {
	if err := d.timer.Resume(); err != nil {
		return err
	}
	d.publishUpdate()
	return nil
}

// ResetTimer zeroes the session.
func (d *Daemon) ResetTimer() {
	d.timer.Reset()
	d.publishUpdate()
}

// State reports the daemon's view for host reconnects.
func (d *Daemon) State() rest.State {
	d.mu.Lock()
	workspace, branch, current := d.workspace, d.branch, d.current
	d.mu.Unlock()

	s := rest.State{
		Workspace: workspace,
		Branch:    branch,
		Time:      d.timer.Display(),
		IsRunning: d.timer.Snapshot().Running,
	}
	if current != nil {
		s.TicketKey = current.Key
		s.Summary = current.Summary
	}
	return s
}

// SubmitTimer stops the timer and logs its elapsed time to both backends,
// resetting the session on success.
func (d *Daemon) SubmitTimer(description string) (*pipeline.Result, error) {
	d.mu.Lock()
	current := d.current
	workspace := d.workspace
	d.mu.Unlock()

	if current == nil {
		return nil, ErrNoActiveTicket
	}

	d.timer.Stop()
	minutes := d.timer.ElapsedMinutes()
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: less than a minute elapsed", pipeline.ErrInvalidDuration)
	}

	if description == "" {
		description = d.monitor.LastCommitMessage(workspace)
	}

	result, err := d.pipe.LogMinutes(current.Key, minutes, description)
	if err != nil {
		d.events.Notify("error", fmt.Sprintf("Time logging failed: %v", err))
		return nil, err
	}

	d.timer.Reset()
	d.publishUpdate()
	d.notifyResult(result)
	return result, nil
}

// LogManual runs the pipeline for an explicit ticket and duration string,
// bypassing the timer.
func (d *Daemon) LogManual(ticketKey, duration, description string) (*pipeline.Result, error) {
	result, err := d.pipe.LogDuration(ticketKey, duration, description)
	if err != nil {
		d.events.Notify("error", fmt.Sprintf("Time logging failed: %v", err))
		return nil, err
	}
	d.notifyResult(result)
	return result, nil
}

func (d *Daemon) notifyResult(result *pipeline.Result) {
	switch {
	case result.SecondarySucceeded && result.UsedFallback:
		d.events.Notify("warning", fmt.Sprintf("Logged %d minutes to %s; billing entry used the fallback project %q.", result.Minutes, result.TicketKey, result.Project))
	case result.SecondarySucceeded:
		d.events.Notify("info", fmt.Sprintf("Logged %d minutes to %s and billing project %q.", result.Minutes, result.TicketKey, result.Project))
	default:
		d.events.Notify("warning", fmt.Sprintf("Logged %d minutes to %s; billing entry failed: %s", result.Minutes, result.TicketKey, result.SecondaryError))
	}
}

func (d *Daemon) publishUpdate() {
	d.events.Publish(rest.Event{Type: "update", Payload: rest.UpdatePayload{
		Time:      d.timer.Display(),
		IsRunning: d.timer.Snapshot().Running,
	}})
}
