package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

var (
	// ErrLogInFlight is returned when a second logging run starts while
	// one is still running. Billing-store writes must never race.
	ErrLogInFlight = errors.New("a time logging operation is already in flight")
	// ErrNotAuthenticated aborts a run before any backend call.
	ErrNotAuthenticated = errors.New("not authenticated against ticket store")
	// ErrTicketNotFound aborts a run when verification fails.
	ErrTicketNotFound = errors.New("ticket not found or not accessible")
)

// TicketStore is the primary logging backend.
type TicketStore interface {
	VerifyTicketExists(key string) (bool, error)
	GetTicketDetails(key string) (*types.TicketInfo, error)
	SubmitWorklog(key string, minutes int, comment string) error
	BaseURL() string
}

// BillingStore is the secondary logging backend.
type BillingStore interface {
	CreateTimeEntry(entry types.NewTimeEntry) (int64, error)
}

// ProjectResolver matches the ticket project to a billing project.
type ProjectResolver interface {
	Resolve(projectKey, searchTerm string) (*types.ProjectMatch, error)
	FirstAvailable() (*types.BillingProject, error)
}

// ServiceResolver picks the billing service for an entry.
type ServiceResolver interface {
	Resolve(personID, projectID int64) (*types.ServiceCandidate, error)
}

// AuthChecker gates a run on ticket store authentication.
type AuthChecker interface {
	CheckAuth() bool
}

// ServiceMemory remembers the last service a successful run used, which
// feeds the degraded fallback path.
type ServiceMemory interface {
	LastServiceID() int64
	SetLastServiceID(id int64)
}

// Result aggregates a run's outcome. The primary backend succeeding with
// the secondary failing is a partial success, not an error.
type Result struct {
	TicketKey          string
	Minutes            int
	PrimarySucceeded   bool
	SecondarySucceeded bool
	SecondaryError     string
	UsedFallback       bool
	Project            string
	Service            string
	Confidence         types.Confidence
}

// Pipeline orchestrates the dual-backend submission: verify ticket, log the
// worklog, match the billing project, discover the service, create the
// billing entry.
type Pipeline struct {
	tickets  TicketStore
	billing  BillingStore
	projects ProjectResolver
	services ServiceResolver
	auth     AuthChecker
	memory   ServiceMemory
	logger   *zap.Logger

	personID int64
	now      func() time.Time

	// lastNote returns the most recent commit message, empty when none
	// has been seen.
	lastNote func() string

	mu       sync.Mutex
	inFlight bool
}

// New creates a pipeline.
func New(
	tickets TicketStore,
	billing BillingStore,
	projects ProjectResolver,
	services ServiceResolver,
	auth AuthChecker,
	memory ServiceMemory,
	personID int64,
	lastNote func() string,
	logger *zap.Logger,
) *Pipeline {
	if lastNote == nil {
		lastNote = func() string { return "" }
	}
	return &Pipeline{
		tickets:  tickets,
		billing:  billing,
		projects: projects,
		services: services,
		auth:     auth,
		memory:   memory,
		logger:   logger,
		personID: personID,
		now:      time.Now,
		lastNote: lastNote,
	}
}

// LogDuration parses a duration string and runs the pipeline.
func (p *Pipeline) LogDuration(ticketKey, duration, description string) (*Result, error) {
	minutes, err := ParseDuration(duration)
	if err != nil {
		return nil, err
	}
	return p.LogMinutes(ticketKey, minutes, description)
}

// LogMinutes runs the full dual-backend submission for a ticket.
func (p *Pipeline) LogMinutes(ticketKey string, minutes int, description string) (*Result, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidDuration, minutes)
	}

	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil, ErrLogInFlight
	}
	p.inFlight = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	if !p.auth.CheckAuth() {
		return nil, ErrNotAuthenticated
	}

	// Step 1: verify the ticket. Fatal on failure — no billing attempt
	// without a verified ticket.
	exists, err := p.tickets.VerifyTicketExists(ticketKey)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketKey)
	}
	info, err := p.tickets.GetTicketDetails(ticketKey)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}

	// Step 2: primary backend. Fatal on failure — the secondary depends
	// on the worklog landing first.
	comment := description
	if comment == "" {
		comment = p.note(ticketKey)
	}
	if err := p.tickets.SubmitWorklog(ticketKey, minutes, comment); err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}

	result := &Result{
		TicketKey:        ticketKey,
		Minutes:          minutes,
		PrimarySucceeded: true,
	}

	// Steps 3-5: secondary backend. Failures degrade to partial success.
	p.logSecondary(info, minutes, comment, result)

	p.logger.Info("time logging complete",
		zap.String("ticket", ticketKey),
		zap.Int("minutes", minutes),
		zap.Bool("secondary", result.SecondarySucceeded),
		zap.Bool("fallback", result.UsedFallback),
	)

	return result, nil
}

// logSecondary resolves project and service, then creates the billing
// entry. It only mutates result, never returns an error: the caller treats
// a failed secondary as a partial success.
func (p *Pipeline) logSecondary(info *types.TicketInfo, minutes int, comment string, result *Result) {
	projectID, serviceFixed, ok := p.resolveProject(info, result)
	if !ok {
		return
	}

	var serviceID int64
	var serviceName string
	if serviceFixed != 0 {
		serviceID = serviceFixed
		result.Confidence = types.ConfidenceLow
	} else {
		candidate, err := p.services.Resolve(p.personID, projectID)
		if err != nil {
			result.SecondaryError = fmt.Sprintf("billing store: service discovery: %v", err)
			p.logger.Warn("secondary logging abandoned, no service resolved",
				zap.String("ticket", info.Key),
				zap.Error(err),
			)
			return
		}
		serviceID = candidate.ID
		serviceName = candidate.Name
		result.Confidence = candidate.Confidence
		p.logger.Info("service discovered",
			zap.Int64("service_id", candidate.ID),
			zap.String("confidence", string(candidate.Confidence)),
			zap.String("reason", candidate.Reason),
		)
	}

	entry := types.NewTimeEntry{
		PersonID:  p.personID,
		ProjectID: projectID,
		ServiceID: serviceID,
		Minutes:   minutes,
		// Local calendar day, not UTC.
		Date:        p.now().Local(),
		Note:        comment,
		ExternalRef: fmt.Sprintf("%s (%s/browse/%s)", info.Key, p.tickets.BaseURL(), info.Key),
	}

	if _, err := p.billing.CreateTimeEntry(entry); err != nil {
		result.SecondaryError = fmt.Sprintf("billing integration failed: %v", err)
		p.logger.Warn("secondary submission failed",
			zap.String("ticket", info.Key),
			zap.Error(err),
		)
		return
	}

	result.SecondarySucceeded = true
	result.Service = serviceName
	if p.memory != nil {
		p.memory.SetLastServiceID(serviceID)
	}
}

// resolveProject runs the matcher and, when every tier fails, the explicit
// degraded fallback: last-known service plus the first available project.
// The returned service id is non-zero only on the fallback path.
func (p *Pipeline) resolveProject(info *types.TicketInfo, result *Result) (projectID, serviceID int64, ok bool) {
	match, err := p.projects.Resolve(info.ProjectKey, info.ProjectName)
	if err == nil {
		result.Project = match.Name
		return match.ID, 0, true
	}

	p.logger.Warn("FALLBACK: project matching failed, trying last-known service with first available project",
		zap.String("ticket", info.Key),
		zap.String("project_name", info.ProjectName),
		zap.Error(err),
	)

	var lastService int64
	if p.memory != nil {
		lastService = p.memory.LastServiceID()
	}
	if lastService == 0 {
		result.SecondaryError = fmt.Sprintf("billing store: %v (no previously-used service to fall back to)", err)
		return 0, 0, false
	}

	first, ferr := p.projects.FirstAvailable()
	if ferr != nil {
		result.SecondaryError = fmt.Sprintf("billing store: %v (fallback also failed: %v)", err, ferr)
		return 0, 0, false
	}

	result.Project = first.Name
	result.UsedFallback = true
	return first.ID, lastService, true
}

// note builds the billing/worklog note: the most recent commit message if
// the monitor has seen one, otherwise a generated placeholder.
func (p *Pipeline) note(ticketKey string) string {
	if msg := p.lastNote(); msg != "" {
		return msg
	}
	return fmt.Sprintf("Work on %s", ticketKey)
}
