package match

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

// ErrNoServicesAvailable is returned when every discovery tier has been
// exhausted.
var ErrNoServicesAvailable = errors.New("no services available")

// historyLookback bounds how far back historical-usage queries reach.
const historyLookback = 90 * 24 * time.Hour

// ServiceSource is the slice of the billing store that discovery reads.
type ServiceSource interface {
	ListServices(projectID int64) ([]types.BillingService, error)
	GetTimeEntries(filter types.TimeEntryFilter) ([]types.TimeEntry, error)
}

// Prober verifies write permission for a person/project/service triple.
// The live implementation creates and immediately deletes a 1-minute entry;
// tests and cautious deployments swap in something inert.
type Prober interface {
	Probe(personID, projectID, serviceID int64) error
}

// EntryWriter is the billing store slice the live prober needs.
type EntryWriter interface {
	CreateTimeEntry(entry types.NewTimeEntry) (int64, error)
	DeleteTimeEntry(id int64) error
}

// CreateDeleteProber performs the live permission probe. It is side
// effecting, acceptable only because the backend delete is idempotent.
type CreateDeleteProber struct {
	store  EntryWriter
	logger *zap.Logger
}

// NewCreateDeleteProber creates the live prober.
func NewCreateDeleteProber(store EntryWriter, logger *zap.Logger) *CreateDeleteProber {
	return &CreateDeleteProber{store: store, logger: logger}
}

// Probe creates a 1-minute entry and deletes it again. A create error means
// the candidate lacks write permission or fails validation.
func (p *CreateDeleteProber) Probe(personID, projectID, serviceID int64) error {
	id, err := p.store.CreateTimeEntry(types.NewTimeEntry{
		PersonID:  personID,
		ProjectID: projectID,
		ServiceID: serviceID,
		Minutes:   1,
		Date:      time.Now(),
		Note:      "permission probe",
	})
	if err != nil {
		return err
	}
	if err := p.store.DeleteTimeEntry(id); err != nil {
		// The probe entry survived; flag it loudly but the permission
		// question is already answered.
		p.logger.Error("failed to delete probe entry",
			zap.Int64("entry_id", id),
			zap.Error(err),
		)
	}
	return nil
}

// NoopProber accepts every candidate without touching the backend, used
// when probing is disabled in config.
type NoopProber struct{}

// Probe always succeeds.
func (NoopProber) Probe(personID, projectID, serviceID int64) error { return nil }

// ServiceDiscoverer guesses which billing service to attach to a time entry
// when no explicit mapping exists, by mining historical usage.
type ServiceDiscoverer struct {
	source ServiceSource
	prober Prober
	logger *zap.Logger
	now    func() time.Time
}

// NewServiceDiscoverer creates a discoverer. A nil prober disables
// permission verification.
func NewServiceDiscoverer(source ServiceSource, prober Prober, logger *zap.Logger) *ServiceDiscoverer {
	if prober == nil {
		prober = NoopProber{}
	}
	return &ServiceDiscoverer{source: source, prober: prober, logger: logger, now: time.Now}
}

// Resolve picks a service for the person/project pair. Tier errors are soft
// and fall through to the next tier; only full exhaustion fails.
func (d *ServiceDiscoverer) Resolve(personID, projectID int64) (*types.ServiceCandidate, error) {
	names := d.serviceNames(projectID)
	after := d.now().Add(-historyLookback)

	// Tier 1: the person's own history scoped to this project.
	if c := d.fromHistory(types.TimeEntryFilter{PersonID: personID, ProjectID: projectID, After: after},
		personID, projectID, names, "own project history"); c != nil {
		return c, nil
	}

	// Tier 2: the person's general habits, project filter dropped.
	if c := d.fromHistory(types.TimeEntryFilter{PersonID: personID, After: after},
		personID, projectID, names, "own history across projects"); c != nil {
		return c, nil
	}

	// Tier 4: what anyone logs against this project.
	if c := d.fromProjectPattern(projectID, names); c != nil {
		return c, nil
	}

	// Tier 5: probe every service enabled for the project.
	if c := d.fromExhaustiveProbe(personID, projectID); c != nil {
		return c, nil
	}

	// Tier 6: organization-wide default, absolute last resort.
	if c := d.fromGlobalDefault(after, names); c != nil {
		d.logger.Warn("using organization-wide default service, configuring a mapping is recommended",
			zap.Int64("service_id", c.ID),
			zap.String("service", c.Name),
		)
		return c, nil
	}

	return nil, ErrNoServicesAvailable
}

// fromHistory implements tiers 1-3: frequency analysis of the person's own
// entries, each candidate permission-verified before being trusted.
func (d *ServiceDiscoverer) fromHistory(filter types.TimeEntryFilter, personID, projectID int64, names map[int64]string, scope string) *types.ServiceCandidate {
	entries, err := d.source.GetTimeEntries(filter)
	if err != nil {
		d.logger.Warn("history query failed, trying next tier",
			zap.String("scope", scope),
			zap.Error(err),
		)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	ranked := rankServices(entries)
	single := len(ranked) == 1

	for _, r := range ranked {
		if err := d.prober.Probe(personID, projectID, r.serviceID); err != nil {
			d.logger.Debug("historical candidate failed permission probe",
				zap.Int64("service_id", r.serviceID),
				zap.Error(err),
			)
			continue
		}

		c := &types.ServiceCandidate{
			ID:         r.serviceID,
			Name:       names[r.serviceID],
			Provenance: types.ProvenanceHistory,
		}
		if single {
			c.Confidence = types.ConfidenceHigh
			c.Reason = fmt.Sprintf("single service in %s, permission verified", scope)
		} else {
			c.Confidence = types.ConfidenceMedium
			c.Reason = fmt.Sprintf("most frequent of %d services in %s", len(ranked), scope)
		}
		return c
	}
	return nil
}

// fromProjectPattern implements tier 4: everyone's entries on the project.
func (d *ServiceDiscoverer) fromProjectPattern(projectID int64, names map[int64]string) *types.ServiceCandidate {
	entries, err := d.source.GetTimeEntries(types.TimeEntryFilter{ProjectID: projectID})
	if err != nil {
		d.logger.Warn("project-wide history query failed, trying next tier", zap.Error(err))
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	ranked := rankServices(entries)
	c := &types.ServiceCandidate{
		ID:         ranked[0].serviceID,
		Name:       names[ranked[0].serviceID],
		Provenance: types.ProvenanceProjectPattern,
	}
	if len(ranked) == 1 {
		c.Confidence = types.ConfidenceHigh
		c.Reason = "only service ever logged against project"
	} else {
		c.Confidence = types.ConfidenceMedium
		c.Reason = fmt.Sprintf("most frequent of %d services logged against project", len(ranked))
	}
	return c
}

// fromExhaustiveProbe implements tier 5: try every enabled service until
// one accepts a write.
func (d *ServiceDiscoverer) fromExhaustiveProbe(personID, projectID int64) *types.ServiceCandidate {
	services, err := d.source.ListServices(projectID)
	if err != nil {
		d.logger.Warn("service listing failed, trying next tier", zap.Error(err))
		return nil
	}

	for _, s := range services {
		if err := d.prober.Probe(personID, projectID, s.ID); err != nil {
			d.logger.Debug("service failed permission probe",
				zap.Int64("service_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		return &types.ServiceCandidate{
			ID:         s.ID,
			Name:       s.Name,
			Provenance: types.ProvenanceFallback,
			Confidence: types.ConfidenceMedium,
			Reason:     "project service, permission verified",
		}
	}
	return nil
}

// fromGlobalDefault implements tier 6: the most globally active service, or
// failing that the first one the backend returns.
func (d *ServiceDiscoverer) fromGlobalDefault(after time.Time, names map[int64]string) *types.ServiceCandidate {
	entries, err := d.source.GetTimeEntries(types.TimeEntryFilter{After: after})
	if err == nil && len(entries) > 0 {
		ranked := rankServices(entries)
		return &types.ServiceCandidate{
			ID:         ranked[0].serviceID,
			Name:       names[ranked[0].serviceID],
			Provenance: types.ProvenanceFallback,
			Confidence: types.ConfidenceLow,
			Reason:     "most active service organization-wide",
		}
	}
	if err != nil {
		d.logger.Warn("global history query failed", zap.Error(err))
	}

	services, err := d.source.ListServices(0)
	if err != nil || len(services) == 0 {
		if err != nil {
			d.logger.Warn("global service listing failed", zap.Error(err))
		}
		return nil
	}
	return &types.ServiceCandidate{
		ID:         services[0].ID,
		Name:       services[0].Name,
		Provenance: types.ProvenanceFallback,
		Confidence: types.ConfidenceLow,
		Reason:     "first available service",
	}
}

// serviceNames builds an id→name index, best effort.
func (d *ServiceDiscoverer) serviceNames(projectID int64) map[int64]string {
	names := make(map[int64]string)
	for _, pid := range []int64{projectID, 0} {
		services, err := d.source.ListServices(pid)
		if err != nil {
			continue
		}
		for _, s := range services {
			if _, ok := names[s.ID]; !ok {
				names[s.ID] = s.Name
			}
		}
	}
	return names
}

type rankedService struct {
	serviceID int64
	count     int
}

// rankServices tallies entries per service, most frequent first with id as
// the tie break for determinism.
func rankServices(entries []types.TimeEntry) []rankedService {
	counts := make(map[int64]int)
	for _, e := range entries {
		counts[e.ServiceID]++
	}

	ranked := make([]rankedService, 0, len(counts))
	for id, n := range counts {
		ranked = append(ranked, rankedService{serviceID: id, count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].serviceID < ranked[j].serviceID
	})
	return ranked
}
