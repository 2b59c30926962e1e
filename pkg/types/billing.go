package types

import (
	"time"
)

// Confidence labels the strength of evidence behind an inferred project or
// service match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Provenance records which strategy produced a service candidate.
type Provenance string

const (
	ProvenanceHistory        Provenance = "history"
	ProvenanceProjectPattern Provenance = "project-pattern"
	ProvenanceFallback       Provenance = "fallback"
)

// BillingProject is a project as the billing store reports it.
type BillingProject struct {
	ID   int64
	Name string
}

// BillingService is a cost code required on every billing time entry.
type BillingService struct {
	ID   int64
	Name string
}

// ProjectMatch is the result of fuzzy-resolving a ticket project name to a
// billing project. Derived per invocation, never persisted.
type ProjectMatch struct {
	ID    int64
	Name  string
	Score int
}

// ServiceCandidate is an inferred billing service. Recomputed on every
// logging run.
type ServiceCandidate struct {
	ID         int64
	Name       string
	Provenance Provenance
	Confidence Confidence
	Reason     string
}

// TimeEntry is an existing entry read back from the billing store.
type TimeEntry struct {
	ID        int64
	Date      time.Time
	Minutes   int
	ServiceID int64
	ProjectID int64
	PersonID  int64
}

// NewTimeEntry is the payload for creating a billing time entry.
type NewTimeEntry struct {
	PersonID    int64
	ProjectID   int64
	ServiceID   int64
	Minutes     int
	Date        time.Time
	Note        string
	ExternalRef string
}

// TimeEntryFilter narrows GetTimeEntries queries. Zero values mean
// "unfiltered" for that dimension.
type TimeEntryFilter struct {
	PersonID  int64
	ProjectID int64
	After     time.Time
	Before    time.Time
}
