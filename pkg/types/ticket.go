package types

// TicketInfo holds the ticket store's view of a ticket, fetched once when a
// branch resolves to a ticket and held for the lifetime of the timer session.
type TicketInfo struct {
	Key         string
	ProjectKey  string
	ProjectName string
	Summary     string
	Status      string
	Assignee    string
	Description string
}

// IssueRef is a lightweight search result from the ticket store.
type IssueRef struct {
	Key     string
	Summary string
}

// TicketProject is a project as the ticket store reports it.
type TicketProject struct {
	Key  string
	Name string
}
