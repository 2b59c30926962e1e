package ticket

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

// Store is the slice of the ticket store the resolver needs.
type Store interface {
	VerifyTicketExists(key string) (bool, error)
	GetTicketDetails(key string) (*types.TicketInfo, error)
}

// branchPattern is one tagged matcher in the ordered extraction list.
// First match wins.
type branchPattern struct {
	name string
	re   *regexp.Regexp
}

var branchPatterns = []branchPattern{
	// Conventional branch prefixes: feature/PROJ-123, fix/PROJ-123-desc, ...
	{
		name: "conventional-prefix",
		re:   regexp.MustCompile(`^(?:feature|feat|fix|bugfix|hotfix|release|branch|b)/([A-Za-z][A-Za-z0-9]*-[0-9]+)`),
	},
	// Any prefix followed by /PROJ-123.
	{
		name: "any-prefix",
		re:   regexp.MustCompile(`^[^/]+/([A-Za-z][A-Za-z0-9]*-[0-9]+)`),
	},
	// Bare PROJ-123 branch name.
	{
		name: "bare-key",
		re:   regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*-[0-9]+)$`),
	},
}

// ExtractTicketID pulls a ticket key out of a branch name. Returns the
// empty string when no pattern matches. The project-key portion is
// normalized to upper case.
func ExtractTicketID(branchName string) string {
	branchName = strings.TrimSpace(branchName)
	for _, p := range branchPatterns {
		if m := p.re.FindStringSubmatch(branchName); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return ""
}

// ExtractProjectKey splits a ticket key on its trailing numeric suffix.
// "PROJ-123" yields "PROJ"; a key without a numeric suffix is returned
// unchanged.
func ExtractProjectKey(ticketID string) string {
	idx := strings.LastIndex(ticketID, "-")
	if idx <= 0 {
		return ticketID
	}
	suffix := ticketID[idx+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return ticketID
		}
	}
	return ticketID[:idx]
}

// Resolver turns branch names into verified tickets.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver creates a resolver backed by the given ticket store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// ResolveBranch extracts a ticket key from the branch name and confirms it
// against the ticket store. Returns (nil, nil) when the branch carries no
// ticket or the ticket is not visible; the caller falls back to manual
// selection.
func (r *Resolver) ResolveBranch(branchName string) (*types.TicketInfo, error) {
	key := ExtractTicketID(branchName)
	if key == "" {
		return nil, nil
	}

	exists, err := r.store.VerifyTicketExists(key)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}
	if !exists {
		r.logger.Debug("branch ticket not found in store",
			zap.String("branch", branchName),
			zap.String("key", key),
		)
		return nil, nil
	}

	info, err := r.store.GetTicketDetails(key)
	if err != nil {
		return nil, fmt.Errorf("ticket store: %w", err)
	}

	r.logger.Info("resolved branch to ticket",
		zap.String("branch", branchName),
		zap.String("key", info.Key),
		zap.String("project", info.ProjectKey),
	)

	return info, nil
}
