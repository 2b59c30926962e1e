package types

import (
	"time"
)

// BranchChangeEvent is emitted when the checked-out branch of a watched
// workspace changes. Previous is empty on the first observation.
type BranchChangeEvent struct {
	WorkspacePath string
	Previous      string
	Branch        string
	Timestamp     time.Time
}

// CommitEvent is emitted when a new commit lands on the current branch of a
// watched workspace.
type CommitEvent struct {
	WorkspacePath string
	Branch        string
	Hash          string
	Message       string
	Timestamp     time.Time
}
