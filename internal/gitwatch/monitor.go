package gitwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/avollmer/clockout/pkg/types"
)

// ErrNotRepository marks a workspace folder with no git repository. The
// monitor skips such folders silently.
var ErrNotRepository = errors.New("not a git repository")

// HeadState is one observation of a workspace's HEAD.
type HeadState struct {
	Branch  string
	Hash    string
	Message string
}

// HeadReader reads the current HEAD of a working copy. The default uses
// go-git; tests inject fakes.
type HeadReader func(path string) (*HeadState, error)

// ReadHead is the go-git backed HeadReader.
func ReadHead(path string) (*HeadState, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, err
	}

	ref, err := repo.Head()
	if err != nil {
		// Unborn HEAD (fresh repo); nothing to observe yet.
		return nil, ErrNotRepository
	}

	state := &HeadState{Hash: ref.Hash().String()}
	if ref.Name().IsBranch() {
		state.Branch = ref.Name().Short()
	} else {
		// Detached HEAD; use the short hash as the "branch" so the
		// de-dup logic still applies.
		state.Branch = ref.Hash().String()[:7]
	}

	if commit, err := repo.CommitObject(ref.Hash()); err == nil {
		state.Message = commit.Message
	}

	return state, nil
}

// wsState is the last-known observation per workspace path.
type wsState struct {
	branch      string
	hash        string
	lastMessage string
}

// Monitor polls the HEAD of each watched workspace and emits branch-change
// and commit events. Identical consecutive observations are de-duplicated.
type Monitor struct {
	workspaces []string
	interval   time.Duration
	readHead   HeadReader
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	states map[string]*wsState

	branchCh chan types.BranchChangeEvent
	commitCh chan types.CommitEvent
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithHeadReader injects a HEAD reader, for tests.
func WithHeadReader(r HeadReader) Option {
	return func(m *Monitor) { m.readHead = r }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor over the given workspace paths.
func NewMonitor(workspaces []string, interval time.Duration, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		workspaces: workspaces,
		interval:   interval,
		readHead:   ReadHead,
		logger:     logger,
		now:        time.Now,
		states:     make(map[string]*wsState),
		branchCh:   make(chan types.BranchChangeEvent, 16),
		commitCh:   make(chan types.CommitEvent, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BranchChanges is the stream of branch-change events.
func (m *Monitor) BranchChanges() <-chan types.BranchChangeEvent {
	return m.branchCh
}

// Commits is the stream of commit events.
func (m *Monitor) Commits() <-chan types.CommitEvent {
	return m.commitCh
}

// LastCommitMessage returns the most recent commit message observed for a
// workspace, empty when none has been seen.
func (m *Monitor) LastCommitMessage(workspace string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[workspace]; ok {
		return s.lastMessage
	}
	return ""
}

// Start runs the polling loop until the context is cancelled. All timers
// stop deterministically on return.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping branch monitor")
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan performs one observation pass over all workspaces.
func (m *Monitor) Scan(ctx context.Context) {
	for _, ws := range m.workspaces {
		head, err := m.readHead(ws)
		if err != nil {
			if errors.Is(err, ErrNotRepository) {
				continue
			}
			m.logger.Warn("failed to read workspace HEAD",
				zap.String("workspace", ws),
				zap.Error(err),
			)
			continue
		}
		m.observe(ctx, ws, head)
	}
}

func (m *Monitor) observe(ctx context.Context, ws string, head *HeadState) {
	m.mu.Lock()
	state, known := m.states[ws]
	if !known {
		state = &wsState{}
		m.states[ws] = state
	}
	prevBranch, prevHash := state.branch, state.hash
	state.branch = head.Branch
	state.hash = head.Hash
	if head.Message != "" {
		state.lastMessage = head.Message
	}
	m.mu.Unlock()

	now := m.now()

	if !known || prevBranch != head.Branch {
		ev := types.BranchChangeEvent{
			WorkspacePath: ws,
			Previous:      prevBranch,
			Branch:        head.Branch,
			Timestamp:     now,
		}
		select {
		case m.branchCh <- ev:
			m.logger.Info("branch changed",
				zap.String("workspace", ws),
				zap.String("previous", prevBranch),
				zap.String("branch", head.Branch),
			)
		case <-ctx.Done():
		}
		return
	}

	if prevHash != head.Hash {
		ev := types.CommitEvent{
			WorkspacePath: ws,
			Branch:        head.Branch,
			Hash:          head.Hash,
			Message:       head.Message,
			Timestamp:     now,
		}
		select {
		case m.commitCh <- ev:
			m.logger.Info("commit observed",
				zap.String("workspace", ws),
				zap.String("branch", head.Branch),
				zap.String("hash", head.Hash),
			)
		case <-ctx.Done():
		}
	}
}
