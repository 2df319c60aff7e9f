// Package worktree implements isolation.Provider on git worktrees. Every
// environment is a linked worktree of the codebase's canonical checkout,
// on a branch derived deterministically from the workflow, so re-running
// the same workflow adopts the existing worktree instead of creating a
// second one.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/events/bus"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
)

// ReferenceChecker reports which conversations still point at an
// environment. Satisfied by conversation.Store.
type ReferenceChecker interface {
	GetConversationsByIsolationEnv(ctx context.Context, isolationEnvID string) ([]*conversation.Conversation, error)
}

// RepoResolver maps a codebase ID to its canonical checkout path.
type RepoResolver interface {
	CanonicalPath(ctx context.Context, codebaseID string) (string, error)
}

// NewCodebaseResolver adapts a codebase store into a RepoResolver.
func NewCodebaseResolver(store codebase.Store) RepoResolver {
	return codebaseResolver{store: store}
}

type codebaseResolver struct {
	store codebase.Store
}

func (r codebaseResolver) CanonicalPath(ctx context.Context, codebaseID string) (string, error) {
	cb, err := r.store.GetCodebase(ctx, codebaseID)
	if err != nil {
		return "", err
	}
	return cb.LocalPath, nil
}

// Config tunes the provider.
type Config struct {
	// BaseDir overrides where worktrees are created. Empty means a
	// worktrees directory next to each canonical checkout.
	BaseDir string
}

// Provider creates and destroys git-worktree-backed environments.
type Provider struct {
	store isolation.Store
	git   git.Executor
	refs  ReferenceChecker
	repos RepoResolver
	bus   bus.EventBus
	cfg   Config
	log   *logger.Logger

	// mu guards repoLocks; each repo gets its own mutex so worktree
	// mutations on one repo never block another.
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewProvider creates a worktree provider. The event bus is optional;
// lifecycle events are published best-effort.
func NewProvider(store isolation.Store, gitExec git.Executor, refs ReferenceChecker, repos RepoResolver, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Provider {
	return &Provider{
		store:     store,
		git:       gitExec,
		refs:      refs,
		repos:     repos,
		bus:       eventBus,
		cfg:       cfg,
		log:       log,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (p *Provider) lockRepo(repoPath string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		p.repoLocks[repoPath] = lock
	}
	return lock
}

// Create provisions the environment for a request. Existing worktrees at
// the computed path (or, for PR flows, on the PR's head branch) are adopted
// rather than recreated.
func (p *Provider) Create(ctx context.Context, req isolation.CreateRequest) (*isolation.Environment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	branch := isolation.BranchName(req)
	path := isolation.WorktreePath(p.cfg.BaseDir, req.CanonicalRepoPath, branch)

	lock := p.lockRepo(req.CanonicalRepoPath)
	lock.Lock()
	defer lock.Unlock()

	// An active environment already holding the branch is either this very
	// workflow (share it) or a genuine conflict.
	existing, err := p.store.GetEnvironmentByBranch(ctx, req.CodebaseID, branch)
	if err == nil {
		if existing.WorkingPath == path {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s held by environment %s", isolation.ErrBranchInUse, branch, existing.ID)
	}
	if !errors.Is(err, isolation.ErrNotFound) {
		return nil, err
	}

	// Adoption before creation: a worktree may already exist on disk,
	// created by hand or by another tool sharing the repo.
	worktrees, err := p.git.WorktreeList(ctx, req.CanonicalRepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	if candidate := findAdoptable(worktrees, req, branch, path); candidate != nil {
		return p.adoptWorktree(ctx, req.CodebaseID, *candidate, req.CreatedByPlatform)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	startPoint := p.fetchPRHead(ctx, req)
	if err := p.git.WorktreeAdd(ctx, req.CanonicalRepoPath, path, branch, startPoint); err != nil {
		if errors.Is(err, git.ErrBranchExists) {
			// The branch survived a previous environment; check it out
			// instead of recreating it.
			if _, runErr := p.git.Run(ctx, req.CanonicalRepoPath, "worktree", "add", path, branch); runErr != nil {
				return nil, fmt.Errorf("failed to add worktree on existing branch: %w", runErr)
			}
		} else {
			return nil, fmt.Errorf("failed to add worktree: %w", err)
		}
	}

	if err := p.git.AddSafeDirectory(ctx, path); err != nil {
		p.log.WithError(err).WithFields(zap.String("path", path)).
			Warn("Failed to register worktree as safe directory")
	}

	env := &isolation.Environment{
		CodebaseID:        req.CodebaseID,
		Provider:          isolation.ProviderWorktree,
		WorkingPath:       path,
		BranchName:        branch,
		WorkflowType:      req.WorkflowType,
		Identifier:        req.Identifier,
		Status:            isolation.StatusActive,
		CreatedByPlatform: req.CreatedByPlatform,
		Metadata:          requestMetadata(req),
	}
	if err := p.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	p.log.WithCodebaseID(req.CodebaseID).WithFields(
		zap.String("branch", branch),
		zap.String("path", path),
	).Info("Created isolation environment")
	p.publish(ctx, events.IsolationEnvCreated, env)

	return env, nil
}

// fetchPRHead fetches the PR head ref for PR and review flows so fork PRs
// have a local start point. Returns the start point for worktree add, empty
// when the default HEAD should be used.
func (p *Provider) fetchPRHead(ctx context.Context, req isolation.CreateRequest) string {
	if req.WorkflowType != isolation.WorkflowPR && req.WorkflowType != isolation.WorkflowReview {
		return ""
	}
	number, err := strconv.ParseInt(req.Identifier, 10, 64)
	if err != nil {
		return ""
	}
	if err := p.git.FetchPullHead(ctx, req.CanonicalRepoPath, number); err != nil {
		p.log.WithError(err).WithFields(zap.String("pr", req.Identifier)).
			Warn("Failed to fetch PR head, falling back to default branch")
		return ""
	}
	if req.PRSha != "" {
		return req.PRSha
	}
	return "FETCH_HEAD"
}

// findAdoptable picks the existing worktree a request should adopt: the one
// at the computed path, or for PR flows one on the PR head branch or on a
// branch extending the computed name.
func findAdoptable(worktrees []git.Worktree, req isolation.CreateRequest, branch, path string) *git.Worktree {
	isPR := req.WorkflowType == isolation.WorkflowPR || req.WorkflowType == isolation.WorkflowReview
	for i := range worktrees {
		wt := worktrees[i]
		if wt.Bare {
			continue
		}
		if wt.Path == path {
			return &wt
		}
		if isPR && wt.Branch != "" {
			if (req.PRBranch != "" && wt.Branch == req.PRBranch) || strings.HasPrefix(wt.Branch, branch) {
				return &wt
			}
		}
	}
	return nil
}

// adoptWorktree records an environment row for a worktree that already
// exists on disk. Contents are left untouched.
func (p *Provider) adoptWorktree(ctx context.Context, codebaseID string, wt git.Worktree, platform string) (*isolation.Environment, error) {
	if existing, err := p.store.GetEnvironmentByPath(ctx, wt.Path); err == nil {
		return existing, nil
	} else if !errors.Is(err, isolation.ErrNotFound) {
		return nil, err
	}

	workflow, identifier := inferWorkflow(wt.Branch)
	env := &isolation.Environment{
		CodebaseID:        codebaseID,
		Provider:          isolation.ProviderWorktree,
		WorkingPath:       wt.Path,
		BranchName:        wt.Branch,
		WorkflowType:      workflow,
		Identifier:        identifier,
		Status:            isolation.StatusActive,
		CreatedByPlatform: platform,
		Metadata:          map[string]string{"adopted": "true"},
	}
	if err := p.store.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	p.log.WithCodebaseID(codebaseID).WithFields(
		zap.String("branch", wt.Branch),
		zap.String("path", wt.Path),
	).Info("Adopted existing worktree")
	p.publish(ctx, events.IsolationEnvAdopted, env)

	return env, nil
}

// Destroy removes the worktree and marks the environment destroyed.
func (p *Provider) Destroy(ctx context.Context, envID string, opts isolation.DestroyOptions) error {
	env, err := p.store.GetEnvironment(ctx, envID)
	if errors.Is(err, isolation.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if env.Status == isolation.StatusDestroyed {
		return nil
	}

	if !opts.Force {
		dirty, err := p.hasUncommittedChanges(ctx, env.WorkingPath)
		if err != nil {
			return err
		}
		if dirty {
			return fmt.Errorf("%w: %s", isolation.ErrDirty, env.WorkingPath)
		}
	}

	refs, err := p.refs.GetConversationsByIsolationEnv(ctx, envID)
	if err != nil {
		return fmt.Errorf("failed to check environment references: %w", err)
	}
	if len(refs) > 0 {
		return fmt.Errorf("%w: %d conversation(s)", isolation.ErrStillReferenced, len(refs))
	}

	canonical, err := p.repos.CanonicalPath(ctx, env.CodebaseID)
	if err != nil {
		// The codebase is gone; the worktree is unreachable through git
		// anyway, so just retire the row.
		p.log.WithError(err).WithCodebaseID(env.CodebaseID).
			Warn("Codebase missing during destroy, marking environment destroyed")
		return p.store.MarkDestroyed(ctx, envID)
	}

	lock := p.lockRepo(canonical)
	lock.Lock()
	defer lock.Unlock()

	if err := p.git.WorktreeRemove(ctx, canonical, env.WorkingPath, opts.Force); err != nil {
		if !errors.Is(err, git.ErrNotWorktree) && !errors.Is(err, git.ErrNotRepository) {
			return fmt.Errorf("failed to remove worktree: %w", err)
		}
		// Already gone on disk.
	}
	if err := p.git.WorktreePrune(ctx, canonical); err != nil {
		p.log.WithError(err).Debug("Worktree prune failed")
	}

	if err := p.store.MarkDestroyed(ctx, envID); err != nil {
		return err
	}

	p.log.WithCodebaseID(env.CodebaseID).WithFields(
		zap.String("branch", env.BranchName),
		zap.String("path", env.WorkingPath),
		zap.Bool("force", opts.Force),
	).Info("Destroyed isolation environment")
	p.publish(ctx, events.IsolationEnvDestroyed, env)

	return nil
}

// hasUncommittedChanges reports whether the working tree has any modified,
// staged or untracked files. A path that no longer exists is clean.
func (p *Provider) hasUncommittedChanges(ctx context.Context, workingPath string) (bool, error) {
	if _, err := os.Stat(workingPath); os.IsNotExist(err) {
		return false, nil
	}
	status, err := p.git.StatusPorcelain(ctx, workingPath)
	if err != nil {
		if errors.Is(err, git.ErrNotRepository) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check worktree status: %w", err)
	}
	return strings.TrimSpace(status) != "", nil
}

// Get returns an environment by ID regardless of status.
func (p *Provider) Get(ctx context.Context, envID string) (*isolation.Environment, error) {
	return p.store.GetEnvironment(ctx, envID)
}

// List returns the active environments of a codebase.
func (p *Provider) List(ctx context.Context, codebaseID string) ([]*isolation.Environment, error) {
	return p.store.ListByCodebase(ctx, codebaseID)
}

// HealthCheck reports whether the working path still exists and carries a
// .git pointer, i.e. git still recognizes it as a worktree.
func (p *Provider) HealthCheck(ctx context.Context, envID string) (bool, error) {
	env, err := p.store.GetEnvironment(ctx, envID)
	if err != nil {
		return false, err
	}
	if env.Status != isolation.StatusActive {
		return false, nil
	}
	info, err := os.Stat(env.WorkingPath)
	if err != nil || !info.IsDir() {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(env.WorkingPath, ".git")); err != nil {
		return false, nil
	}
	return true, nil
}

// Adopt takes ownership of a worktree that exists on disk but has no store
// row, used by /worktree orphans diagnostics.
func (p *Provider) Adopt(ctx context.Context, codebaseID, canonicalPath, workingPath string) (*isolation.Environment, error) {
	if existing, err := p.store.GetEnvironmentByPath(ctx, workingPath); err == nil {
		return existing, nil
	} else if !errors.Is(err, isolation.ErrNotFound) {
		return nil, err
	}

	worktrees, err := p.git.WorktreeList(ctx, canonicalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	for i := range worktrees {
		if worktrees[i].Path == workingPath && !worktrees[i].Bare {
			return p.adoptWorktree(ctx, codebaseID, worktrees[i], "")
		}
	}
	return nil, fmt.Errorf("%w: no worktree at %s", isolation.ErrNotFound, workingPath)
}

// inferWorkflow derives workflow type and identifier from a semantic branch
// name, the inverse of isolation.BranchName for adopted worktrees.
func inferWorkflow(branch string) (isolation.WorkflowType, string) {
	switch {
	case strings.HasPrefix(branch, "issue-"):
		return isolation.WorkflowIssue, strings.TrimPrefix(branch, "issue-")
	case strings.HasPrefix(branch, "pr-") && strings.HasSuffix(branch, "-review"):
		return isolation.WorkflowReview, strings.TrimSuffix(strings.TrimPrefix(branch, "pr-"), "-review")
	case strings.HasPrefix(branch, "pr-"):
		return isolation.WorkflowPR, strings.TrimPrefix(branch, "pr-")
	case strings.HasPrefix(branch, "thread-"):
		return isolation.WorkflowThread, strings.TrimPrefix(branch, "thread-")
	case strings.HasPrefix(branch, "task-"):
		return isolation.WorkflowTask, strings.TrimPrefix(branch, "task-")
	default:
		return isolation.WorkflowTask, branch
	}
}

func requestMetadata(req isolation.CreateRequest) map[string]string {
	metadata := make(map[string]string)
	if req.PRBranch != "" {
		metadata["pr_branch"] = req.PRBranch
	}
	if req.PRSha != "" {
		metadata["pr_sha"] = req.PRSha
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func (p *Provider) publish(ctx context.Context, eventType string, env *isolation.Environment) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "isolation", map[string]interface{}{
		"env_id":      env.ID,
		"codebase_id": env.CodebaseID,
		"branch":      env.BranchName,
		"path":        env.WorkingPath,
	})
	if err := p.bus.Publish(ctx, eventType, event); err != nil {
		p.log.WithError(err).Debug("Failed to publish isolation event")
	}
}

var (
	_ isolation.Provider = (*Provider)(nil)
	_ isolation.Adopter  = (*Provider)(nil)
)
