// Package isolation models per-conversation execution environments. Each
// environment gives one workflow (an issue, a PR, a review, a thread, an
// ad-hoc task) its own checkout of the codebase so concurrent conversations
// never trample each other's working tree. The only implemented provider
// backs environments with git worktrees; the model leaves room for
// containers, VMs and remote runners.
package isolation

import (
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies the isolation backend.
type ProviderType string

const (
	ProviderWorktree  ProviderType = "worktree"
	ProviderContainer ProviderType = "container"
	ProviderVM        ProviderType = "vm"
	ProviderRemote    ProviderType = "remote"
)

// WorkflowType classifies what kind of conversation an environment serves.
// It drives the deterministic branch naming scheme.
type WorkflowType string

const (
	WorkflowIssue  WorkflowType = "issue"
	WorkflowPR     WorkflowType = "pr"
	WorkflowReview WorkflowType = "review"
	WorkflowThread WorkflowType = "thread"
	WorkflowTask   WorkflowType = "task"
)

// Status tracks the environment lifecycle: absent -> active -> destroyed.
// Destroyed is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
)

var (
	// ErrNotFound is returned when the requested environment does not exist.
	ErrNotFound = errors.New("isolation environment not found")

	// ErrBranchInUse is returned when a distinct active environment already
	// holds the computed branch.
	ErrBranchInUse = errors.New("branch already held by an active environment")

	// ErrStillReferenced is returned when destroy is refused because
	// conversations still point at the environment.
	ErrStillReferenced = errors.New("environment still referenced by conversations")

	// ErrDirty is returned when destroy is refused because the working tree
	// has uncommitted changes and force was not set.
	ErrDirty = errors.New("environment has uncommitted changes")

	// ErrLimitReached is returned when a codebase is at its active
	// environment cap.
	ErrLimitReached = errors.New("isolation environment limit reached for codebase")

	// ErrInvalidRequest is returned when a create request fails validation.
	ErrInvalidRequest = errors.New("invalid isolation request")
)

// Environment is one isolated checkout bound to a codebase.
type Environment struct {
	// ID is the unique identifier for this environment.
	ID string `json:"id"`

	// CodebaseID is the codebase this environment isolates.
	CodebaseID string `json:"codebase_id"`

	// Provider is the backend that realizes the isolation.
	Provider ProviderType `json:"provider"`

	// WorkingPath is the absolute directory the assistant runs in.
	WorkingPath string `json:"working_path"`

	// BranchName is the semantic branch checked out in the environment,
	// e.g. issue-42, pr-42, pr-42-review, thread-a1b2c3d4, task-fix-login.
	BranchName string `json:"branch_name"`

	// WorkflowType records which naming flow produced the environment.
	WorkflowType WorkflowType `json:"workflow_type"`

	// Identifier is the workflow-scoped key the branch was derived from
	// (issue number, PR number, thread id, task description).
	Identifier string `json:"identifier"`

	// Status is active or destroyed.
	Status Status `json:"status"`

	// CreatedByPlatform is the adapter that triggered creation. Stale
	// cleanup skips platforms whose conversations are long-lived.
	CreatedByPlatform string `json:"created_by_platform,omitempty"`

	// Metadata carries provider-specific details such as the pinned PR sha.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

// EnvironmentWithAge is an environment annotated with its inactivity age,
// computed in SQL for the cleanup scheduler and /status quota breakdown.
type EnvironmentWithAge struct {
	Environment

	// DaysSinceActivity is the larger of days-since-creation and
	// days-since-the-most-recent referencing conversation activity.
	DaysSinceActivity int `json:"days_since_activity"`
}

// CreateRequest describes the environment to create or adopt.
type CreateRequest struct {
	// CodebaseID is the codebase to isolate.
	CodebaseID string `json:"codebase_id"`

	// CanonicalRepoPath is the canonical checkout worktrees hang off.
	CanonicalRepoPath string `json:"canonical_repo_path"`

	// WorkflowType selects the branch naming flow.
	WorkflowType WorkflowType `json:"workflow_type"`

	// Identifier is the workflow-scoped key (issue number, PR number,
	// thread id, task description).
	Identifier string `json:"identifier"`

	// PRBranch is the head branch of a PR flow, used for adoption matching.
	PRBranch string `json:"pr_branch,omitempty"`

	// PRSha pins a PR review to an exact commit. When set the branch gains
	// a -review suffix so reviews are reproducible.
	PRSha string `json:"pr_sha,omitempty"`

	// Description is free text recorded in metadata.
	Description string `json:"description,omitempty"`

	// CreatedByPlatform is the adapter on whose behalf the environment is
	// created.
	CreatedByPlatform string `json:"created_by_platform,omitempty"`
}

// Validate checks the request fields that every provider needs.
func (r CreateRequest) Validate() error {
	if r.CodebaseID == "" {
		return fmt.Errorf("%w: codebase id is required", ErrInvalidRequest)
	}
	if r.CanonicalRepoPath == "" {
		return fmt.Errorf("%w: canonical repo path is required", ErrInvalidRequest)
	}
	if r.Identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	switch r.WorkflowType {
	case WorkflowIssue, WorkflowPR, WorkflowReview, WorkflowThread, WorkflowTask:
	default:
		return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidRequest, r.WorkflowType)
	}
	return nil
}

// DestroyOptions tunes environment destruction.
type DestroyOptions struct {
	// Force removes the environment even with uncommitted changes.
	Force bool
}
