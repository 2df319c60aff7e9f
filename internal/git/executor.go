// Package git shells out to the git binary for the repository and worktree
// operations the broker needs. Every command runs through exec.CommandContext
// with a bounded timeout so a wedged git process cannot stall a dispatch.
package git

import "context"

// Worktree holds one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path     string
	Branch   string // Short branch name, empty when detached or bare
	Head     string // Commit SHA
	Bare     bool
	Detached bool
}

// Executor defines the git operations used by the isolation provider,
// the clone service and the cleanup service. The interface exists so
// those packages can be tested against a fake without a git binary.
type Executor interface {
	// Run executes an arbitrary git command in dir and returns trimmed stdout.
	Run(ctx context.Context, dir string, args ...string) (string, error)

	// Clone clones url into dir (network timeout applies).
	Clone(ctx context.Context, url, dir string) error
	// Pull runs git pull in dir and returns the command output.
	Pull(ctx context.Context, dir string) (string, error)
	// FetchPullHead fetches refs/pull/<number>/head from origin into FETCH_HEAD.
	FetchPullHead(ctx context.Context, repoDir string, number int64) error

	// CurrentBranch returns the checked-out branch of dir.
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// DefaultBranch resolves the repository's default branch
	// (origin/HEAD, then local main/master, falling back to "main").
	DefaultBranch(ctx context.Context, repoDir string) string
	// BranchExists reports whether a local branch exists in repoDir.
	BranchExists(ctx context.Context, repoDir, name string) bool
	// DeleteBranch deletes a local branch (-d, or -D when force).
	DeleteBranch(ctx context.Context, repoDir, name string, force bool) error
	// MergedBranches lists local branches fully merged into base.
	MergedBranches(ctx context.Context, repoDir, base string) ([]string, error)

	// StatusPorcelain returns `git status --porcelain` output for dir.
	// Empty output means a clean tree.
	StatusPorcelain(ctx context.Context, dir string) (string, error)
	// IsGitRepo reports whether dir is inside a git repository.
	IsGitRepo(ctx context.Context, dir string) bool

	// WorktreeList parses `git worktree list --porcelain` for repoDir.
	WorktreeList(ctx context.Context, repoDir string) ([]Worktree, error)
	// WorktreeAdd creates a worktree at path on a new branch. When
	// startPoint is non-empty the branch starts there, otherwise at HEAD.
	WorktreeAdd(ctx context.Context, repoDir, path, branch, startPoint string) error
	// WorktreeRemove removes the worktree at path.
	WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error
	// WorktreePrune drops stale worktree bookkeeping.
	WorktreePrune(ctx context.Context, repoDir string) error

	// AddSafeDirectory marks path as a safe.directory in global git config.
	AddSafeDirectory(ctx context.Context, path string) error
}
