package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/relaybot/relaybot/internal/common/constants"
)

// Git-specific errors surfaced to callers via errors.Is.
var (
	// ErrBranchInUse indicates the branch is checked out in another worktree.
	ErrBranchInUse = errors.New("branch already checked out in another worktree")

	// ErrBranchExists indicates the branch name already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrPathExists indicates the worktree path already exists.
	ErrPathExists = errors.New("worktree path already exists")

	// ErrNotWorktree indicates the path is not a registered working tree.
	ErrNotWorktree = errors.New("not a working tree")

	// ErrNotRepository indicates the directory is not a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrDirtyWorktree indicates the worktree has modified or untracked files.
	ErrDirtyWorktree = errors.New("worktree contains modified or untracked files")
)

// Compile-time check that RealExecutor implements Executor.
var _ Executor = (*RealExecutor)(nil)

// RealExecutor implements Executor by executing actual git commands.
type RealExecutor struct{}

// NewExecutor creates a new RealExecutor.
func NewExecutor() *RealExecutor {
	return &RealExecutor{}
}

// run executes a git command with a bounded timeout and returns trimmed stdout.
func (e *RealExecutor) run(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctx.Err())
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch checked out elsewhere: fatal: '<branch>' is already checked out at '<path>'
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchInUse, stderr)
	}

	// Branch name taken: fatal: a branch named '<name>' already exists
	if strings.Contains(stderrLower, "branch named") && strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrBranchExists, stderr)
	}

	// Path taken: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathExists, stderr)
	}

	// Remove on an unregistered path: fatal: '<path>' is not a working tree
	if strings.Contains(stderrLower, "not a working tree") {
		return fmt.Errorf("%w: %s", ErrNotWorktree, stderr)
	}

	// Not a git repository
	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotRepository, stderr)
	}

	// Remove refused: fatal: '<path>' contains modified or untracked files
	if strings.Contains(stderrLower, "contains modified or untracked files") {
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// runNetwork executes a git command that talks to a remote, retrying
// transient network failures. Each attempt gets its own timeout.
func (e *RealExecutor) runNetwork(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	err := retry.Do(
		func() error {
			var attemptErr error
			out, attemptErr = e.run(ctx, constants.GitNetworkTimeout, dir, args...)
			return attemptErr
		},
		retry.RetryIf(isTransientNetworkError),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return out, err
}

// isTransientNetworkError matches git stderr for failures worth retrying.
func isTransientNetworkError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"could not resolve host",
		"connection reset",
		"connection refused",
		"timed out",
		"early eof",
		"the remote end hung up unexpectedly",
		"rpc failed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Run executes an arbitrary git command in dir.
func (e *RealExecutor) Run(ctx context.Context, dir string, args ...string) (string, error) {
	return e.run(ctx, constants.GitMutateTimeout, dir, args...)
}

// Clone clones url into dir.
func (e *RealExecutor) Clone(ctx context.Context, url, dir string) error {
	_, err := e.runNetwork(ctx, "", "clone", url, dir)
	return err
}

// Pull runs git pull in dir and returns the command output.
func (e *RealExecutor) Pull(ctx context.Context, dir string) (string, error) {
	return e.runNetwork(ctx, dir, "pull")
}

// FetchPullHead fetches refs/pull/<number>/head from origin into FETCH_HEAD.
func (e *RealExecutor) FetchPullHead(ctx context.Context, repoDir string, number int64) error {
	ref := "pull/" + strconv.FormatInt(number, 10) + "/head"
	_, err := e.runNetwork(ctx, repoDir, "fetch", "origin", ref)
	return err
}

// CurrentBranch returns the checked-out branch of dir.
func (e *RealExecutor) CurrentBranch(ctx context.Context, dir string) (string, error) {
	// git branch --show-current (git 2.22+)
	out, err := e.run(ctx, constants.GitReadTimeout, dir, "branch", "--show-current")
	if err == nil && out != "" {
		return out, nil
	}

	// Fallback: parse symbolic-ref
	out, err = e.run(ctx, constants.GitReadTimeout, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return out, nil
}

// DefaultBranch resolves the repository's default branch.
// Order: remote HEAD → local main → local master → "main".
func (e *RealExecutor) DefaultBranch(ctx context.Context, repoDir string) string {
	// Remote HEAD (set on clone): refs/remotes/origin/main -> "main"
	if ref, err := e.run(ctx, constants.GitReadTimeout, repoDir, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		parts := strings.Split(ref, "/")
		return parts[len(parts)-1]
	}

	if e.BranchExists(ctx, repoDir, "main") {
		return "main"
	}
	if e.BranchExists(ctx, repoDir, "master") {
		return "master"
	}

	return "main"
}

// BranchExists reports whether a local branch exists in repoDir.
func (e *RealExecutor) BranchExists(ctx context.Context, repoDir, name string) bool {
	_, err := e.run(ctx, constants.GitReadTimeout, repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// DeleteBranch deletes a local branch.
func (e *RealExecutor) DeleteBranch(ctx context.Context, repoDir, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := e.run(ctx, constants.GitMutateTimeout, repoDir, "branch", flag, name)
	return err
}

// MergedBranches lists local branches fully merged into base, excluding base itself.
func (e *RealExecutor) MergedBranches(ctx context.Context, repoDir, base string) ([]string, error) {
	out, err := e.run(ctx, constants.GitReadTimeout, repoDir, "branch", "--merged", base, "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("failed to list merged branches: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == base {
			continue
		}
		branches = append(branches, name)
	}
	return branches, nil
}

// StatusPorcelain returns `git status --porcelain` output for dir.
func (e *RealExecutor) StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return e.run(ctx, constants.GitReadTimeout, dir, "status", "--porcelain")
}

// IsGitRepo reports whether dir is inside a git repository.
func (e *RealExecutor) IsGitRepo(ctx context.Context, dir string) bool {
	_, err := e.run(ctx, constants.GitReadTimeout, dir, "rev-parse", "--git-dir")
	return err == nil
}

// WorktreeList parses `git worktree list --porcelain` for repoDir.
func (e *RealExecutor) WorktreeList(ctx context.Context, repoDir string) ([]Worktree, error) {
	out, err := e.run(ctx, constants.GitReadTimeout, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// WorktreeAdd creates a worktree at path on a new branch.
func (e *RealExecutor) WorktreeAdd(ctx context.Context, repoDir, path, branch, startPoint string) error {
	// git worktree add <path> [<start-point>] -b <branch>
	args := []string{"worktree", "add", path}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	args = append(args, "-b", branch)
	_, err := e.run(ctx, constants.GitMutateTimeout, repoDir, args...)
	return err
}

// WorktreeRemove removes the worktree at path.
func (e *RealExecutor) WorktreeRemove(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := e.run(ctx, constants.GitMutateTimeout, repoDir, args...)
	return err
}

// WorktreePrune drops stale worktree bookkeeping.
func (e *RealExecutor) WorktreePrune(ctx context.Context, repoDir string) error {
	_, err := e.run(ctx, constants.GitMutateTimeout, repoDir, "worktree", "prune")
	return err
}

// AddSafeDirectory marks path as a safe.directory in global git config.
func (e *RealExecutor) AddSafeDirectory(ctx context.Context, path string) error {
	_, err := e.run(ctx, constants.GitMutateTimeout, "", "config", "--global", "--add", "safe.directory", path)
	return err
}

// parseWorktreeList parses the porcelain output of git worktree list.
// Format:
//
//	worktree /path/to/worktree
//	HEAD <sha>
//	branch refs/heads/branch-name
//	<blank line>
//
// Bare and detached entries carry single-token "bare"/"detached" lines.
func parseWorktreeList(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// End of a worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Worktree{}
			continue
		}

		switch {
		case line == "bare":
			current.Bare = true
			continue
		case line == "detached":
			current.Detached = true
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}

		key, value := parts[0], parts[1]
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.Head = value
		case "branch":
			// Extract branch name from refs/heads/branch-name
			if after, found := strings.CutPrefix(value, "refs/heads/"); found {
				current.Branch = after
			} else {
				current.Branch = value
			}
		}
	}

	// The porcelain output may not end with a blank line
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
