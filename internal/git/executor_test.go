package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initTestRepo creates a real git repository with one commit in a temp dir.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	run("init", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return dir
}

func TestParseGitError(t *testing.T) {
	originalErr := errors.New("exit status 128")

	tests := []struct {
		name      string
		stderr    string
		wantError error
	}{
		{
			name:      "branch already checked out",
			stderr:    "fatal: 'issue-42' is already checked out at '/work/repo/issue-42'",
			wantError: ErrBranchInUse,
		},
		{
			name:      "branch already exists",
			stderr:    "fatal: a branch named 'issue-42' already exists",
			wantError: ErrBranchExists,
		},
		{
			name:      "path already exists",
			stderr:    "fatal: '/work/worktrees/repo/issue-42' already exists",
			wantError: ErrPathExists,
		},
		{
			name:      "not a working tree",
			stderr:    "fatal: '/work/worktrees/repo/issue-42' is not a working tree",
			wantError: ErrNotWorktree,
		},
		{
			name:      "not a git repository",
			stderr:    "fatal: not a git repository (or any of the parent directories): .git",
			wantError: ErrNotRepository,
		},
		{
			name:      "dirty worktree",
			stderr:    "fatal: '/work/worktrees/repo/issue-42' contains modified or untracked files, use --force to delete it",
			wantError: ErrDirtyWorktree,
		},
		{
			name:      "unknown error",
			stderr:    "fatal: some other error",
			wantError: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := parseGitError(tc.stderr, originalErr)

			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
			} else {
				require.Contains(t, err.Error(), tc.stderr)
			}
		})
	}
}

func TestParseWorktreeList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Worktree
	}{
		{
			name: "single worktree",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

`,
			want: []Worktree{
				{Path: "/path/to/repo", Head: "abc123def456", Branch: "main"},
			},
		},
		{
			name: "multiple worktrees",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main

worktree /path/to/worktrees/repo/issue-42
HEAD def456abc789
branch refs/heads/issue-42

`,
			want: []Worktree{
				{Path: "/path/to/repo", Head: "abc123def456", Branch: "main"},
				{Path: "/path/to/worktrees/repo/issue-42", Head: "def456abc789", Branch: "issue-42"},
			},
		},
		{
			name: "detached head",
			input: `worktree /path/to/repo
HEAD abc123def456
detached

`,
			want: []Worktree{
				{Path: "/path/to/repo", Head: "abc123def456", Detached: true},
			},
		},
		{
			name: "bare repo entry",
			input: `worktree /path/to/repo.git
bare

`,
			want: []Worktree{
				{Path: "/path/to/repo.git", Bare: true},
			},
		},
		{
			name:  "empty input",
			input: "",
			want:  nil,
		},
		{
			name: "no trailing newline",
			input: `worktree /path/to/repo
HEAD abc123def456
branch refs/heads/main`,
			want: []Worktree{
				{Path: "/path/to/repo", Head: "abc123def456", Branch: "main"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseWorktreeList(tc.input)
			require.Len(t, got, len(tc.want))
			for i := range got {
				require.Equal(t, tc.want[i], got[i], "worktree[%d]", i)
			}
		})
	}
}

func TestRealExecutor_RepoBasics(t *testing.T) {
	repo := initTestRepo(t)
	e := NewExecutor()
	ctx := context.Background()

	require.True(t, e.IsGitRepo(ctx, repo))
	require.False(t, e.IsGitRepo(ctx, t.TempDir()))

	branch, err := e.CurrentBranch(ctx, repo)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	require.Equal(t, "main", e.DefaultBranch(ctx, repo))

	require.True(t, e.BranchExists(ctx, repo, "main"))
	require.False(t, e.BranchExists(ctx, repo, "does-not-exist"))

	status, err := e.StatusPorcelain(ctx, repo)
	require.NoError(t, err)
	require.Empty(t, status)
}

func TestRealExecutor_WorktreeLifecycle(t *testing.T) {
	repo := initTestRepo(t)
	e := NewExecutor()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "issue-42")
	require.NoError(t, e.WorktreeAdd(ctx, repo, wtPath, "issue-42", ""))

	// The new worktree shows up in the porcelain listing
	worktrees, err := e.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, worktrees, 2)

	found := false
	for _, wt := range worktrees {
		if wt.Branch == "issue-42" {
			found = true
			// macOS tempdirs resolve through /private
			resolved, _ := filepath.EvalSymlinks(wt.Path)
			expected, _ := filepath.EvalSymlinks(wtPath)
			require.Equal(t, expected, resolved)
		}
	}
	require.True(t, found, "created worktree not listed: %+v", worktrees)

	// Creating again on the same branch fails with a typed error
	otherPath := filepath.Join(t.TempDir(), "other")
	err = e.WorktreeAdd(ctx, repo, otherPath, "issue-42", "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBranchInUse) || errors.Is(err, ErrBranchExists),
		"expected branch conflict, got %v", err)

	// Dirty worktrees are refused without force
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "dirty.txt"), []byte("x"), 0644))
	status, err := e.StatusPorcelain(ctx, wtPath)
	require.NoError(t, err)
	require.NotEmpty(t, status)

	err = e.WorktreeRemove(ctx, repo, wtPath, false)
	require.ErrorIs(t, err, ErrDirtyWorktree)

	// Force removal succeeds
	require.NoError(t, e.WorktreeRemove(ctx, repo, wtPath, true))
	_, statErr := os.Stat(wtPath)
	require.True(t, os.IsNotExist(statErr))

	// Removing again reports not-a-working-tree
	err = e.WorktreeRemove(ctx, repo, wtPath, false)
	require.ErrorIs(t, err, ErrNotWorktree)

	require.NoError(t, e.WorktreePrune(ctx, repo))
	require.NoError(t, e.DeleteBranch(ctx, repo, "issue-42", true))
}

func TestRealExecutor_MergedBranches(t *testing.T) {
	repo := initTestRepo(t)
	e := NewExecutor()
	ctx := context.Background()

	// A branch pointing at HEAD is merged by definition
	_, err := e.Run(ctx, repo, "branch", "issue-7")
	require.NoError(t, err)

	merged, err := e.MergedBranches(ctx, repo, "main")
	require.NoError(t, err)
	require.Contains(t, merged, "issue-7")
	require.NotContains(t, merged, "main")
}

func TestRealExecutor_Clone(t *testing.T) {
	src := initTestRepo(t)
	e := NewExecutor()
	ctx := context.Background()

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, e.Clone(ctx, src, dst))
	require.True(t, e.IsGitRepo(ctx, dst))

	// Pull on a fresh clone is a no-op but must succeed
	_, err := e.Pull(ctx, dst)
	require.NoError(t, err)
}

func TestInterfaceCompliance(t *testing.T) {
	var _ Executor = (*RealExecutor)(nil)
}
