package isolation

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// BranchName derives the deterministic branch for a request. The same
// request always yields the same branch, which is what makes adoption of
// pre-existing worktrees possible.
func BranchName(req CreateRequest) string {
	switch req.WorkflowType {
	case WorkflowIssue:
		return "issue-" + req.Identifier
	case WorkflowPR:
		if req.PRSha != "" {
			return "pr-" + req.Identifier + "-review"
		}
		return "pr-" + req.Identifier
	case WorkflowReview:
		return "pr-" + req.Identifier + "-review"
	case WorkflowThread:
		sum := sha256.Sum256([]byte(req.Identifier))
		return "thread-" + hex.EncodeToString(sum[:])[:8]
	case WorkflowTask:
		return "task-" + Slug(req.Identifier)
	default:
		return Slug(req.Identifier)
	}
}

// Slug lowercases s and keeps [a-z0-9-], collapsing every other run of
// characters into a single hyphen and trimming hyphens from the ends.
func Slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// WorktreePath computes where a branch's worktree lives:
// <base>/<repo basename>/<branch>, where base defaults to a worktrees
// directory next to the canonical checkout. A leading ~ in base expands to
// the user's home directory.
func WorktreePath(base, canonicalRepoPath, branch string) string {
	if base == "" {
		base = filepath.Join(filepath.Dir(canonicalRepoPath), "worktrees")
	}
	return filepath.Join(ExpandHome(base), filepath.Base(canonicalRepoPath), branch)
}

// ExpandHome rewrites a leading ~ to the current user's home directory.
// Paths without the prefix are returned unchanged, as is everything when
// the home directory cannot be determined.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
