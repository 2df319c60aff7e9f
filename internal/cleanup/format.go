package cleanup

import (
	"fmt"
	"strings"
)

// Format renders the quota breakdown for chat display.
func (b *Breakdown) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Worktrees: %d/%d (%d merged, %d stale, %d active)",
		b.Total, b.Limit, len(b.Merged), len(b.Stale), len(b.Active))
	writeSection(&sb, "Merged", b.Merged)
	writeSection(&sb, "Stale", b.Stale)
	writeSection(&sb, "Active", b.Active)
	return sb.String()
}

func writeSection(sb *strings.Builder, label string, envs []*EnvStatus) {
	if len(envs) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s (%d):", label, len(envs))
	for _, status := range envs {
		fmt.Fprintf(sb, "\n  - %s (%dd inactive)", status.Env.BranchName, status.Env.DaysSinceActivity)
	}
}

// FormatLimitMessage renders the abort message shown when a codebase is at
// its worktree cap and nothing could be reaped automatically.
func FormatLimitMessage(b *Breakdown) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Worktree limit reached (%d/%d). No merged worktrees could be cleaned up automatically.\n\n", b.Total, b.Limit)
	sb.WriteString(b.Format())
	sb.WriteString("\n\nFree up room with `/worktree cleanup merged`, `/worktree cleanup stale` or `/worktree remove`.")
	return sb.String()
}

// FormatResult renders one cleanup pass for chat display.
func FormatResult(r *Result) string {
	if len(r.Removed) == 0 && len(r.Skipped) == 0 {
		return "Nothing to clean up."
	}
	var sb strings.Builder
	if len(r.Removed) > 0 {
		fmt.Fprintf(&sb, "Cleaned up %d worktree(s): %s", len(r.Removed), strings.Join(r.Removed, ", "))
	}
	for _, skip := range r.Skipped {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Skipped %s: %s", skip.Branch, skip.Reason)
	}
	return sb.String()
}
