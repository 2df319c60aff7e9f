package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/isolation"
)

var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const worktreeUsage = "Usage: /worktree create <branch> | list | remove [--force] | orphans | cleanup merged|stale"

func (h *Handler) cmdWorktree(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) == 0 {
		return fail(worktreeUsage)
	}
	switch args[0] {
	case "create":
		return h.worktreeCreate(ctx, conv, args[1:])
	case "list":
		return h.worktreeList(ctx, conv)
	case "remove":
		force := len(args) > 1 && args[1] == "--force"
		return h.worktreeRemove(ctx, conv, force)
	case "orphans":
		return h.worktreeOrphans(ctx, conv)
	case "cleanup":
		return h.worktreeCleanup(ctx, conv, args[1:])
	default:
		return fail(worktreeUsage)
	}
}

func (h *Handler) worktreeCreate(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 1 {
		return fail("Usage: /worktree create <branch>")
	}
	branch := args[0]
	if !branchNameRe.MatchString(branch) {
		return fail("Branch names may only contain letters, digits, hyphens and underscores.")
	}

	if conv.IsolationEnvID != "" {
		current := "a worktree"
		if env, err := h.provider.Get(ctx, conv.IsolationEnvID); err == nil {
			current = env.BranchName
		}
		return fail(fmt.Sprintf("Already working in %s. Use /worktree remove first.", current))
	}

	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	note, hasRoom, err := h.cleanup.EnsureCapacity(ctx, cb)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Capacity check failed")
		return fail("Failed to check the worktree quota.")
	}
	if !hasRoom {
		return fail(note)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.GitMutateTimeout)
	defer cancel()

	env, err := h.provider.Create(ctx, isolation.CreateRequest{
		CodebaseID:        cb.ID,
		CanonicalRepoPath: cb.LocalPath,
		WorkflowType:      isolation.WorkflowTask,
		Identifier:        branch,
		CreatedByPlatform: conv.Platform,
	})
	if errors.Is(err, isolation.ErrBranchInUse) {
		return fail(fmt.Sprintf("Branch %s is already used by another worktree.", branch))
	}
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Worktree create failed")
		return fail(fmt.Sprintf("Failed to create the worktree: %v", err))
	}

	// The session is deliberately kept: the assistant's context carries
	// over into the isolated branch.
	err = h.convs.UpdateConversation(ctx, conv.ID, conversation.Update{
		IsolationEnvID: conversation.String(env.ID),
		CWD:            conversation.String(env.WorkingPath),
	})
	if err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to bind worktree")
		return fail("Worktree created but binding it to this conversation failed.")
	}

	message := fmt.Sprintf("Working on branch %s in %s", env.BranchName, env.WorkingPath)
	if note != "" {
		message = note + "\n" + message
	}
	return okModified(message)
}

func (h *Handler) worktreeList(ctx context.Context, conv *conversation.Conversation) *Result {
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	envs, err := h.envs.ListByCodebaseWithAge(ctx, cb.ID)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Failed to list environments")
		return fail("Failed to list worktrees.")
	}

	tracked := make(map[string]bool, len(envs))
	var sb strings.Builder
	sb.WriteString("Worktrees:")
	for _, env := range envs {
		tracked[env.WorkingPath] = true
		fmt.Fprintf(&sb, "\n  - %s (%s, %dd inactive)", env.BranchName, env.WorkflowType, env.DaysSinceActivity)
		if env.ID == conv.IsolationEnvID {
			sb.WriteString(" (current)")
		}
	}

	// git worktree list is ground truth; entries the store does not know
	// about show up as untracked.
	worktrees, err := h.git.WorktreeList(ctx, cb.LocalPath)
	if err == nil {
		for _, wt := range worktrees {
			if wt.Bare || wt.Path == cb.LocalPath || tracked[wt.Path] {
				continue
			}
			fmt.Fprintf(&sb, "\n  - %s (untracked: %s)", wt.Branch, wt.Path)
		}
	}

	if len(envs) == 0 {
		return ok("No worktrees. Use /worktree create <branch> to start one.")
	}
	return ok(sb.String())
}

func (h *Handler) worktreeRemove(ctx context.Context, conv *conversation.Conversation, force bool) *Result {
	if conv.IsolationEnvID == "" {
		return fail("This conversation is not using a worktree.")
	}
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	env, err := h.provider.Get(ctx, conv.IsolationEnvID)
	if err != nil && !errors.Is(err, isolation.ErrNotFound) {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to load environment")
		return fail("Failed to load the worktree.")
	}

	if env != nil && !force {
		status, statusErr := h.git.StatusPorcelain(ctx, env.WorkingPath)
		if statusErr == nil && strings.TrimSpace(status) != "" {
			return fail("The worktree has uncommitted changes. Commit them or use /worktree remove --force.")
		}
	}

	// Unbind before destroying so the reference check passes, and start a
	// fresh session back on the canonical checkout.
	err = h.convs.UpdateConversation(ctx, conv.ID, conversation.Update{
		IsolationEnvID: conversation.String(""),
		CWD:            conversation.String(cb.LocalPath),
	})
	if err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to unbind worktree")
		return fail("Failed to detach from the worktree.")
	}
	if err := h.convs.DeactivateSessionsForConversation(ctx, conv.ID); err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Warn("Failed to deactivate sessions")
	}

	if env == nil {
		return okModified("Worktree record was already gone. Back on " + cb.LocalPath)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.GitMutateTimeout)
	defer cancel()

	err = h.provider.Destroy(ctx, env.ID, isolation.DestroyOptions{Force: force})
	switch {
	case errors.Is(err, isolation.ErrStillReferenced):
		return okModified(fmt.Sprintf("Detached from %s; the worktree is kept because other conversations still use it.", env.BranchName))
	case errors.Is(err, isolation.ErrDirty):
		return okModified(fmt.Sprintf("Detached from %s; the worktree is kept because it has uncommitted changes.", env.BranchName))
	case err != nil:
		h.log.WithError(err).WithConversationID(conv.ID).Error("Worktree destroy failed")
		return failModified(fmt.Sprintf("Detached, but destroying the worktree failed: %v", err))
	}
	return okModified(fmt.Sprintf("Removed worktree %s. Back on %s", env.BranchName, cb.LocalPath))
}

func (h *Handler) worktreeOrphans(ctx context.Context, conv *conversation.Conversation) *Result {
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	envs, err := h.envs.ListByCodebase(ctx, cb.ID)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Failed to list environments")
		return fail("Failed to list worktrees.")
	}
	worktrees, err := h.git.WorktreeList(ctx, cb.LocalPath)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("git worktree list failed")
		return fail("Failed to inspect git worktrees.")
	}

	onDisk := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		if !wt.Bare && wt.Path != cb.LocalPath {
			onDisk[wt.Path] = true
		}
	}

	var missing, untracked []string
	recorded := make(map[string]bool, len(envs))
	for _, env := range envs {
		recorded[env.WorkingPath] = true
		if !onDisk[env.WorkingPath] {
			missing = append(missing, fmt.Sprintf("%s (%s)", env.BranchName, env.WorkingPath))
		}
	}
	for _, wt := range worktrees {
		if !wt.Bare && wt.Path != cb.LocalPath && !recorded[wt.Path] {
			untracked = append(untracked, fmt.Sprintf("%s (%s)", wt.Branch, wt.Path))
		}
	}

	if len(missing) == 0 && len(untracked) == 0 {
		return ok("No orphans: records and git worktrees agree.")
	}
	var sb strings.Builder
	if len(missing) > 0 {
		sb.WriteString("Recorded but missing on disk:")
		for _, entry := range missing {
			sb.WriteString("\n  - " + entry)
		}
	}
	if len(untracked) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("On disk but not recorded:")
		for _, entry := range untracked {
			sb.WriteString("\n  - " + entry)
		}
	}
	return ok(sb.String())
}

func (h *Handler) worktreeCleanup(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 1 || (args[0] != "merged" && args[0] != "stale") {
		return fail("Usage: /worktree cleanup merged|stale")
	}
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, constants.CleanupRunTimeout)
	defer cancel()

	var result *cleanup.Result
	var err error
	if args[0] == "merged" {
		result, err = h.cleanup.CleanupMerged(ctx, cb)
	} else {
		result, err = h.cleanup.CleanupStale(ctx, cb)
	}
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Cleanup failed")
		return fail(fmt.Sprintf("Cleanup failed: %v", err))
	}
	return ok(cleanup.FormatResult(result))
}
