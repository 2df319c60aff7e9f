// Package errclass maps low-level failures onto the small set of
// user-visible error categories. The orchestrator reports the category's
// message to the platform; full details go to logs only.
package errclass

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/template"
	"github.com/relaybot/relaybot/pkg/ai"
)

// Kind is one user-visible error category.
type Kind string

const (
	TransientNetwork Kind = "transient_network"
	AIUnavailable    Kind = "ai_unavailable"
	Auth             Kind = "auth"
	LimitReached     Kind = "limit_reached"
	DirtyWorktree    Kind = "dirty_worktree"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	Internal         Kind = "internal"
)

// Classify maps an error to its category. Nil classifies as Internal; don't
// call it on success paths.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Internal

	case errors.Is(err, isolation.ErrLimitReached):
		return LimitReached
	case errors.Is(err, isolation.ErrDirty),
		errors.Is(err, git.ErrDirtyWorktree):
		return DirtyWorktree
	case errors.Is(err, isolation.ErrBranchInUse),
		errors.Is(err, isolation.ErrStillReferenced),
		errors.Is(err, git.ErrBranchExists),
		errors.Is(err, git.ErrBranchInUse),
		errors.Is(err, git.ErrPathExists),
		errors.Is(err, codebase.ErrAlreadyExists):
		return Conflict
	case errors.Is(err, isolation.ErrNotFound),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, conversation.ErrSessionNotFound),
		errors.Is(err, codebase.ErrNotFound),
		errors.Is(err, template.ErrNotFound),
		errors.Is(err, git.ErrNotRepository),
		errors.Is(err, git.ErrNotWorktree),
		errors.Is(err, os.ErrNotExist):
		return NotFound

	case errors.Is(err, ai.ErrUnavailable),
		errors.Is(err, ai.ErrUnknownAssistant),
		errors.Is(err, ai.ErrSessionNotFound):
		return AIUnavailable

	case errors.Is(err, os.ErrPermission):
		return Auth

	case isTransientNetwork(err):
		return TransientNetwork

	default:
		return Internal
	}
}

// isTransientNetwork matches timeouts and the usual connection-level
// failures that are worth retrying.
func isTransientNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// UserMessage returns the short, actionable, platform-neutral message for a
// category.
func UserMessage(kind Kind) string {
	switch kind {
	case TransientNetwork:
		return "A network operation timed out. Please try again."
	case AIUnavailable:
		return "The AI assistant is unavailable. Check that it is installed and its credentials are configured."
	case Auth:
		return "You are not authorized to perform this action."
	case LimitReached:
		return "A resource limit was reached. Run /worktree cleanup merged to free worktrees."
	case DirtyWorktree:
		return "The worktree has uncommitted changes. Commit or discard them, or retry with --force."
	case NotFound:
		return "The requested resource was not found."
	case Conflict:
		return "The operation conflicts with existing state. Check /status and retry."
	default:
		return "An internal error occurred. Please try again or contact the operator."
	}
}

// Describe classifies err and returns the matching user message.
func Describe(err error) string {
	return UserMessage(Classify(err))
}
