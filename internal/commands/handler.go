package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/repoclone"
	"github.com/relaybot/relaybot/internal/template"
)

// Result is the outcome of one deterministic command.
type Result struct {
	// Success reports whether the command did what was asked.
	Success bool

	// Message is the reply sent back to the platform.
	Message string

	// Modified signals the caller to reload the conversation before
	// continuing: the command changed its binding, cwd or isolation.
	Modified bool
}

func ok(message string) *Result          { return &Result{Success: true, Message: message} }
func okModified(message string) *Result  { return &Result{Success: true, Message: message, Modified: true} }
func fail(message string) *Result        { return &Result{Success: false, Message: message} }
func failModified(message string) *Result { return &Result{Success: false, Message: message, Modified: true} }

const noCodebaseMessage = "No codebase configured. Use /clone first."

// Handler dispatches the deterministic command catalog.
type Handler struct {
	convs     conversation.Store
	codebases codebase.Store
	envs      isolation.Store
	provider  isolation.Provider
	templates template.Store
	registry  *template.Registry
	cleanup   *cleanup.Service
	cloner    *repoclone.Cloner
	git       git.Executor
	log       *logger.Logger
}

// NewHandler wires the command catalog over its collaborators.
func NewHandler(
	convs conversation.Store,
	codebases codebase.Store,
	envs isolation.Store,
	provider isolation.Provider,
	templates template.Store,
	registry *template.Registry,
	cleanupSvc *cleanup.Service,
	cloner *repoclone.Cloner,
	gitExec git.Executor,
	log *logger.Logger,
) *Handler {
	return &Handler{
		convs:     convs,
		codebases: codebases,
		envs:      envs,
		provider:  provider,
		templates: templates,
		registry:  registry,
		cleanup:   cleanupSvc,
		cloner:    cloner,
		git:       gitExec,
		log:       log,
	}
}

// catalog maps command names to their implementations. /command-invoke is
// deliberately absent: the orchestrator resolves it into a prompt and runs
// the AI flow.
var catalog = map[string]func(*Handler, context.Context, *conversation.Conversation, []string) *Result{
	"help":            (*Handler).cmdHelp,
	"status":          (*Handler).cmdStatus,
	"reset":           (*Handler).cmdReset,
	"getcwd":          (*Handler).cmdGetCwd,
	"setcwd":          (*Handler).cmdSetCwd,
	"clone":           (*Handler).cmdClone,
	"repos":           (*Handler).cmdRepos,
	"repo":            (*Handler).cmdRepo,
	"command-set":     (*Handler).cmdCommandSet,
	"load-commands":   (*Handler).cmdLoadCommands,
	"commands":        (*Handler).cmdCommands,
	"template-add":    (*Handler).cmdTemplateAdd,
	"template-list":   (*Handler).cmdTemplateList,
	"templates":       (*Handler).cmdTemplateList,
	"template-delete": (*Handler).cmdTemplateDelete,
	"worktree":        (*Handler).cmdWorktree,
}

// Known reports whether name belongs to the deterministic catalog.
func Known(name string) bool {
	_, known := catalog[name]
	return known
}

// Handle runs one catalog command against a loaded conversation.
func (h *Handler) Handle(ctx context.Context, conv *conversation.Conversation, name string, args []string) *Result {
	impl, known := catalog[name]
	if !known {
		return fail(fmt.Sprintf("Unknown command: /%s. Type /help or /templates", name))
	}
	return impl(h, ctx, conv, args)
}

// loadCodebase resolves the conversation's bound codebase, nil when unbound.
func (h *Handler) loadCodebase(ctx context.Context, conv *conversation.Conversation) *codebase.Codebase {
	if conv.CodebaseID == "" {
		return nil
	}
	cb, err := h.codebases.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Warn("Bound codebase missing")
		return nil
	}
	return cb
}

func (h *Handler) cmdHelp(_ context.Context, _ *conversation.Conversation, _ []string) *Result {
	return ok(helpText)
}

const helpText = `Available commands:
/help - show this help
/status - conversation, codebase and worktree status
/reset - start a fresh AI session
/getcwd - show the working directory
/setcwd <path> - change the working directory
/clone <url|owner/name> - clone a repository and bind it
/repos - list workspace repositories
/repo <#|name> [pull] - switch to a repository
/command-set <name> <path> [body] - register a codebase command
/load-commands <folder> - load codebase commands from a folder
/commands - list codebase commands
/command-invoke <name> [args...] - run a codebase command
/template-add <name> <path> - add a prompt template from a file
/template-list - list prompt templates (alias /templates)
/template-delete <name> - delete a prompt template
/worktree create <branch> - work on an isolated branch
/worktree list - list isolated worktrees
/worktree remove [--force] - leave and destroy the current worktree
/worktree orphans - compare recorded worktrees against git
/worktree cleanup merged|stale - reap finished worktrees

Any other /command runs the prompt template of the same name.`

func (h *Handler) cmdStatus(ctx context.Context, conv *conversation.Conversation, _ []string) *Result {
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return ok(noCodebaseMessage)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Codebase: %s\n", cb.Name)
	fmt.Fprintf(&sb, "AI assistant: %s\n", conversationAssistant(conv, cb))
	fmt.Fprintf(&sb, "Working directory: %s\n", conversationCwd(conv, cb))
	if conv.IsolationEnvID != "" {
		if env, err := h.provider.Get(ctx, conv.IsolationEnvID); err == nil {
			fmt.Fprintf(&sb, "Worktree: %s\n", env.BranchName)
		}
	}

	breakdown, err := h.cleanup.StatusBreakdown(ctx, cb)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Warn("Status breakdown failed")
	} else {
		sb.WriteString("\n")
		sb.WriteString(breakdown.Format())
	}
	return ok(sb.String())
}

func (h *Handler) cmdReset(ctx context.Context, conv *conversation.Conversation, _ []string) *Result {
	if err := h.convs.DeactivateSessionsForConversation(ctx, conv.ID); err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to deactivate sessions")
		return fail("Failed to reset the session.")
	}
	return ok("Session reset. The next message starts a fresh AI session.")
}

func (h *Handler) cmdGetCwd(ctx context.Context, conv *conversation.Conversation, _ []string) *Result {
	cb := h.loadCodebase(ctx, conv)
	cwd := conversationCwd(conv, cb)
	if cwd == "" {
		return ok(noCodebaseMessage)
	}
	return ok("Working directory: " + cwd)
}

// conversationCwd resolves the effective working directory: explicit cwd,
// then the codebase canonical path.
func conversationCwd(conv *conversation.Conversation, cb *codebase.Codebase) string {
	if conv.CWD != "" {
		return conv.CWD
	}
	if cb != nil {
		return cb.LocalPath
	}
	return ""
}

// conversationAssistant resolves the effective assistant type.
func conversationAssistant(conv *conversation.Conversation, cb *codebase.Codebase) string {
	if conv.AIAssistantType != "" {
		return conv.AIAssistantType
	}
	if cb != nil && cb.AIAssistantType != "" {
		return cb.AIAssistantType
	}
	return "claude"
}

// sortedNames returns map keys in stable order for display.
func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
