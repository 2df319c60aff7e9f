package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/template"
)

// InvokeName is the legacy command the orchestrator resolves into a prompt
// instead of dispatching through the catalog.
const InvokeName = "command-invoke"

// ResolveInvocation handles /command-invoke <name> [args...]: it looks up
// the codebase command, reads its file and substitutes the remaining
// arguments. On success it returns the prompt and the command name for
// session metadata; otherwise errResult carries the reply to send.
func (h *Handler) ResolveInvocation(ctx context.Context, conv *conversation.Conversation, args []string) (prompt, commandName string, errResult *Result) {
	if len(args) < 1 {
		return "", "", fail("Usage: /command-invoke <name> [args...]")
	}
	name := args[0]

	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return "", "", fail(noCodebaseMessage)
	}
	relPath, found := cb.CommandPath(name)
	if !found {
		return "", "", fail(fmt.Sprintf("No command named %s. Use /commands to list them.", name))
	}

	data, err := os.ReadFile(filepath.Join(cb.LocalPath, relPath))
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Warn("Command file unreadable")
		return "", "", fail(fmt.Sprintf("Cannot read command file %s: %v", relPath, err))
	}

	_, body := template.ParseFrontMatter(data)
	return template.Substitute(body, args[1:]), name, nil
}
