package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/repoclone"
	"github.com/relaybot/relaybot/internal/template"
)

func (h *Handler) cmdSetCwd(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 1 {
		return fail("Usage: /setcwd <path>")
	}

	path, err := h.resolveWorkspacePath(args[0])
	if err != nil {
		return fail(err.Error())
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.IsDir() {
		return fail(fmt.Sprintf("Directory does not exist: %s", path))
	}

	if err := h.convs.UpdateConversation(ctx, conv.ID, conversation.Update{CWD: conversation.String(path)}); err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to update cwd")
		return fail("Failed to change the working directory.")
	}
	return okModified("Working directory set to " + path)
}

// resolveWorkspacePath absolutizes a /setcwd argument and rejects anything
// outside the workspace root. Relative paths resolve against the root.
func (h *Handler) resolveWorkspacePath(arg string) (string, error) {
	root := filepath.Clean(h.cloner.WorkspacePath())
	path := arg
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("Path must be inside the workspace (%s)", root)
	}
	return path, nil
}

func (h *Handler) cmdClone(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 1 {
		return fail("Usage: /clone <url|owner/name>")
	}
	repoURL, err := repoclone.ResolveURL(args[0])
	if err != nil {
		return fail(err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, constants.GitNetworkTimeout)
	defer cancel()

	cb, cloned, err := h.cloner.Clone(ctx, repoURL)
	if err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Clone failed")
		return fail(fmt.Sprintf("Clone failed: %v", err))
	}

	if result := h.bindCodebase(ctx, conv, cb); result != nil {
		return result
	}

	verb := "Reusing existing clone of"
	if cloned {
		verb = "Cloned"
	}
	return okModified(fmt.Sprintf("%s %s.\nCodebase: %s\nPath: %s\nAI assistant: %s",
		verb, repoURL, cb.Name, cb.LocalPath, cb.AIAssistantType))
}

// bindCodebase points the conversation at a codebase: binding, canonical
// cwd, cleared isolation, fresh session. The assistant type is inherited
// on the first bind only; the store keeps it write-once after that.
// Returns a failure result or nil.
func (h *Handler) bindCodebase(ctx context.Context, conv *conversation.Conversation, cb *codebase.Codebase) *Result {
	if err := h.convs.DeactivateSessionsForConversation(ctx, conv.ID); err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Warn("Failed to deactivate sessions")
	}
	err := h.convs.UpdateConversation(ctx, conv.ID, conversation.Update{
		CodebaseID:      conversation.String(cb.ID),
		CWD:             conversation.String(cb.LocalPath),
		AIAssistantType: conversation.String(cb.AIAssistantType),
		IsolationEnvID:  conversation.String(""),
	})
	if err != nil {
		h.log.WithError(err).WithConversationID(conv.ID).Error("Failed to bind codebase")
		return fail("Failed to bind the repository to this conversation.")
	}
	return nil
}

// workspaceFolders lists repository folders under the workspace, sorted.
func (h *Handler) workspaceFolders() ([]string, error) {
	entries, err := os.ReadDir(h.cloner.WorkspacePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var folders []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			folders = append(folders, entry.Name())
		}
	}
	sort.Strings(folders)
	return folders, nil
}

func (h *Handler) cmdRepos(ctx context.Context, conv *conversation.Conversation, _ []string) *Result {
	folders, err := h.workspaceFolders()
	if err != nil {
		h.log.WithError(err).Error("Failed to list workspace")
		return fail("Failed to list repositories.")
	}
	if len(folders) == 0 {
		return ok("No repositories in the workspace. Use /clone <url> to add one.")
	}

	active := ""
	if cb := h.loadCodebase(ctx, conv); cb != nil {
		active = filepath.Base(cb.LocalPath)
	}

	var sb strings.Builder
	sb.WriteString("Repositories:")
	for i, folder := range folders {
		marker := ""
		if folder == active {
			marker = " (active)"
		}
		fmt.Fprintf(&sb, "\n%d. %s%s", i+1, folder, marker)
	}
	return ok(sb.String())
}

func (h *Handler) cmdRepo(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) < 1 || len(args) > 2 {
		return fail("Usage: /repo <#|name> [pull]")
	}
	pull := len(args) == 2
	if pull && !strings.EqualFold(args[1], "pull") {
		return fail("Usage: /repo <#|name> [pull]")
	}

	cb, result := h.resolveRepo(ctx, args[0])
	if result != nil {
		return result
	}

	var pullNote string
	if pull {
		pullCtx, cancel := context.WithTimeout(ctx, constants.GitNetworkTimeout)
		out, err := h.git.Pull(pullCtx, cb.LocalPath)
		cancel()
		if err != nil {
			pullNote = fmt.Sprintf("\ngit pull failed: %v", err)
		} else {
			pullNote = "\ngit pull: " + firstLine(out)
		}
	}

	loaded, err := h.loadCodebaseCommands(ctx, cb, cb.CommandsFolder)
	if err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Debug("Command auto-load failed")
	}
	commandsNote := ""
	if loaded > 0 {
		commandsNote = fmt.Sprintf("\nLoaded %d command(s) from %s", loaded, cb.CommandsFolder)
	}

	if result := h.bindCodebase(ctx, conv, cb); result != nil {
		return result
	}
	return okModified(fmt.Sprintf("Switched to %s (%s)%s%s", cb.Name, cb.LocalPath, pullNote, commandsNote))
}

// resolveRepo finds a codebase by workspace index or name prefix, adopting
// workspace folders that have no record yet.
func (h *Handler) resolveRepo(ctx context.Context, selector string) (*codebase.Codebase, *Result) {
	folders, err := h.workspaceFolders()
	if err != nil {
		return nil, fail("Failed to list repositories.")
	}

	if index, convErr := strconv.Atoi(selector); convErr == nil {
		if index < 1 || index > len(folders) {
			return nil, fail(fmt.Sprintf("No repository #%d. /repos lists %d.", index, len(folders)))
		}
		cb, err := h.cloner.EnsureCodebase(ctx, filepath.Join(h.cloner.WorkspacePath(), folders[index-1]))
		if err != nil {
			h.log.WithError(err).Error("Failed to adopt repository")
			return nil, fail("Failed to register the repository.")
		}
		return cb, nil
	}

	if cb, err := h.codebases.GetCodebaseByNamePrefix(ctx, selector); err == nil {
		return cb, nil
	}
	for _, folder := range folders {
		if strings.HasPrefix(folder, selector) {
			cb, err := h.cloner.EnsureCodebase(ctx, filepath.Join(h.cloner.WorkspacePath(), folder))
			if err != nil {
				h.log.WithError(err).Error("Failed to adopt repository")
				return nil, fail("Failed to register the repository.")
			}
			return cb, nil
		}
	}
	return nil, fail(fmt.Sprintf("No repository matching %q. Use /repos to list them.", selector))
}

func (h *Handler) cmdCommandSet(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) < 2 {
		return fail("Usage: /command-set <name> <relpath> [body]")
	}
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}
	name, relPath := args[0], filepath.Clean(args[1])
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "..") {
		return fail("Command path must be relative to the repository root.")
	}

	fullPath := filepath.Join(cb.LocalPath, relPath)
	if len(args) >= 3 {
		body := strings.Join(args[2:], " ")
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return fail(fmt.Sprintf("Failed to write command file: %v", err))
		}
		if err := os.WriteFile(fullPath, []byte(body+"\n"), 0o644); err != nil {
			return fail(fmt.Sprintf("Failed to write command file: %v", err))
		}
	} else if _, err := os.Stat(fullPath); err != nil {
		return fail(fmt.Sprintf("Command file does not exist: %s", relPath))
	}

	description := ""
	if data, err := os.ReadFile(fullPath); err == nil {
		description, _ = template.ParseFrontMatter(data)
	}
	if description == "" {
		description = "Custom: " + name
	}

	commands := cb.Commands
	if commands == nil {
		commands = make(map[string]codebase.CommandSpec)
	}
	commands[name] = codebase.CommandSpec{Path: relPath, Description: description}
	if err := h.codebases.UpdateCodebaseCommands(ctx, cb.ID, commands); err != nil {
		h.log.WithError(err).WithCodebaseID(cb.ID).Error("Failed to save commands")
		return fail("Failed to save the command.")
	}
	return ok(fmt.Sprintf("Command %s registered (%s).", name, relPath))
}

func (h *Handler) cmdLoadCommands(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 1 {
		return fail("Usage: /load-commands <folder>")
	}
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}

	folder := filepath.Clean(args[0])
	if filepath.IsAbs(folder) || strings.HasPrefix(folder, "..") {
		return fail("Commands folder must be relative to the repository root.")
	}

	count, err := h.loadCodebaseCommands(ctx, cb, folder)
	if err != nil {
		return fail(fmt.Sprintf("Failed to load commands: %v", err))
	}
	if count == 0 {
		return ok(fmt.Sprintf("No *.md command files found in %s.", folder))
	}
	return ok(fmt.Sprintf("Loaded %d command(s) from %s.", count, folder))
}

// loadCodebaseCommands scans folder (relative to the codebase root) for
// *.md files and replaces the codebase command catalog with them. An empty
// folder name loads nothing.
func (h *Handler) loadCodebaseCommands(ctx context.Context, cb *codebase.Codebase, folder string) (int, error) {
	if folder == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(filepath.Join(cb.LocalPath, folder))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	commands := make(map[string]codebase.CommandSpec)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		relPath := filepath.Join(folder, entry.Name())
		description := ""
		if data, err := os.ReadFile(filepath.Join(cb.LocalPath, relPath)); err == nil {
			description, _ = template.ParseFrontMatter(data)
		}
		commands[name] = codebase.CommandSpec{Path: relPath, Description: description}
	}
	if len(commands) == 0 {
		return 0, nil
	}

	if err := h.codebases.UpdateCodebaseCommands(ctx, cb.ID, commands); err != nil {
		return 0, err
	}
	cb.Commands = commands
	cb.CommandsFolder = folder
	return len(commands), nil
}

func (h *Handler) cmdCommands(ctx context.Context, conv *conversation.Conversation, _ []string) *Result {
	cb := h.loadCodebase(ctx, conv)
	if cb == nil {
		return fail(noCodebaseMessage)
	}
	if len(cb.Commands) == 0 {
		return ok("No commands registered. Use /command-set or /load-commands.")
	}

	var sb strings.Builder
	sb.WriteString("Codebase commands:")
	for _, name := range sortedNames(cb.Commands) {
		spec := cb.Commands[name]
		fmt.Fprintf(&sb, "\n/command-invoke %s - %s", name, spec.Path)
		if spec.Description != "" {
			fmt.Fprintf(&sb, " (%s)", spec.Description)
		}
	}
	return ok(sb.String())
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
