package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/template"
)

func (h *Handler) cmdTemplateAdd(ctx context.Context, conv *conversation.Conversation, args []string) *Result {
	if len(args) != 2 {
		return fail("Usage: /template-add <name> <relpath>")
	}
	name, relPath := args[0], args[1]

	base := conversationCwd(conv, h.loadCodebase(ctx, conv))
	if base == "" {
		return fail(noCodebaseMessage)
	}
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Sprintf("Cannot read %s: %v", relPath, err))
	}

	description, body := template.ParseFrontMatter(data)
	tpl := &template.Template{
		Name:        name,
		Description: description,
		Content:     body,
	}
	if err := h.templates.Upsert(ctx, tpl); err != nil {
		h.log.WithError(err).Error("Failed to save template")
		return fail("Failed to save the template.")
	}
	return ok(fmt.Sprintf("Template %s added. Invoke it with /%s.", name, name))
}

func (h *Handler) cmdTemplateList(ctx context.Context, _ *conversation.Conversation, _ []string) *Result {
	templates, err := h.registry.List(ctx)
	if err != nil {
		h.log.WithError(err).Error("Failed to list templates")
		return fail("Failed to list templates.")
	}
	if len(templates) == 0 {
		return ok("No templates. Use /template-add to create one.")
	}

	var sb strings.Builder
	sb.WriteString("Templates:")
	for _, tpl := range templates {
		fmt.Fprintf(&sb, "\n/%s", tpl.Name)
		if tpl.Description != "" {
			fmt.Fprintf(&sb, " - %s", tpl.Description)
		}
		if tpl.Builtin {
			sb.WriteString(" [builtin]")
		}
	}
	return ok(sb.String())
}

func (h *Handler) cmdTemplateDelete(ctx context.Context, _ *conversation.Conversation, args []string) *Result {
	if len(args) != 1 {
		return fail("Usage: /template-delete <name>")
	}
	name := args[0]
	err := h.templates.Delete(ctx, name)
	if errors.Is(err, template.ErrNotFound) {
		return fail(fmt.Sprintf("No template named %s.", name))
	}
	if err != nil {
		h.log.WithError(err).Error("Failed to delete template")
		return fail("Failed to delete the template.")
	}
	return ok(fmt.Sprintf("Template %s deleted. Builtin templates come back on restart.", name))
}
