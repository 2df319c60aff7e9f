package template

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/common/logger"
)

//go:embed assets/templates/*.md
var builtinAssets embed.FS

// BuiltinSource returns the embedded builtin template set.
func BuiltinSource() fs.FS {
	sub, err := fs.Sub(builtinAssets, "assets/templates")
	if err != nil {
		// The embed path is fixed at compile time.
		panic(err)
	}
	return sub
}

// Registry resolves templates for the orchestrator and seeds the builtin
// set at startup.
type Registry struct {
	store Store
	log   *logger.Logger
}

// NewRegistry creates a registry over a template store.
func NewRegistry(store Store, log *logger.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Get resolves a template by name.
func (r *Registry) Get(ctx context.Context, name string) (*Template, error) {
	return r.store.Get(ctx, name)
}

// List returns all templates ordered by name.
func (r *Registry) List(ctx context.Context) ([]*Template, error) {
	return r.store.List(ctx)
}

// Seed upserts every *.md file in source as a builtin template: the name is
// the filename without extension, the description comes from YAML front
// matter, and the content is the body below it. A missing or empty source
// seeds nothing. Returns the number of templates seeded.
func (r *Registry) Seed(ctx context.Context, source fs.FS) (int, error) {
	matches, err := fs.Glob(source, "*.md")
	if err != nil {
		return 0, fmt.Errorf("failed to scan builtin templates: %w", err)
	}

	count := 0
	for _, file := range matches {
		data, err := fs.ReadFile(source, file)
		if err != nil {
			return count, fmt.Errorf("failed to read template %s: %w", file, err)
		}

		name := strings.TrimSuffix(path.Base(file), ".md")
		description, body := ParseFrontMatter(data)
		tpl := &Template{
			Name:        name,
			Description: description,
			Content:     body,
			Builtin:     true,
		}
		if err := r.store.Upsert(ctx, tpl); err != nil {
			return count, fmt.Errorf("failed to seed template %s: %w", name, err)
		}
		count++
	}

	if count > 0 {
		r.log.WithFields(zap.Int("count", count)).Info("Seeded builtin templates")
	}
	return count, nil
}

// SeedSource picks the builtin template source: a configured directory when
// set, otherwise the embedded assets.
func SeedSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return BuiltinSource()
}

// ParseFrontMatter extracts the description from a markdown file's YAML
// front matter and returns the body without the front matter block. Files
// without front matter come back verbatim. Codebase command files share
// this format with templates.
func ParseFrontMatter(src []byte) (string, string) {
	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	pctx := parser.NewContext()

	var discard bytes.Buffer
	description := ""
	if err := md.Convert(src, &discard, parser.WithContext(pctx)); err == nil {
		if data := meta.Get(pctx); data != nil {
			if d, ok := data["description"].(string); ok {
				description = d
			}
		}
	}
	return description, stripFrontMatter(string(src))
}

// stripFrontMatter removes a leading --- fenced YAML block, if present.
func stripFrontMatter(s string) string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return s
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimLeft(strings.Join(lines[i+1:], ""), "\r\n")
		}
	}
	return s
}
