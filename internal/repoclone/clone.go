// Package repoclone clones repositories into the workspace and registers
// them as codebases. Cloning is idempotent: an existing checkout is reused
// and its codebase record refreshed instead of cloning again.
package repoclone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/git"
)

// DefaultWorkspacePath is used when WORKSPACE_PATH is unset.
const DefaultWorkspacePath = "/workspace"

// Config holds clone placement configuration.
type Config struct {
	// WorkspacePath is the root directory repositories are cloned under.
	WorkspacePath string `mapstructure:"workspacePath"`

	// DefaultAssistant is used when a repository carries no assistant
	// marker directory.
	DefaultAssistant string `mapstructure:"defaultAssistant"`
}

// Cloner clones repositories and keeps codebase records in sync.
type Cloner struct {
	cfg       Config
	git       git.Executor
	codebases codebase.Store
	log       *logger.Logger

	// repoMus maps target path to a mutex so concurrent /clone calls for
	// the same repository cannot double-clone.
	repoMus sync.Map
}

// NewCloner creates a cloner over the workspace root.
func NewCloner(cfg Config, gitExec git.Executor, codebases codebase.Store, log *logger.Logger) *Cloner {
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = DefaultWorkspacePath
	}
	return &Cloner{cfg: cfg, git: gitExec, codebases: codebases, log: log}
}

// WorkspacePath returns the configured clone root.
func (c *Cloner) WorkspacePath() string { return c.cfg.WorkspacePath }

func (c *Cloner) repoMu(path string) *sync.Mutex {
	mu, _ := c.repoMus.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// RepoNameFromURL extracts the repository basename from an HTTPS or SSH
// remote URL.
func RepoNameFromURL(repoURL string) string {
	name := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// ResolveURL turns a /clone argument into a clone URL. Full HTTPS and SSH
// URLs pass through; a bare owner/name pair is expanded for the default
// provider using the detected protocol.
func ResolveURL(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("empty repository URL")
	}
	if strings.Contains(arg, "://") || strings.HasPrefix(arg, "git@") {
		return arg, nil
	}
	parts := strings.Split(arg, "/")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return CloneURL(parts[0], parts[1], DetectGitProtocol()), nil
	}
	return "", fmt.Errorf("unrecognized repository %q: expected a URL or owner/name", arg)
}

// Clone ensures repoURL is checked out under the workspace and returns the
// matching codebase record, creating or refreshing it as needed. The
// second return reports whether a fresh clone happened.
func (c *Cloner) Clone(ctx context.Context, repoURL string) (*codebase.Codebase, bool, error) {
	name := RepoNameFromURL(repoURL)
	if name == "" {
		return nil, false, fmt.Errorf("cannot derive repository name from %q", repoURL)
	}
	targetPath := filepath.Join(c.cfg.WorkspacePath, name)

	mu := c.repoMu(targetPath)
	mu.Lock()
	defer mu.Unlock()

	cloned := false
	if !c.checkoutExists(targetPath) {
		if err := os.MkdirAll(c.cfg.WorkspacePath, 0o755); err != nil {
			return nil, false, fmt.Errorf("create workspace directory: %w", err)
		}
		c.log.Info("Cloning repository", zap.String("url", repoURL), zap.String("target", targetPath))
		if err := c.git.Clone(ctx, repoURL, targetPath); err != nil {
			return nil, false, fmt.Errorf("git clone failed: %w", err)
		}
		cloned = true
	} else {
		c.log.Debug("Repository already cloned", zap.String("target", targetPath))
	}

	if err := c.git.AddSafeDirectory(ctx, targetPath); err != nil {
		c.log.WithError(err).Debug("Failed to mark safe.directory")
	}

	cb, err := c.registerCodebase(ctx, repoURL, name, targetPath)
	if err != nil {
		return nil, cloned, err
	}
	return cb, cloned, nil
}

// EnsureCodebase registers an existing checkout as a codebase without
// cloning, reusing a record matched by local path. /repo uses this to
// adopt workspace folders that were cloned out of band.
func (c *Cloner) EnsureCodebase(ctx context.Context, targetPath string) (*codebase.Codebase, error) {
	cb, err := c.codebases.GetCodebaseByPath(ctx, targetPath)
	if err != nil {
		cb = &codebase.Codebase{Name: filepath.Base(targetPath), LocalPath: targetPath}
	}

	cb.AIAssistantType = c.detectAssistant(targetPath)
	cb.CommandsFolder = DetectCommandsFolder(targetPath)
	cb.DefaultBranch = c.git.DefaultBranch(ctx, targetPath)

	if cb.ID == "" {
		return cb, c.codebases.CreateCodebase(ctx, cb)
	}
	return cb, c.codebases.UpdateCodebase(ctx, cb)
}

func (c *Cloner) checkoutExists(targetPath string) bool {
	info, err := os.Stat(filepath.Join(targetPath, ".git"))
	return err == nil && info.IsDir()
}

// registerCodebase reuses a record matching the remote URL or the local
// path, refreshing detected fields, or creates a new one.
func (c *Cloner) registerCodebase(ctx context.Context, repoURL, name, targetPath string) (*codebase.Codebase, error) {
	cb, err := c.codebases.GetCodebaseByRepoURL(ctx, repoURL)
	if err != nil {
		cb, err = c.codebases.GetCodebaseByPath(ctx, targetPath)
	}
	if err != nil {
		cb = &codebase.Codebase{Name: name, RepoURL: repoURL, LocalPath: targetPath}
	}

	cb.AIAssistantType = c.detectAssistant(targetPath)
	cb.CommandsFolder = DetectCommandsFolder(targetPath)
	cb.DefaultBranch = c.git.DefaultBranch(ctx, targetPath)

	if cb.ID == "" {
		if err := c.codebases.CreateCodebase(ctx, cb); err != nil {
			return nil, err
		}
		return cb, nil
	}
	if err := c.codebases.UpdateCodebase(ctx, cb); err != nil {
		return nil, err
	}
	return cb, nil
}

// detectAssistant picks the assistant whose marker directory exists in the
// checkout. `.codex/` wins over `.claude/` so repositories carrying both
// keep their Codex setup.
func (c *Cloner) detectAssistant(targetPath string) string {
	for _, marker := range []struct {
		dir       string
		assistant string
	}{
		{".codex", "codex"},
		{".claude", "claude"},
	} {
		if info, err := os.Stat(filepath.Join(targetPath, marker.dir)); err == nil && info.IsDir() {
			return marker.assistant
		}
	}
	if c.cfg.DefaultAssistant != "" {
		return c.cfg.DefaultAssistant
	}
	return "claude"
}

// DetectCommandsFolder returns the first known command folder present in
// the checkout, empty when none exists.
func DetectCommandsFolder(targetPath string) string {
	for _, folder := range []string{".claude/commands", ".agents/commands"} {
		if info, err := os.Stat(filepath.Join(targetPath, folder)); err == nil && info.IsDir() {
			return folder
		}
	}
	return ""
}
