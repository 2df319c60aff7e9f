// Package codebase manages registered repositories: their canonical clone
// location, the AI assistant type detected for them, and the per-codebase
// command catalog loaded from the repository's commands folder.
package codebase

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested codebase does not exist.
	ErrNotFound = errors.New("codebase not found")

	// ErrAlreadyExists is returned when a codebase with the same path is registered.
	ErrAlreadyExists = errors.New("codebase already exists")
)

// CommandSpec is one entry of the per-codebase command catalog: a prompt
// file inside the repository plus a one-line description for /commands.
type CommandSpec struct {
	// Path is the command file location relative to the codebase root.
	Path string `json:"path"`

	// Description is the summary shown when listing commands.
	Description string `json:"description,omitempty"`
}

// Codebase represents a registered repository.
type Codebase struct {
	// ID is the unique identifier for this codebase.
	ID string `json:"id"`

	// Name is the short display name, usually the repository basename.
	Name string `json:"name"`

	// RepoURL is the remote the codebase was cloned from, empty for
	// repositories registered from a pre-existing local path.
	RepoURL string `json:"repo_url,omitempty"`

	// LocalPath is the canonical clone directory on disk.
	LocalPath string `json:"local_path"`

	// AIAssistantType is the assistant detected or configured for this
	// codebase (claude, codex, opencode). Empty means use the broker
	// default.
	AIAssistantType string `json:"ai_assistant_type,omitempty"`

	// CommandsFolder is the relative directory holding command files
	// (e.g. .claude/commands), empty when none was detected.
	CommandsFolder string `json:"commands_folder,omitempty"`

	// Commands is the per-codebase command catalog keyed by command name.
	Commands map[string]CommandSpec `json:"commands,omitempty"`

	// DefaultBranch is the branch cleanup treats as the merge target.
	DefaultBranch string `json:"default_branch,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandPath returns the file path registered for a command name.
func (c *Codebase) CommandPath(name string) (string, bool) {
	if c.Commands == nil {
		return "", false
	}
	spec, ok := c.Commands[name]
	return spec.Path, ok
}
