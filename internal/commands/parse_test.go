package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/help", "help", nil, true},
		{"/HELP", "help", nil, true},
		{"  /status  ", "status", nil, true},
		{"/clone https://github.com/acme/widget.git", "clone", []string{"https://github.com/acme/widget.git"}, true},
		{`/command-set fix "do the fix" extra`, "command-set", []string{"fix", "do the fix", "extra"}, true},
		{`/template-add greet 'hello world.md'`, "template-add", []string{"greet", "hello world.md"}, true},
		{`/worktree create my-branch`, "worktree", []string{"create", "my-branch"}, true},
		{"plain message", "", nil, false},
		{"/", "", nil, false},
		{"/ leading space", "", nil, false},
		{"/bad!name arg", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := Parse(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		if !tt.ok {
			continue
		}
		assert.Equal(t, tt.name, name, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}

func TestParse_UnterminatedQuote(t *testing.T) {
	name, args, ok := Parse(`/command-set fix "runs to the end`)
	assert.True(t, ok)
	assert.Equal(t, "command-set", name)
	assert.Equal(t, []string{"fix", "runs to the end"}, args)
}

func TestKnown(t *testing.T) {
	for _, name := range []string{"help", "status", "reset", "getcwd", "setcwd", "clone", "repos", "repo",
		"command-set", "load-commands", "commands", "template-add", "template-list", "templates",
		"template-delete", "worktree"} {
		assert.True(t, Known(name), name)
	}
	assert.False(t, Known("command-invoke"))
	assert.False(t, Known("plan"))
}
