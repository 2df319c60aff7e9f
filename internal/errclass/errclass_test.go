package errclass

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/git"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/template"
	"github.com/relaybot/relaybot/pkg/ai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"limit reached", isolation.ErrLimitReached, LimitReached},
		{"dirty env", isolation.ErrDirty, DirtyWorktree},
		{"dirty git", git.ErrDirtyWorktree, DirtyWorktree},
		{"branch in use", isolation.ErrBranchInUse, Conflict},
		{"still referenced", isolation.ErrStillReferenced, Conflict},
		{"codebase exists", codebase.ErrAlreadyExists, Conflict},
		{"env missing", isolation.ErrNotFound, NotFound},
		{"conversation missing", conversation.ErrNotFound, NotFound},
		{"template missing", template.ErrNotFound, NotFound},
		{"ai unavailable", ai.ErrUnavailable, AIUnavailable},
		{"ai unknown", ai.ErrUnknownAssistant, AIUnavailable},
		{"ai session stale", ai.ErrSessionNotFound, AIUnavailable},
		{"deadline", context.DeadlineExceeded, TransientNetwork},
		{"conn refused", syscall.ECONNREFUSED, TransientNetwork},
		{"unclassified", errors.New("mystery"), Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_Wrapped(t *testing.T) {
	err := fmt.Errorf("while destroying: %w", isolation.ErrDirty)
	assert.Equal(t, DirtyWorktree, Classify(err))
}

func TestUserMessage_CoversAllKinds(t *testing.T) {
	kinds := []Kind{TransientNetwork, AIUnavailable, Auth, LimitReached, DirtyWorktree, NotFound, Conflict, Internal}
	seen := make(map[string]bool)
	for _, kind := range kinds {
		msg := UserMessage(kind)
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "duplicate message for %s", kind)
		seen[msg] = true
	}
}
