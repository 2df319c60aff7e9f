package orchestrator

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/errclass"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/platform"
)

// isolationProvider is the slice of isolation.Provider the orchestrator
// uses. Destroy is needed to recreate PR review environments whose pinned
// sha moved.
type isolationProvider interface {
	Create(ctx context.Context, req isolation.CreateRequest) (*isolation.Environment, error)
	Get(ctx context.Context, envID string) (*isolation.Environment, error)
	Destroy(ctx context.Context, envID string, opts isolation.DestroyOptions) error
}

// resolveIsolation returns the environment the message runs in, if any.
// The orchestrator owns automatic creation for GitHub issues and PRs;
// other platforms isolate explicitly via /worktree create. A non-empty
// abort string stops dispatch with that reply; note is an informational
// line sent before the AI response.
func (s *Service) resolveIsolation(ctx context.Context, conv *conversation.Conversation, cb *codebase.Codebase, msg platform.InboundMessage) (note string, env *isolation.Environment, abort string) {
	log := s.log.WithConversationID(conv.ID).WithCodebaseID(cb.ID)

	if conv.IsolationEnvID != "" {
		existing, err := s.provider.Get(ctx, conv.IsolationEnvID)
		switch {
		case errors.Is(err, isolation.ErrNotFound):
			log.Warn("Recorded isolation environment is gone", zap.String("env_id", conv.IsolationEnvID))
			s.clearIsolation(ctx, conv, cb)
		case err != nil:
			log.WithError(err).Error("Failed to load isolation environment")
			return "", nil, errclass.Describe(err)
		default:
			if msg.PRSha != "" && existing.Metadata["pr_sha"] != "" && existing.Metadata["pr_sha"] != msg.PRSha {
				// The PR head moved; a pinned review checkout must be
				// recreated to stay reproducible.
				log.Info("PR head changed, recreating review environment",
					zap.String("old_sha", existing.Metadata["pr_sha"]), zap.String("new_sha", msg.PRSha))
				if err := s.provider.Destroy(ctx, existing.ID, isolation.DestroyOptions{Force: true}); err != nil &&
					!errors.Is(err, isolation.ErrStillReferenced) {
					log.WithError(err).Error("Failed to recreate review environment")
					return "", nil, errclass.Describe(err)
				}
				s.clearIsolation(ctx, conv, cb)
			} else {
				return "", existing, ""
			}
		}
	}

	if msg.Platform != platform.TypeGitHub {
		return "", nil, ""
	}
	number := issueNumber(msg.ConversationID)
	if number == "" {
		return "", nil, ""
	}

	note, hasRoom, err := s.cleanup.EnsureCapacity(ctx, cb)
	if err != nil {
		log.WithError(err).Error("Capacity check failed")
		return "", nil, errclass.Describe(err)
	}
	if !hasRoom {
		return "", nil, note
	}

	req := isolation.CreateRequest{
		CodebaseID:        cb.ID,
		CanonicalRepoPath: cb.LocalPath,
		WorkflowType:      isolation.WorkflowIssue,
		Identifier:        number,
		CreatedByPlatform: string(msg.Platform),
	}
	if msg.IsPullRequest {
		req.WorkflowType = isolation.WorkflowPR
		req.PRBranch = msg.PRBranch
		req.PRSha = msg.PRSha
	}

	createCtx, cancel := context.WithTimeout(ctx, constants.GitNetworkTimeout)
	defer cancel()
	env, err = s.provider.Create(createCtx, req)
	if err != nil {
		log.WithError(err).Error("Automatic isolation failed")
		return "", nil, errclass.Describe(err)
	}

	err = s.convs.UpdateConversation(ctx, conv.ID, conversation.Update{
		IsolationEnvID: conversation.String(env.ID),
		CWD:            conversation.String(env.WorkingPath),
	})
	if err != nil {
		log.WithError(err).Error("Failed to bind isolation environment")
		return "", nil, errclass.Describe(err)
	}
	conv.IsolationEnvID = env.ID
	conv.CWD = env.WorkingPath

	if s.metrics != nil {
		s.metrics.RecordWorktree("created")
	}
	log.Info("Isolation environment ready", zap.String("branch", env.BranchName))
	return note, env, ""
}

// clearIsolation drops the conversation's environment binding and resets
// the cwd to the canonical checkout.
func (s *Service) clearIsolation(ctx context.Context, conv *conversation.Conversation, cb *codebase.Codebase) {
	err := s.convs.UpdateConversation(ctx, conv.ID, conversation.Update{
		IsolationEnvID: conversation.String(""),
		CWD:            conversation.String(cb.LocalPath),
	})
	if err != nil {
		s.log.WithError(err).WithConversationID(conv.ID).Debug("Failed to clear isolation binding")
	}
	conv.IsolationEnvID = ""
	conv.CWD = cb.LocalPath
}

// issueNumber extracts the trailing issue/PR number of an
// owner/repo#number conversation id.
func issueNumber(conversationID string) string {
	idx := strings.LastIndexByte(conversationID, '#')
	if idx < 0 || idx == len(conversationID)-1 {
		return ""
	}
	number := conversationID[idx+1:]
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return ""
		}
	}
	return number
}
