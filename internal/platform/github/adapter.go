package github

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

// ParseConversationID splits an `owner/repo#number` conversation id.
func ParseConversationID(conversationID string) (owner, repo string, number int, err error) {
	hash := strings.LastIndexByte(conversationID, '#')
	slash := strings.IndexByte(conversationID, '/')
	if hash < 0 || slash < 0 || slash > hash {
		return "", "", 0, fmt.Errorf("invalid github conversation id %q", conversationID)
	}
	number, err = strconv.Atoi(conversationID[hash+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid github conversation id %q: %w", conversationID, err)
	}
	return conversationID[:slash], conversationID[slash+1 : hash], number, nil
}

// FormatConversationID builds an `owner/repo#number` conversation id.
func FormatConversationID(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// Adapter posts broker replies as issue/PR comments.
type Adapter struct {
	client    *Client
	allowlist *platform.Allowlist
	log       *logger.Logger
}

// NewAdapter creates a GitHub adapter around an authenticated client.
func NewAdapter(client *Client, allowedUsers []string, log *logger.Logger) *Adapter {
	return &Adapter{
		client:    client,
		allowlist: platform.NewAllowlist(allowedUsers),
		log:       log,
	}
}

// Allowed reports whether a sender passes the adapter's allow-list.
func (a *Adapter) Allowed(ctx context.Context, senderLogin string) bool {
	return a.allowlist.Check(ctx, a.log, platform.TypeGitHub, senderLogin)
}

// SendMessage posts one or more comments, splitting at the effective 65k
// comment limit.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, message string) error {
	owner, repo, number, err := ParseConversationID(conversationID)
	if err != nil {
		return err
	}
	for _, part := range platform.SplitMessage(message, platform.GitHubCommentLimit) {
		if err := a.client.CreateComment(ctx, owner, repo, number, part); err != nil {
			return err
		}
	}
	return nil
}

// StreamingMode is batch: one consolidated comment per query beats a
// comment per chunk.
func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeBatch }

// PlatformType identifies the adapter.
func (a *Adapter) PlatformType() platform.Type { return platform.TypeGitHub }

// EnsureThread is a no-op: the issue or PR is already the thread.
func (a *Adapter) EnsureThread(_ context.Context, conversationID string, _ *platform.ThreadContext) (string, error) {
	return conversationID, nil
}

var _ platform.Adapter = (*Adapter)(nil)
