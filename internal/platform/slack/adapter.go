// Package slack implements the Slack adapter over the Web API. Slack
// conversations are naturally threaded through channel:ts ids, so thread
// promotion is a no-op; replies go to the thread encoded in the id.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

const apiBase = "https://slack.com/api"

// Adapter sends messages through chat.postMessage.
type Adapter struct {
	token      string
	allowlist  *platform.Allowlist
	httpClient *http.Client
	log        *logger.Logger
}

// New creates a Slack adapter.
func New(botToken string, allowedUsers []string, log *logger.Logger) *Adapter {
	return &Adapter{
		token:      botToken,
		allowlist:  platform.NewAllowlist(allowedUsers),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Allowed reports whether a sender passes the adapter's allow-list.
func (a *Adapter) Allowed(ctx context.Context, senderID string) bool {
	return a.allowlist.Check(ctx, a.log, platform.TypeSlack, senderID)
}

// ParseConversationID splits a conversation id into channel and thread
// timestamp. Any channel:suffix form is treated as channel plus thread ts;
// bare channel ids have no thread.
func ParseConversationID(conversationID string) (channel, threadTS string) {
	if idx := strings.IndexByte(conversationID, ':'); idx >= 0 {
		return conversationID[:idx], conversationID[idx+1:]
	}
	return conversationID, ""
}

// SendMessage posts into the conversation's thread, splitting at the
// practical 4000 character limit.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, message string) error {
	channel, threadTS := ParseConversationID(conversationID)

	for _, part := range platform.SplitMessage(message, platform.SlackMessageLimit) {
		values := url.Values{}
		values.Set("channel", channel)
		values.Set("text", part)
		if threadTS != "" {
			values.Set("thread_ts", threadTS)
		}
		if err := a.call(ctx, "chat.postMessage", values); err != nil {
			return fmt.Errorf("failed to send slack message: %w", err)
		}
	}
	return nil
}

// StreamingMode is batch: Slack threads read better as one consolidated
// reply than as a burst of fragments.
func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeBatch }

// PlatformType identifies the adapter.
func (a *Adapter) PlatformType() platform.Type { return platform.TypeSlack }

// EnsureThread is a no-op: the channel:ts id already is the thread.
func (a *Adapter) EnsureThread(_ context.Context, conversationID string, _ *platform.ThreadContext) (string, error) {
	return conversationID, nil
}

func (a *Adapter) call(ctx context.Context, method string, values url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method,
		strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("slack API %s: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("slack API %s failed: %s", method, result.Error)
	}
	return nil
}

var _ platform.Adapter = (*Adapter)(nil)
