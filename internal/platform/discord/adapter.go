// Package discord implements the Discord adapter over the REST v10 API.
// Discord enforces the force-thread policy: the first bot response to a
// main-channel message promotes the conversation into a thread named after
// the triggering message.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

const apiBase = "https://discord.com/api/v10"

// Adapter sends messages and creates threads through the Discord REST API.
type Adapter struct {
	token      string
	allowlist  *platform.Allowlist
	httpClient *http.Client
	log        *logger.Logger

	// threads de-duplicates concurrent promotions of the same triggering
	// message to a single thread creation.
	mu      sync.Mutex
	threads map[string]*threadPromotion
}

// threadPromotion resolves one triggering message to one thread, however
// many concurrent EnsureThread calls race on it.
type threadPromotion struct {
	once     sync.Once
	threadID string
}

// New creates a Discord adapter.
func New(token string, allowedUserIDs []string, log *logger.Logger) *Adapter {
	return &Adapter{
		token:      token,
		allowlist:  platform.NewAllowlist(allowedUserIDs),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		threads:    make(map[string]*threadPromotion),
	}
}

// Allowed reports whether a sender passes the adapter's allow-list.
func (a *Adapter) Allowed(ctx context.Context, senderID string) bool {
	return a.allowlist.Check(ctx, a.log, platform.TypeDiscord, senderID)
}

// SendMessage posts to the channel or thread, splitting at the 2000
// character limit.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, message string) error {
	for _, part := range platform.SplitMessage(message, platform.DiscordMessageLimit) {
		payload := map[string]string{"content": part}
		endpoint := fmt.Sprintf("/channels/%s/messages", conversationID)
		if err := a.post(ctx, endpoint, payload, nil); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
	}
	return nil
}

// StreamingMode is stream: Discord users see chunks as they arrive.
func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeStream }

// PlatformType identifies the adapter.
func (a *Adapter) PlatformType() platform.Type { return platform.TypeDiscord }

// EnsureThread promotes a main-channel conversation into a thread created
// from the triggering message. Conversations already in a thread (no
// trigger context) pass through unchanged, and creation failures fall back
// silently to the original channel.
func (a *Adapter) EnsureThread(ctx context.Context, conversationID string, tc *platform.ThreadContext) (string, error) {
	if tc == nil || tc.TriggerMessageID == "" {
		return conversationID, nil
	}

	a.mu.Lock()
	promo, ok := a.threads[tc.TriggerMessageID]
	if !ok {
		promo = &threadPromotion{}
		a.threads[tc.TriggerMessageID] = promo
	}
	a.mu.Unlock()

	promo.once.Do(func() {
		endpoint := fmt.Sprintf("/channels/%s/messages/%s/threads", conversationID, tc.TriggerMessageID)
		payload := map[string]interface{}{
			"name":                  platform.ThreadName(tc.TriggerMessage),
			"auto_archive_duration": 1440,
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := a.post(ctx, endpoint, payload, &created); err != nil {
			a.log.WithError(err).WithConversationID(conversationID).
				Warn("Failed to create thread, falling back to channel")
			return
		}
		promo.threadID = created.ID
	})

	if promo.threadID == "" {
		return conversationID, nil
	}
	return promo.threadID, nil
}

func (a *Adapter) post(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("discord API %s returned %d: %s", endpoint, resp.StatusCode, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ platform.Adapter = (*Adapter)(nil)
