package platform

import (
	"context"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/common/stringutil"
)

// Allowlist is a per-platform sender allow-list. An empty list is open:
// every sender is allowed. Unauthorized senders are dropped silently by the
// adapter after a log line with a masked id.
type Allowlist struct {
	entries map[string]struct{}
}

// NewAllowlist builds an allow-list from trimmed entries.
func NewAllowlist(entries []string) *Allowlist {
	if len(entries) == 0 {
		return &Allowlist{}
	}
	set := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		set[entry] = struct{}{}
	}
	return &Allowlist{entries: set}
}

// Allowed reports whether a sender id passes the list.
func (a *Allowlist) Allowed(id string) bool {
	if len(a.entries) == 0 {
		return true
	}
	_, ok := a.entries[id]
	return ok
}

// Check is the adapter-side guard: it logs and returns false for senders
// the list rejects.
func (a *Allowlist) Check(_ context.Context, log *logger.Logger, platform Type, senderID string) bool {
	if a.Allowed(senderID) {
		return true
	}
	log.WithPlatform(string(platform)).Debug("Dropped message from unauthorized sender: " + stringutil.MaskID(senderID))
	return false
}
