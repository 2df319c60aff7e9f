// Package platform defines the contract every chat integration satisfies
// and the shared helpers they build on: message splitting, allow-list
// authorization and thread naming. Concrete adapters live in subpackages.
package platform

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Type identifies a chat platform.
type Type string

const (
	TypeGitHub   Type = "github"
	TypeSlack    Type = "slack"
	TypeDiscord  Type = "discord"
	TypeTelegram Type = "telegram"
	TypeTest     Type = "test"
)

// StreamingMode selects how assistant chunks are relayed to a platform.
type StreamingMode string

const (
	// ModeStream relays each chunk as its own message.
	ModeStream StreamingMode = "stream"
	// ModeBatch buffers chunks into one consolidated message.
	ModeBatch StreamingMode = "batch"
)

// ErrUnknownPlatform is returned when no adapter is registered for a type.
var ErrUnknownPlatform = errors.New("unknown platform")

// ThreadContext carries what EnsureThread needs to promote a main-channel
// message into a thread.
type ThreadContext struct {
	// TriggerMessage is the user message the thread is named after.
	TriggerMessage string

	// TriggerMessageID is the platform-native id of that message, used to
	// de-duplicate concurrent promotions.
	TriggerMessageID string
}

// Adapter is the narrow interface every chat integration exposes to the
// orchestrator. Inbound delivery goes the other way, through a Handler.
type Adapter interface {
	// SendMessage delivers one message, splitting it to respect the
	// platform's length limit.
	SendMessage(ctx context.Context, conversationID, message string) error

	// StreamingMode reports how assistant chunks should be relayed.
	StreamingMode() StreamingMode

	// PlatformType identifies the adapter.
	PlatformType() Type

	// EnsureThread promotes a main-channel conversation into a thread when
	// the platform supports it, returning the conversation id subsequent
	// processing must use. Platforms without promotion return the id
	// unchanged. Promotion failures fall back silently to the original id.
	EnsureThread(ctx context.Context, conversationID string, tc *ThreadContext) (string, error)
}

// InboundMessage is one user message an adapter hands to the orchestrator.
type InboundMessage struct {
	Platform       Type
	ConversationID string
	Text           string

	// IssueContext is the issue/PR body block GitHub appends to non-slash
	// messages.
	IssueContext string

	// ThreadContext is parent-thread history for threaded platforms.
	ThreadContext string

	// TriggerMessageID is the platform-native id of the message, used by
	// thread promotion to de-duplicate concurrent creations.
	TriggerMessageID string

	// ParentConversationID links a thread conversation to the conversation
	// it was promoted from.
	ParentConversationID string

	// IsPullRequest marks GitHub PR conversations; PRBranch and PRSha give
	// isolation its head branch and pinned commit.
	IsPullRequest bool
	PRBranch      string
	PRSha         string
}

// Handler consumes inbound messages. The orchestrator implements it;
// adapters dispatch into it fire-and-forget.
type Handler interface {
	HandleInbound(ctx context.Context, msg InboundMessage)
}

// Registry resolves adapters by platform type for outbound sends.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Type]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Type]Adapter)}
}

// Register adds an adapter. Later registrations for the same type replace
// earlier ones.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.PlatformType()] = adapter
}

// Get returns the adapter for a platform type.
func (r *Registry) Get(typ Type) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[typ]
	if !ok {
		return nil, ErrUnknownPlatform
	}
	return adapter, nil
}

// Types lists the registered platform types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.adapters))
	for typ := range r.adapters {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
