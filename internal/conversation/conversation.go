// Package conversation tracks platform conversations and their AI sessions.
// A conversation is the broker-side identity of one chat context (an issue,
// a PR, a thread, a DM); a session is one resumable AI exchange within it.
package conversation

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrSessionNotFound is returned when no matching session exists.
	ErrSessionNotFound = errors.New("session not found")
)

// Conversation represents one platform conversation known to the broker.
type Conversation struct {
	// ID is the unique identifier for this conversation.
	ID string `json:"id"`

	// Platform is the adapter that owns this conversation
	// (github, slack, discord, telegram, test).
	Platform string `json:"platform"`

	// PlatformConversationID is the platform-native identifier
	// (issue number, channel:ts, thread id, chat id).
	PlatformConversationID string `json:"platform_conversation_id"`

	// CodebaseID is the bound codebase, empty when none is configured.
	CodebaseID string `json:"codebase_id,omitempty"`

	// AIAssistantType is the assistant used for this conversation.
	AIAssistantType string `json:"ai_assistant_type,omitempty"`

	// CWD is the working directory prompts run in. Defaults to the
	// codebase canonical path, overridden by /setcwd or isolation.
	CWD string `json:"cwd,omitempty"`

	// IsolationEnvID references the isolation environment serving this
	// conversation, empty when it runs on the canonical checkout.
	IsolationEnvID string `json:"isolation_env_id,omitempty"`

	// LastActivityAt is bumped on every inbound message.
	LastActivityAt time.Time `json:"last_activity_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents one resumable AI exchange within a conversation.
// At most one session per conversation is active at a time.
type Session struct {
	// ID is the unique identifier for this session record.
	ID string `json:"id"`

	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`

	// AIAssistantType is the assistant this session runs on.
	AIAssistantType string `json:"ai_assistant_type,omitempty"`

	// AssistantSessionID is the provider-side resume token. It is opaque
	// to the broker and persisted verbatim from result chunks.
	AssistantSessionID string `json:"assistant_session_id,omitempty"`

	// Active marks the current session of its conversation.
	Active bool `json:"active"`

	// Metadata carries small bookkeeping values such as the last
	// template command dispatched ("lastCommand").
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Defaults seeds a conversation created on first contact.
type Defaults struct {
	CodebaseID      string
	CWD             string
	AIAssistantType string
}

// Update describes a partial conversation update. Nil fields are left
// untouched; pointing at an empty string clears the column.
type Update struct {
	CodebaseID *string

	// AIAssistantType fills the assistant type when the conversation has
	// none yet. The type is write-once: an existing value is never
	// overwritten, so every session under the conversation shares it.
	AIAssistantType *string

	CWD            *string
	IsolationEnvID *string
}

// String pins s into a *string for Update fields.
func String(s string) *string { return &s }
