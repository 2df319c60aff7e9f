// Package ai defines the assistant contract the broker dispatches against:
// a streaming client that answers one prompt with a finite sequence of typed
// chunks, plus a factory keyed by assistant type. Providers live in
// subpackages and register themselves in init().
package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AssistantType identifies an AI assistant backend.
type AssistantType string

const (
	AssistantClaude   AssistantType = "claude"
	AssistantCodex    AssistantType = "codex"
	AssistantOpenCode AssistantType = "opencode"
)

// ChunkType classifies one element of an assistant's response stream.
type ChunkType string

const (
	// ChunkAssistant is text addressed to the user.
	ChunkAssistant ChunkType = "assistant"
	// ChunkTool announces a tool invocation.
	ChunkTool ChunkType = "tool"
	// ChunkThinking is internal reasoning, not usually relayed.
	ChunkThinking ChunkType = "thinking"
	// ChunkSystem is an assistant-side notice.
	ChunkSystem ChunkType = "system"
	// ChunkResult terminates the stream and may carry a new session id.
	ChunkResult ChunkType = "result"
)

var (
	// ErrUnknownAssistant is returned by the factory for unregistered types.
	ErrUnknownAssistant = errors.New("unknown assistant type")

	// ErrSessionNotFound is returned when a resume session id is no longer
	// valid on the provider side. The orchestrator retries once without it.
	ErrSessionNotFound = errors.New("assistant session not found")

	// ErrUnavailable is returned when the assistant CLI is missing or its
	// credentials are not configured.
	ErrUnavailable = errors.New("assistant unavailable")
)

// Chunk is one element of a response stream.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Text carries assistant, thinking and system content.
	Text string `json:"text,omitempty"`

	// ToolName and ToolInput describe a tool chunk.
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// SessionID is set on result chunks when the provider minted or kept a
	// session. Opaque to the broker.
	SessionID string `json:"session_id,omitempty"`
}

// Stream is a finite, single-pass chunk sequence. Next returns io.EOF after
// the result chunk. Close releases the underlying process; it is safe to
// call after EOF and more than once.
type Stream interface {
	Next() (*Chunk, error)
	Close() error
}

// Client answers prompts for one assistant type. Implementations must be
// safe for concurrent use; each SendQuery owns an independent stream.
type Client interface {
	// SendQuery starts one query in cwd. A non-empty resumeSessionID
	// continues the provider-side session; providers return
	// ErrSessionNotFound (possibly from Stream.Next) when it is stale.
	SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) (Stream, error)
}

// Config carries provider construction options.
type Config struct {
	// CLIPath overrides the assistant executable. Empty means the
	// provider's default command name, resolved via PATH.
	CLIPath string

	// Timeout bounds one full query. Zero means the provider default.
	Timeout time.Duration
}

// Builder constructs a client from config.
type Builder func(cfg Config) Client

var (
	registryMu sync.RWMutex
	registry   = make(map[AssistantType]Builder)
)

// Register makes a builder available to NewClient. Providers call it from
// init(); registering a type twice panics.
func Register(typ AssistantType, builder Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("ai: Register called twice for %q", typ))
	}
	registry[typ] = builder
}

// NewClient builds the client for an assistant type.
func NewClient(typ AssistantType, cfg Config) (Client, error) {
	registryMu.RLock()
	builder, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownAssistant, typ, RegisteredTypes())
	}
	return builder(cfg), nil
}

// RegisteredTypes lists the registered assistant types, sorted.
func RegisteredTypes() []AssistantType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]AssistantType, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
