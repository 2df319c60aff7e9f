// Package events provides event types and utilities for the relaybot event system.
package events

// Event types for conversations
const (
	ConversationMessageReceived = "conversation.message.received"
	ConversationSessionCreated  = "conversation.session.created"
	ConversationSessionClosed   = "conversation.session.closed"
	ConversationClosed          = "conversation.closed"
)

// Event types for isolation environments (worktrees)
const (
	IsolationEnvCreated   = "isolation.env.created"
	IsolationEnvAdopted   = "isolation.env.adopted"
	IsolationEnvDestroyed = "isolation.env.destroyed"
)

// Event types for codebases
const (
	CodebaseRegistered = "codebase.registered"
	CodebaseCloned     = "codebase.cloned"
)

// Event types for cleanup runs
const (
	CleanupRunCompleted = "cleanup.run.completed"
)

// Event types for orchestrator dispatch
const (
	OrchestratorChunk            = "orchestrator.chunk" // Base subject for streamed assistant chunks
	OrchestratorDispatchStarted  = "orchestrator.dispatch.started"
	OrchestratorDispatchFinished = "orchestrator.dispatch.finished"
)

// Event types for templates
const (
	TemplateCreated = "template.created"
	TemplateDeleted = "template.deleted"
)

// BuildChunkSubject creates a chunk subject for a specific conversation
func BuildChunkSubject(conversationID string) string {
	return OrchestratorChunk + "." + conversationID
}

// BuildChunkWildcardSubject creates a wildcard subscription for all chunk events
func BuildChunkWildcardSubject() string {
	return OrchestratorChunk + ".*"
}

// BuildDispatchFinishedSubject creates a dispatch-finished subject for a specific conversation
func BuildDispatchFinishedSubject(conversationID string) string {
	return OrchestratorDispatchFinished + "." + conversationID
}

// BuildDispatchFinishedWildcardSubject creates a wildcard subscription for all dispatch-finished events
func BuildDispatchFinishedWildcardSubject() string {
	return OrchestratorDispatchFinished + ".*"
}
