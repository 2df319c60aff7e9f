package claudecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/pkg/ai"
)

func TestParse_AssistantTextAndTool(t *testing.T) {
	p := &eventParser{}

	chunks := p.parse([]byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"working on it"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"go test"}}]}}`))
	require.Len(t, chunks, 2)
	assert.Equal(t, ai.ChunkAssistant, chunks[0].Type)
	assert.Equal(t, "working on it", chunks[0].Text)
	assert.Equal(t, ai.ChunkTool, chunks[1].Type)
	assert.Equal(t, "Bash", chunks[1].ToolName)
	assert.JSONEq(t, `{"command":"go test"}`, chunks[1].ToolInput)
}

func TestParse_Thinking(t *testing.T) {
	p := &eventParser{}
	chunks := p.parse([]byte(`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, ai.ChunkThinking, chunks[0].Type)
	assert.Equal(t, "hmm", chunks[0].Text)
}

func TestParse_ResultCarriesSessionID(t *testing.T) {
	p := &eventParser{}
	chunks := p.parse([]byte(`{"type":"result","subtype":"success","session_id":"abc-123"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, ai.ChunkResult, chunks[0].Type)
	assert.Equal(t, "abc-123", chunks[0].SessionID)
}

func TestParse_ResultFallsBackToInitSession(t *testing.T) {
	p := &eventParser{}
	assert.Empty(t, p.parse([]byte(`{"type":"system","subtype":"init","session_id":"init-9"}`)))

	chunks := p.parse([]byte(`{"type":"result","subtype":"success"}`))
	require.Len(t, chunks, 1)
	assert.Equal(t, "init-9", chunks[0].SessionID)
}

func TestParse_MalformedLineIgnored(t *testing.T) {
	p := &eventParser{}
	assert.Empty(t, p.parse([]byte(`not json`)))
	assert.Empty(t, p.parse([]byte(`{"type":"unknown-kind"}`)))
}

func TestIsStaleSession(t *testing.T) {
	assert.True(t, isStaleSession("No conversation found with session ID: abc"))
	assert.True(t, isStaleSession("error: session not found"))
	assert.False(t, isStaleSession("rate limit exceeded"))
}
