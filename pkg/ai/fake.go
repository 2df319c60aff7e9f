package ai

import (
	"context"
	"io"
	"sync"
)

// ScriptedClient is a Client that replays canned chunk scripts, used by the
// test adapter E2E suite and unit tests. Each SendQuery consumes the next
// script in order; when the queue is empty the default script answers.
type ScriptedClient struct {
	mu      sync.Mutex
	scripts [][]*Chunk
	calls   []Query
	err     error
}

// Query records one SendQuery invocation for assertions.
type Query struct {
	Prompt          string
	CWD             string
	ResumeSessionID string
}

// NewScriptedClient creates a scripted client. With no enqueued scripts it
// answers every query with a single assistant chunk and a result carrying
// session id "scripted-session".
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Enqueue adds one response script.
func (c *ScriptedClient) Enqueue(chunks ...*Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, chunks)
}

// FailWith makes the next SendQuery return err once.
func (c *ScriptedClient) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Calls returns the recorded queries.
func (c *ScriptedClient) Calls() []Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Query, len(c.calls))
	copy(out, c.calls)
	return out
}

// SendQuery replays the next script.
func (c *ScriptedClient) SendQuery(_ context.Context, prompt, cwd, resumeSessionID string) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Query{Prompt: prompt, CWD: cwd, ResumeSessionID: resumeSessionID})

	if c.err != nil {
		err := c.err
		c.err = nil
		return nil, err
	}

	var chunks []*Chunk
	if len(c.scripts) > 0 {
		chunks = c.scripts[0]
		c.scripts = c.scripts[1:]
	} else {
		chunks = []*Chunk{
			{Type: ChunkAssistant, Text: "ok"},
			{Type: ChunkResult, SessionID: "scripted-session"},
		}
	}
	return &sliceStream{chunks: chunks}, nil
}

type sliceStream struct {
	chunks []*Chunk
	pos    int
}

func (s *sliceStream) Next() (*Chunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *sliceStream) Close() error { return nil }

var _ Client = (*ScriptedClient)(nil)
