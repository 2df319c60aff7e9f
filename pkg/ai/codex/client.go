// Package codex wraps the Codex CLI in the ai.Client contract. Queries run
// `codex exec --json`; thread ids double as session ids, resumed with
// `codex exec resume <thread>`.
package codex

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaybot/relaybot/pkg/ai"
)

// DefaultCommand is the executable name used when the config does not
// override it.
const DefaultCommand = "codex"

func init() {
	ai.Register(ai.AssistantCodex, func(cfg ai.Config) ai.Client {
		return New(cfg)
	})
}

// Client runs Codex headlessly, one subprocess per query.
type Client struct {
	cfg ai.Config
}

// New creates a Codex client.
func New(cfg ai.Config) *Client {
	if cfg.CLIPath == "" {
		cfg.CLIPath = DefaultCommand
	}
	return &Client{cfg: cfg}
}

// SendQuery starts one codex exec invocation in cwd.
func (c *Client) SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) (ai.Stream, error) {
	args := []string{"exec", "--json"}
	if resumeSessionID != "" {
		args = append(args, "resume", resumeSessionID)
	}
	args = append(args, prompt)

	parser := &eventParser{}
	return ai.StartProc(ctx, c.cfg.CLIPath, args, cwd, c.cfg.Timeout, parser.parse, isStaleThread)
}

func isStaleThread(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "thread not found") ||
		strings.Contains(lower, "no thread with id")
}

// event is the subset of the codex exec JSON stream the broker consumes.
type event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     *struct {
		Type    string          `json:"type"`
		Text    string          `json:"text"`
		Command string          `json:"command"`
		Name    string          `json:"name"`
		Input   json.RawMessage `json:"input"`
	} `json:"item"`
}

// eventParser remembers the thread id from thread.started and stamps it on
// the result chunk when the turn completes. The turn-complete event always
// terminates the stream, which keeps long-poll transports from idling.
type eventParser struct {
	threadID string
}

func (p *eventParser) parse(line []byte) []*ai.Chunk {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			p.threadID = ev.ThreadID
		}
		return nil

	case "item.completed":
		if ev.Item == nil {
			return nil
		}
		switch ev.Item.Type {
		case "agent_message":
			if ev.Item.Text != "" {
				return []*ai.Chunk{{Type: ai.ChunkAssistant, Text: ev.Item.Text}}
			}
		case "reasoning":
			if ev.Item.Text != "" {
				return []*ai.Chunk{{Type: ai.ChunkThinking, Text: ev.Item.Text}}
			}
		case "command_execution":
			return []*ai.Chunk{{Type: ai.ChunkTool, ToolName: "shell", ToolInput: ev.Item.Command}}
		case "tool_call":
			return []*ai.Chunk{{
				Type:      ai.ChunkTool,
				ToolName:  ev.Item.Name,
				ToolInput: string(ev.Item.Input),
			}}
		}
		return nil

	case "turn.completed", "turn.failed":
		return []*ai.Chunk{{Type: ai.ChunkResult, SessionID: p.threadID}}
	}
	return nil
}

var _ ai.Client = (*Client)(nil)
