// Package opencode wraps the OpenCode CLI in the ai.Client contract.
// Queries run `opencode run --format json`; sessions resume via --session.
package opencode

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaybot/relaybot/pkg/ai"
)

// DefaultCommand is the executable name used when the config does not
// override it.
const DefaultCommand = "opencode"

func init() {
	ai.Register(ai.AssistantOpenCode, func(cfg ai.Config) ai.Client {
		return New(cfg)
	})
}

// Client runs OpenCode headlessly, one subprocess per query.
type Client struct {
	cfg ai.Config
}

// New creates an OpenCode client.
func New(cfg ai.Config) *Client {
	if cfg.CLIPath == "" {
		cfg.CLIPath = DefaultCommand
	}
	return &Client{cfg: cfg}
}

// SendQuery starts one opencode run invocation in cwd.
func (c *Client) SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) (ai.Stream, error) {
	args := []string{"run", "--print-logs", "--format", "json"}
	if resumeSessionID != "" {
		args = append(args, "--session", resumeSessionID)
	}
	args = append(args, prompt)

	parser := &eventParser{}
	return ai.StartProc(ctx, c.cfg.CLIPath, args, cwd, c.cfg.Timeout, parser.parse, isStaleSession)
}

func isStaleSession(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "unknown session")
}

// part is one streamed message part in opencode's JSON output.
type part struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	SessionID string          `json:"sessionID"`
}

// eventParser remembers the session id from the first part carrying one and
// emits the result chunk on the step-finish part.
type eventParser struct {
	sessionID string
}

func (p *eventParser) parse(line []byte) []*ai.Chunk {
	var pt part
	if err := json.Unmarshal(line, &pt); err != nil {
		return nil
	}
	if pt.SessionID != "" {
		p.sessionID = pt.SessionID
	}

	switch pt.Type {
	case "text":
		if pt.Text != "" {
			return []*ai.Chunk{{Type: ai.ChunkAssistant, Text: pt.Text}}
		}
	case "reasoning":
		if pt.Text != "" {
			return []*ai.Chunk{{Type: ai.ChunkThinking, Text: pt.Text}}
		}
	case "tool":
		return []*ai.Chunk{{Type: ai.ChunkTool, ToolName: pt.Tool, ToolInput: string(pt.Input)}}
	case "step-finish", "finish":
		return []*ai.Chunk{{Type: ai.ChunkResult, SessionID: p.sessionID}}
	}
	return nil
}

var _ ai.Client = (*Client)(nil)
