// Package claudecode wraps the Claude Code CLI in the ai.Client contract.
// Queries run `claude --print` with stream-json output; each stdout line is
// one JSON event that maps onto broker chunks.
package claudecode

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/relaybot/relaybot/pkg/ai"
)

// DefaultCommand is the executable name used when the config does not
// override it.
const DefaultCommand = "claude"

func init() {
	ai.Register(ai.AssistantClaude, func(cfg ai.Config) ai.Client {
		return New(cfg)
	})
}

// Client runs Claude Code headlessly, one subprocess per query.
type Client struct {
	cfg ai.Config
}

// New creates a Claude Code client.
func New(cfg ai.Config) *Client {
	if cfg.CLIPath == "" {
		cfg.CLIPath = DefaultCommand
	}
	return &Client{cfg: cfg}
}

// SendQuery starts one claude invocation in cwd. A resume id is passed via
// --resume; Claude Code requires resuming from the original working
// directory, which the broker guarantees by pinning cwd per session.
func (c *Client) SendQuery(ctx context.Context, prompt, cwd, resumeSessionID string) (ai.Stream, error) {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	args = append(args, "--", prompt)

	parser := &eventParser{}
	return ai.StartProc(ctx, c.cfg.CLIPath, args, cwd, c.cfg.Timeout, parser.parse, isStaleSession)
}

// isStaleSession matches the CLI's complaint about an unknown --resume id.
func isStaleSession(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no conversation found") ||
		strings.Contains(lower, "session not found")
}

// event is the subset of the stream-json envelope the broker consumes.
type event struct {
	Type      string `json:"type"`
	SubType   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// eventParser tracks the session id announced by the init event so a result
// event without one still resolves the session.
type eventParser struct {
	sessionID string
}

func (p *eventParser) parse(line []byte) []*ai.Chunk {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "system":
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		if ev.SubType == "init" {
			return nil
		}
		return nil

	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var chunks []*ai.Chunk
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					chunks = append(chunks, &ai.Chunk{Type: ai.ChunkAssistant, Text: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					chunks = append(chunks, &ai.Chunk{Type: ai.ChunkThinking, Text: block.Thinking})
				}
			case "tool_use":
				chunks = append(chunks, &ai.Chunk{
					Type:      ai.ChunkTool,
					ToolName:  block.Name,
					ToolInput: string(block.Input),
				})
			}
		}
		return chunks

	case "result":
		sessionID := ev.SessionID
		if sessionID == "" {
			sessionID = p.sessionID
		}
		return []*ai.Chunk{{Type: ai.ChunkResult, SessionID: sessionID}}
	}
	return nil
}

var _ ai.Client = (*Client)(nil)
