package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("broker_status",
			mcp.WithDescription("Get broker runtime status: lock usage and registered chat platforms."),
		),
		getJSONHandler(cfg, log, func(_ mcp.CallToolRequest) (string, error) {
			return "/api/v1/status", nil
		}),
	)

	s.AddTool(
		mcp.NewTool("list_codebases",
			mcp.WithDescription("List all registered codebases. Use this first to get codebase IDs for other operations."),
		),
		getJSONHandler(cfg, log, func(_ mcp.CallToolRequest) (string, error) {
			return "/api/v1/codebases", nil
		}),
	)

	s.AddTool(
		mcp.NewTool("list_worktrees",
			mcp.WithDescription("List the worktree quota breakdown of a codebase: merged, stale and active isolation environments."),
			mcp.WithString("codebase_id",
				mcp.Required(),
				mcp.Description("The codebase ID to inspect"),
			),
		),
		getJSONHandler(cfg, log, func(req mcp.CallToolRequest) (string, error) {
			codebaseID, err := req.RequireString("codebase_id")
			if err != nil {
				return "", err
			}
			return "/api/v1/codebases/" + codebaseID + "/worktrees", nil
		}),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List all conversations the broker tracks, with their platform, codebase binding and working directory."),
		),
		getJSONHandler(cfg, log, func(_ mcp.CallToolRequest) (string, error) {
			return "/api/v1/conversations", nil
		}),
	)

	s.AddTool(
		mcp.NewTool("list_templates",
			mcp.WithDescription("List the prompt templates available as slash commands."),
		),
		getJSONHandler(cfg, log, func(_ mcp.CallToolRequest) (string, error) {
			return "/api/v1/templates", nil
		}),
	)

	s.AddTool(
		mcp.NewTool("send_test_message",
			mcp.WithDescription("Inject a message into the broker through the test platform and dispatch it like any chat message."),
			mcp.WithString("conversation_id",
				mcp.Required(),
				mcp.Description("The test conversation ID to post into"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text, e.g. a slash command or a prompt"),
			),
		),
		sendTestMessageHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_test_messages",
			mcp.WithDescription("Read the messages the broker sent to a test conversation, in send order."),
			mcp.WithString("conversation_id",
				mcp.Required(),
				mcp.Description("The test conversation ID to read"),
			),
		),
		getJSONHandler(cfg, log, func(req mcp.CallToolRequest) (string, error) {
			conversationID, err := req.RequireString("conversation_id")
			if err != nil {
				return "", err
			}
			return "/test/messages/" + conversationID, nil
		}),
	)

	log.Info("registered MCP tools", zap.Int("count", 7))
}

// getJSONHandler builds a tool handler that GETs a broker endpoint and
// returns its JSON body pretty-printed.
func getJSONHandler(cfg Config, log *logger.Logger, path func(mcp.CallToolRequest) (string, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		endpoint, err := path(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := cfg.BrokerURL + endpoint
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("broker request failed", zap.String("url", url), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to reach the broker: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sendTestMessageHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		conversationID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"conversationId": conversationID,
			"message":        message,
		}
		body, _ := json.Marshal(payload)
		url := cfg.BrokerURL + "/test/message"

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to send test message", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send test message: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
		}

		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
