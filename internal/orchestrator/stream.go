package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/common/stringutil"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/pkg/ai"
)

// toolInputLimit bounds how much of a tool's input is echoed to the chat.
const toolInputLimit = 200

// relay runs one AI query and forwards its chunks through the adapter.
// A stale provider-side session is renewed and the query retried once.
func (s *Service) relay(ctx context.Context, adapter platform.Adapter, platformConvID string, conv *conversation.Conversation, session *conversation.Session, client ai.Client, prompt, cwd string) error {
	retried := false
	for {
		err := s.streamOnce(ctx, adapter, platformConvID, conv, session, client, prompt, cwd)
		if errors.Is(err, ai.ErrSessionNotFound) && !retried {
			retried = true
			s.log.WithConversationID(conv.ID).Info("Assistant session stale, starting a fresh one")
			if renewErr := s.renewSession(ctx, session); renewErr != nil {
				return renewErr
			}
			continue
		}
		return err
	}
}

// renewSession deactivates the stale session and replaces *session with a
// fresh one carrying the same assistant type.
func (s *Service) renewSession(ctx context.Context, session *conversation.Session) error {
	if err := s.convs.DeactivateSession(ctx, session.ID); err != nil && !errors.Is(err, conversation.ErrSessionNotFound) {
		return err
	}
	fresh := &conversation.Session{
		ConversationID:  session.ConversationID,
		AIAssistantType: session.AIAssistantType,
		Metadata:        session.Metadata,
	}
	if err := s.convs.CreateSession(ctx, fresh); err != nil {
		return err
	}
	*session = *fresh
	return nil
}

func (s *Service) streamOnce(ctx context.Context, adapter platform.Adapter, platformConvID string, conv *conversation.Conversation, session *conversation.Session, client ai.Client, prompt, cwd string) error {
	stream, err := client.SendQuery(ctx, prompt, cwd, session.AssistantSessionID)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	streaming := adapter.StreamingMode() == platform.ModeStream
	var batch []string

	deliver := func(text string) {
		if text == "" {
			return
		}
		if !streaming {
			batch = append(batch, text)
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, constants.AdapterSendTimeout)
		defer cancel()
		if err := adapter.SendMessage(sendCtx, platformConvID, text); err != nil {
			s.log.WithError(err).WithConversationID(conv.ID).Warn("Chunk delivery failed")
		}
	}

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		s.publishChunk(ctx, conv.ID, chunk)

		switch chunk.Type {
		case ai.ChunkAssistant:
			deliver(chunk.Text)
		case ai.ChunkTool:
			deliver(formatTool(chunk))
		case ai.ChunkResult:
			if chunk.SessionID != "" && chunk.SessionID != session.AssistantSessionID {
				if err := s.convs.UpdateSessionAssistantID(ctx, session.ID, chunk.SessionID); err != nil {
					s.log.WithError(err).WithConversationID(conv.ID).Warn("Failed to persist session id")
				} else {
					session.AssistantSessionID = chunk.SessionID
				}
			}
		case ai.ChunkThinking, ai.ChunkSystem:
			// Internal chatter stays off the platform; it still reaches
			// the event bus for live observers.
		}
	}

	if !streaming && len(batch) > 0 {
		sendCtx, cancel := context.WithTimeout(ctx, constants.AdapterSendTimeout)
		defer cancel()
		if err := adapter.SendMessage(sendCtx, platformConvID, strings.Join(batch, "\n\n")); err != nil {
			s.log.WithError(err).WithConversationID(conv.ID).Warn("Batched reply delivery failed")
		}
	}
	return nil
}

// formatTool renders a tool chunk for chat display.
func formatTool(chunk *ai.Chunk) string {
	input := strings.TrimSpace(chunk.ToolInput)
	if input == "" {
		return fmt.Sprintf("[tool] %s", chunk.ToolName)
	}
	return fmt.Sprintf("[tool] %s: %s", chunk.ToolName, stringutil.TruncateStringWithEllipsis(input, toolInputLimit))
}

func (s *Service) publishChunk(ctx context.Context, conversationID string, chunk *ai.Chunk) {
	if s.metrics != nil {
		s.metrics.RecordChunk(string(chunk.Type))
	}
	if s.bus == nil {
		return
	}
	s.publish(ctx, events.BuildChunkSubject(conversationID), conversationID, map[string]interface{}{
		"chunk_type": string(chunk.Type),
		"text":       chunk.Text,
		"tool_name":  chunk.ToolName,
		"tool_input": chunk.ToolInput,
	})
}
