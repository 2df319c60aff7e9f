// Package orchestrator dispatches inbound platform messages: it serializes
// work per conversation, routes slash commands and templates, resolves
// worktree isolation, drives the AI assistant and relays its chunks back
// through the platform adapter.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/cleanup"
	"github.com/relaybot/relaybot/internal/codebase"
	"github.com/relaybot/relaybot/internal/commands"
	"github.com/relaybot/relaybot/internal/common/constants"
	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/common/tracing"
	"github.com/relaybot/relaybot/internal/conversation"
	"github.com/relaybot/relaybot/internal/errclass"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/isolation"
	"github.com/relaybot/relaybot/internal/events/bus"
	"github.com/relaybot/relaybot/internal/locks"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/platform"
	"github.com/relaybot/relaybot/internal/template"
	"github.com/relaybot/relaybot/pkg/ai"
)

const noCodebaseMessage = "No codebase configured. Use /clone first."

// lastCommandKey is the session metadata key recording the most recent
// template command, read by the plan-to-execute transition.
const lastCommandKey = "lastCommand"

// ClientFactory resolves the AI client for an assistant type.
type ClientFactory func(assistantType string) (ai.Client, error)

// Config tunes the orchestrator.
type Config struct {
	// DefaultAssistant seeds conversations that have no codebase hint.
	DefaultAssistant string
}

// Service implements platform.Handler: the full dispatch pipeline for one
// inbound message.
type Service struct {
	convs     conversation.Store
	codebases codebase.Store
	provider  isolationProvider
	registry  *template.Registry
	commands  *commands.Handler
	cleanup   *cleanup.Service
	locks     *locks.Manager
	adapters  *platform.Registry
	clients   ClientFactory
	bus       bus.EventBus
	metrics   *metrics.Exporter
	cfg       Config
	log       *logger.Logger
}

// SetMetrics attaches a Prometheus exporter. Optional; when unset no
// metrics are recorded.
func (s *Service) SetMetrics(exporter *metrics.Exporter) {
	s.metrics = exporter
}

// NewService wires the dispatch pipeline. The event bus is optional.
func NewService(
	convs conversation.Store,
	codebases codebase.Store,
	provider isolationProvider,
	registry *template.Registry,
	commandHandler *commands.Handler,
	cleanupSvc *cleanup.Service,
	lockManager *locks.Manager,
	adapters *platform.Registry,
	clients ClientFactory,
	eventBus bus.EventBus,
	cfg Config,
	log *logger.Logger,
) *Service {
	if cfg.DefaultAssistant == "" {
		cfg.DefaultAssistant = string(ai.AssistantClaude)
	}
	return &Service{
		convs:     convs,
		codebases: codebases,
		provider:  provider,
		registry:  registry,
		commands:  commandHandler,
		cleanup:   cleanupSvc,
		locks:     lockManager,
		adapters:  adapters,
		clients:   clients,
		bus:       eventBus,
		cfg:       cfg,
		log:       log,
	}
}

// HandleInbound processes one platform message end to end. Adapters call
// it fire-and-forget; all replies go back through the adapter.
func (s *Service) HandleInbound(ctx context.Context, msg platform.InboundMessage) {
	adapter, err := s.adapters.Get(msg.Platform)
	if err != nil {
		s.log.WithError(err).Error("No adapter for inbound message", zap.String("platform", string(msg.Platform)))
		return
	}

	// Thread promotion happens before locking so the lock key matches the
	// conversation all further processing uses.
	threadID, err := adapter.EnsureThread(ctx, msg.ConversationID, &platform.ThreadContext{
		TriggerMessage:   msg.Text,
		TriggerMessageID: msg.TriggerMessageID,
	})
	if err == nil && threadID != "" {
		msg.ConversationID = threadID
	}

	release, err := s.locks.Acquire(ctx, string(msg.Platform)+":"+msg.ConversationID)
	if err != nil {
		s.log.WithError(err).WithPlatform(string(msg.Platform)).Warn("Lock wait aborted")
		return
	}
	s.recordLockStats()
	defer func() {
		release()
		s.recordLockStats()
	}()

	s.dispatch(ctx, adapter, msg)
}

func (s *Service) recordLockStats() {
	if s.metrics == nil {
		return
	}
	stats := s.locks.Stats()
	s.metrics.SetLockStats(stats.Active, stats.QueuedGlobal)
}

func (s *Service) recordMessage(platformType platform.Type, path string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordMessage(string(platformType), path)
}

// dispatch runs the pipeline under the conversation lock.
func (s *Service) dispatch(ctx context.Context, adapter platform.Adapter, msg platform.InboundMessage) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "dispatch")
	span.SetAttributes(
		attribute.String("platform", string(msg.Platform)),
		attribute.String("conversation.id", msg.ConversationID),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordDispatchLatency(string(msg.Platform), time.Since(start))
		}
	}()

	send := func(text string) {
		if text == "" {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, constants.AdapterSendTimeout)
		defer cancel()
		if err := adapter.SendMessage(sendCtx, msg.ConversationID, text); err != nil {
			s.log.WithError(err).WithPlatform(string(msg.Platform)).Warn("Reply delivery failed")
		}
	}

	// The assistant type is left empty at creation; it is inherited from
	// the codebase on first bind and resolved through the fallback chain
	// until then.
	conv, err := s.convs.GetOrCreateConversation(ctx, string(msg.Platform), msg.ConversationID, conversation.Defaults{})
	if err != nil {
		s.log.WithError(err).WithPlatform(string(msg.Platform)).Error("Failed to load conversation")
		return
	}
	if err := s.convs.TouchActivity(ctx, conv.ID); err != nil {
		s.log.WithError(err).WithConversationID(conv.ID).Debug("Failed to touch activity")
	}
	if msg.ParentConversationID != "" && msg.ParentConversationID != conv.ID {
		s.log.WithConversationID(conv.ID).Debug("Thread promoted from " + msg.ParentConversationID)
	}

	s.publish(ctx, events.OrchestratorDispatchStarted, conv.ID, map[string]interface{}{
		"platform": string(msg.Platform),
	})
	defer s.publish(ctx, events.BuildDispatchFinishedSubject(conv.ID), conv.ID, nil)

	log := s.log.WithConversationID(conv.ID).WithPlatform(string(msg.Platform))

	name, args, isSlash := commands.Parse(msg.Text)

	// Deterministic catalog commands never reach the AI.
	if isSlash && commands.Known(name) {
		s.recordMessage(msg.Platform, "command")
		result := s.commands.Handle(ctx, conv, name, args)
		if result.Modified {
			if reloaded, err := s.convs.GetConversation(ctx, conv.ID); err == nil {
				conv = reloaded
			}
		}
		send(result.Message)
		return
	}

	prompt, commandName, reply := s.resolvePrompt(ctx, conv, msg, name, args, isSlash)
	if reply != "" {
		send(reply)
		return
	}

	if conv.CodebaseID == "" {
		send(noCodebaseMessage)
		return
	}
	cb, err := s.codebases.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		log.WithError(err).Error("Bound codebase missing")
		send(noCodebaseMessage)
		return
	}

	prompt = injectContext(prompt, msg)

	note, env, abort := s.resolveIsolation(ctx, conv, cb, msg)
	if abort != "" {
		send(abort)
		return
	}
	send(note)

	cwd := s.resolveCwd(ctx, conv, cb, env)

	session, err := s.resolveSession(ctx, conv, cb, commandName)
	if err != nil {
		log.WithError(err).Error("Session resolution failed")
		send(errclass.Describe(err))
		return
	}

	if commandName != "" {
		s.recordMessage(msg.Platform, "template")
	} else {
		s.recordMessage(msg.Platform, "raw")
	}

	client, err := s.clients(sessionAssistant(session, conv, cb, s.cfg.DefaultAssistant))
	if err != nil {
		log.WithError(err).Error("No AI client")
		send(errclass.Describe(err))
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, constants.AIQueryTimeout)
	defer cancel()
	if err := s.relay(queryCtx, adapter, msg.ConversationID, conv, session, client, prompt, cwd); err != nil {
		log.WithError(err).Error("AI query failed")
		send(errclass.Describe(err))
		return
	}

	if commandName != "" {
		metadata := make(map[string]string, len(session.Metadata)+1)
		for k, v := range session.Metadata {
			metadata[k] = v
		}
		metadata[lastCommandKey] = commandName
		if err := s.convs.UpdateSessionMetadata(ctx, session.ID, metadata); err != nil {
			log.WithError(err).Debug("Failed to record last command")
		}
		session.Metadata = metadata
	}
}

// resolvePrompt turns the message into the prompt for the AI flow. A
// non-empty reply short-circuits dispatch with that message.
func (s *Service) resolvePrompt(ctx context.Context, conv *conversation.Conversation, msg platform.InboundMessage, name string, args []string, isSlash bool) (prompt, commandName, reply string) {
	switch {
	case isSlash && name == commands.InvokeName:
		resolved, invoked, errResult := s.commands.ResolveInvocation(ctx, conv, args)
		if errResult != nil {
			return "", "", errResult.Message
		}
		return resolved, invoked, ""

	case isSlash:
		tpl, err := s.registry.Get(ctx, name)
		if errors.Is(err, template.ErrNotFound) {
			return "", "", fmt.Sprintf("Unknown command: /%s. Type /help or /templates", name)
		}
		if err != nil {
			s.log.WithError(err).Warn("Template lookup failed")
			return "", "", errclass.Describe(err)
		}
		return template.Substitute(tpl.Content, args), name, ""

	default:
		// Free-form text goes through the router template when the
		// conversation has a codebase and the template exists.
		if conv.CodebaseID != "" {
			if tpl, err := s.registry.Get(ctx, "router"); err == nil {
				return template.Substitute(tpl.Content, []string{msg.Text}), "router", ""
			}
		}
		return msg.Text, "", ""
	}
}

// injectContext appends issue and thread context blocks once per message.
func injectContext(prompt string, msg platform.InboundMessage) string {
	const separator = "\n\n---\n\n"
	if msg.IssueContext != "" {
		prompt += separator + msg.IssueContext
	}
	if msg.ThreadContext != "" {
		prompt += separator + msg.ThreadContext
	}
	return prompt
}

// resolveCwd picks the working directory: isolation working path, explicit
// conversation cwd, then the canonical checkout. A cwd that no longer
// exists on disk clears the stale isolation binding and falls back.
func (s *Service) resolveCwd(ctx context.Context, conv *conversation.Conversation, cb *codebase.Codebase, env *isolation.Environment) string {
	cwd := cb.LocalPath
	if conv.CWD != "" {
		cwd = conv.CWD
	}
	if env != nil {
		cwd = env.WorkingPath
	}

	if _, err := os.Stat(cwd); err != nil && cwd != cb.LocalPath {
		s.log.WithConversationID(conv.ID).Warn("Working directory gone, falling back to canonical checkout",
			zap.String("cwd", cwd))
		update := conversation.Update{CWD: conversation.String(cb.LocalPath)}
		if conv.IsolationEnvID != "" {
			update.IsolationEnvID = conversation.String("")
		}
		if err := s.convs.UpdateConversation(ctx, conv.ID, update); err != nil {
			s.log.WithError(err).WithConversationID(conv.ID).Debug("Failed to clear stale binding")
		}
		conv.IsolationEnvID = ""
		conv.CWD = cb.LocalPath
		return cb.LocalPath
	}
	return cwd
}

// resolveSession loads or creates the active session, applying the
// plan-to-execute transition: /execute after /plan starts a fresh session
// so the assistant plans and executes with separate contexts.
func (s *Service) resolveSession(ctx context.Context, conv *conversation.Conversation, cb *codebase.Codebase, commandName string) (*conversation.Session, error) {
	session, err := s.convs.GetActiveSession(ctx, conv.ID)
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		session = nil
	case err != nil:
		return nil, err
	}

	if session != nil && commandName == "execute" && session.Metadata[lastCommandKey] == "plan" {
		if err := s.convs.DeactivateSession(ctx, session.ID); err != nil {
			return nil, err
		}
		session = nil
	}
	if session != nil {
		return session, nil
	}

	session = &conversation.Session{
		ConversationID:  conv.ID,
		AIAssistantType: sessionAssistant(nil, conv, cb, s.cfg.DefaultAssistant),
	}
	if err := s.convs.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.publish(ctx, events.ConversationSessionCreated, conv.ID, map[string]interface{}{
		"session_id": session.ID,
	})
	return session, nil
}

// sessionAssistant resolves the assistant type with session, conversation
// and codebase precedence.
func sessionAssistant(session *conversation.Session, conv *conversation.Conversation, cb *codebase.Codebase, fallback string) string {
	if session != nil && session.AIAssistantType != "" {
		return session.AIAssistantType
	}
	if conv.AIAssistantType != "" {
		return conv.AIAssistantType
	}
	if cb != nil && cb.AIAssistantType != "" {
		return cb.AIAssistantType
	}
	return fallback
}

func (s *Service) publish(ctx context.Context, subject, conversationID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["conversation_id"] = conversationID
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.log.WithError(err).Debug("Event publish failed")
	}
}

var _ platform.Handler = (*Service)(nil)
