// Package testadapter is the in-process platform used by the E2E suite: it
// records outbound messages per conversation and exposes the HTTP contract
// for injecting inbound messages and reading what the broker emitted.
package testadapter

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/platform"
)

// Adapter implements platform.Adapter entirely in memory.
type Adapter struct {
	handler platform.Handler
	log     *logger.Logger

	mu       sync.Mutex
	messages map[string][]string
}

// New creates a test adapter dispatching into handler.
func New(handler platform.Handler, log *logger.Logger) *Adapter {
	return &Adapter{
		handler:  handler,
		log:      log,
		messages: make(map[string][]string),
	}
}

// SendMessage records an outbound message.
func (a *Adapter) SendMessage(_ context.Context, conversationID, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[conversationID] = append(a.messages[conversationID], message)
	return nil
}

// StreamingMode is stream so tests observe individual chunks.
func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeStream }

// PlatformType identifies the adapter.
func (a *Adapter) PlatformType() platform.Type { return platform.TypeTest }

// EnsureThread is a no-op: test conversations are flat.
func (a *Adapter) EnsureThread(_ context.Context, conversationID string, _ *platform.ThreadContext) (string, error) {
	return conversationID, nil
}

// Inject delivers an inbound message synchronously, so tests can assert on
// recorded output as soon as it returns.
func (a *Adapter) Inject(ctx context.Context, conversationID, message string) {
	a.handler.HandleInbound(ctx, platform.InboundMessage{
		Platform:       platform.TypeTest,
		ConversationID: conversationID,
		Text:           message,
	})
}

// Messages returns the outbound messages recorded for a conversation, in
// send order.
func (a *Adapter) Messages(conversationID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.messages[conversationID]))
	copy(out, a.messages[conversationID])
	return out
}

// Clear drops the recorded messages of a conversation.
func (a *Adapter) Clear(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.messages, conversationID)
}

// RegisterRoutes mounts the test HTTP contract:
//
//	POST   /test/message                    {conversationId, message}
//	GET    /test/messages/:conversationId
//	DELETE /test/messages/:conversationId
func (a *Adapter) RegisterRoutes(r gin.IRouter) {
	r.POST("/test/message", a.handlePost)
	r.GET("/test/messages/:conversationId", a.handleGet)
	r.DELETE("/test/messages/:conversationId", a.handleDelete)
}

type inboundRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	Message        string `json:"message" binding:"required"`
}

func (a *Adapter) handlePost(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.Inject(c.Request.Context(), req.ConversationID, req.Message)
	c.JSON(http.StatusAccepted, gin.H{"status": "enqueued"})
}

func (a *Adapter) handleGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"conversationId": c.Param("conversationId"),
		"messages":       a.Messages(c.Param("conversationId")),
	})
}

func (a *Adapter) handleDelete(c *gin.Context) {
	a.Clear(c.Param("conversationId"))
	c.Status(http.StatusNoContent)
}

var _ platform.Adapter = (*Adapter)(nil)
