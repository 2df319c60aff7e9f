// Package streaming fans assistant chunk events out to WebSocket observers.
// Clients subscribe per conversation and receive every chunk the
// orchestrator publishes, independent of the chat platform the
// conversation lives on.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/events/bus"
)

// Frame is the envelope pushed to WebSocket clients.
type Frame struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// Hub manages WebSocket client connections and their conversation
// subscriptions.
type Hub struct {
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Frame

	subs []bus.Subscription

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Frame, 256),
		log:         log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Attach subscribes the hub to the orchestrator's chunk and
// dispatch-finished subjects on the event bus.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	forward := func(_ context.Context, event *bus.Event) error {
		h.Broadcast(frameFromEvent(event))
		return nil
	}

	for _, subject := range []string{
		events.BuildChunkWildcardSubject(),
		events.BuildDispatchFinishedWildcardSubject(),
	} {
		sub, err := eventBus.Subscribe(subject, forward)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// frameFromEvent converts a bus event into a client frame. The
// conversation id rides in the event data, placed there by the
// orchestrator's publish helper.
func frameFromEvent(event *bus.Event) *Frame {
	conversationID, _ := event.Data["conversation_id"].(string)
	return &Frame{
		Type:           event.Type,
		ConversationID: conversationID,
		Timestamp:      event.Timestamp,
		Data:           event.Data,
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("Streaming hub started")
	defer h.log.Info("Streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.detach()
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.deliver(frame)
		}
	}
}

func (h *Hub) detach() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.subscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for conversationID := range client.subscriptions {
		if clients, ok := h.subscribers[conversationID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.subscribers, conversationID)
			}
		}
	}
	h.log.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// deliver routes one frame to the subscribers of its conversation. Frames
// without a conversation id go to every client.
func (h *Hub) deliver(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if frame.ConversationID != "" {
		targets = h.subscribers[frame.ConversationID]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will reap the client.
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast enqueues a frame for delivery.
func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn("Broadcast queue full, dropping frame", zap.String("type", frame.Type))
	}
}

// Subscribe adds a client to a conversation's subscriber set.
func (h *Hub) Subscribe(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[*Client]bool)
	}
	h.subscribers[conversationID][client] = true
	client.subscriptions[conversationID] = true

	h.log.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("conversation_id", conversationID))
}

// Unsubscribe removes a client from a conversation's subscriber set.
func (h *Hub) Unsubscribe(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, conversationID)
	if clients, ok := h.subscribers[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscribers, conversationID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
