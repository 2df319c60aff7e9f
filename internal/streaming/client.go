package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// request is the inbound client protocol: subscribe to or unsubscribe
// from a conversation's chunk stream.
type request struct {
	Action         string `json:"action"` // subscribe | unsubscribe
	ConversationID string `json:"conversation_id"`
}

type ack struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
	log           *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		log:           log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps subscription requests from the connection to the hub.
func (c *Client) ReadPump(_ context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendAck(ack{Action: req.Action, Success: false, Error: "invalid message format"})
			continue
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req request) {
	if req.ConversationID == "" {
		c.sendAck(ack{Action: req.Action, Success: false, Error: "conversation_id is required"})
		return
	}

	switch req.Action {
	case "subscribe":
		c.hub.Subscribe(c, req.ConversationID)
	case "unsubscribe":
		c.hub.Unsubscribe(c, req.ConversationID)
	default:
		c.sendAck(ack{Action: req.Action, Success: false, Error: "unknown action"})
		return
	}
	c.sendAck(ack{Action: req.Action, ConversationID: req.ConversationID, Success: true})
}

func (c *Client) sendAck(a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		c.log.Error("Failed to marshal ack", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("Client send buffer full")
	}
}

// WritePump pumps hub frames to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
