package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
)

// Hub manages all WebSocket client connections and their per-workflow
// subscriptions.
type Hub struct {
	clients map[*Client]bool

	// Clients subscribed to specific workflows
	workflowSubscribers map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:             make(map[*Client]bool),
		workflowSubscribers: make(map[int64]map[*Client]bool),
		register:            make(chan *Client),
		unregister:          make(chan *Client),
		broadcast:           make(chan *Message, 256),
		logger:              log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.workflowSubscribers = make(map[int64]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for workflowID := range client.subscriptions {
			if clients, ok := h.workflowSubscribers[workflowID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.workflowSubscribers, workflowID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients
func (h *Hub) Broadcast(msg *Message) {
	h.broadcast <- msg
}

// BroadcastToWorkflow sends a notification to clients subscribed to a
// specific workflow.
func (h *Hub) BroadcastToWorkflow(workflowID int64, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.workflowSubscribers[workflowID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeToWorkflow subscribes a client to a workflow's event stream
func (h *Hub) SubscribeToWorkflow(client *Client, workflowID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.workflowSubscribers[workflowID]; !ok {
		h.workflowSubscribers[workflowID] = make(map[*Client]bool)
	}
	h.workflowSubscribers[workflowID][client] = true
	client.subscriptions[workflowID] = true

	h.logger.Debug("Client subscribed to workflow",
		zap.String("client_id", client.ID),
		zap.Int64("workflow_id", workflowID))
}

// UnsubscribeFromWorkflow removes a client's workflow subscription
func (h *Hub) UnsubscribeFromWorkflow(client *Client, workflowID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, workflowID)
	if clients, ok := h.workflowSubscribers[workflowID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.workflowSubscribers, workflowID)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to a workflow
func (h *Hub) SubscriberCount(workflowID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workflowSubscribers[workflowID])
}
