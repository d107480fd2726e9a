// Package websocket implements the observer protocol: server events fan out
// to every connected client, client commands route back into the
// orchestrator. One JSON object per message, a type discriminator plus a
// payload, both directions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
	"github.com/sprintd/sprintd/internal/sprint"
)

// Commands is the slice of the orchestrator the observer protocol drives.
type Commands interface {
	ResolveApproval(id string, resp approval.Response) bool
	RetryTask(ctx context.Context, sprintID string, taskID int) error
	Approve(ctx context.Context, sprintID string) (*sprint.Sprint, error)
	Cancel(ctx context.Context, sprintID string) (*sprint.Sprint, error)
}

// Hub manages all observer connections.
type Hub struct {
	commands Commands
	events   *events.Broadcaster

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub that relays the broadcaster's events to its clients.
func NewHub(b *events.Broadcaster, commands Commands, log *logger.Logger) *Hub {
	return &Hub{
		commands:   commands,
		events:     b,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithComponent("ws_hub"),
	}
}

// Run drives the hub until ctx is cancelled or the broadcaster closes.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	sub := h.events.Subscribe(0)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAllClients()
				return
			}
			h.broadcastEvent(ev)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent sends one event to every client whose feed admits it. Slow
// clients lose the event rather than stalling the stream.
func (h *Hub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(ev.SprintID) {
			continue
		}
		client.trySend(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
