// Package websocket is the event-broadcast gateway: front-end clients
// connect over a WebSocket and receive the hook events the daemon observes,
// filtered by the websocket.broadcast_events configuration.
package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
)

// ClientObserver receives the connected-client count whenever it changes.
type ClientObserver interface {
	SetWSClients(n int)
}

// Hub maintains the set of connected clients and fans messages out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	metrics    ClientObserver
	logger     *logger.Logger
}

// NewHub creates a hub. Call Run to start the fan-out loop. A nil observer
// disables the client gauge.
func NewHub(obs ClientObserver, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		metrics:    obs,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

func (h *Hub) observeCount() {
	if h.metrics != nil {
		h.metrics.SetWSClients(len(h.clients))
	}
}

// Run processes register/unregister/broadcast events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.observeCount()
			return
		case client := <-h.register:
			h.clients[client] = true
			h.observeCount()
			h.logger.Debug("client connected", zap.Int("clients", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.observeCount()
				h.logger.Debug("client disconnected", zap.Int("clients", len(h.clients)))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.observeCount()
		}
	}
}

// Broadcast queues a message for every connected client. Drops the message
// when the hub's buffer is full so callers never block.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast buffer full, dropping message")
	}
}
