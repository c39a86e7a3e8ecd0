// Package api implements the control plane's HTTP/JSON routes and
// WebSocket broadcast hub (spec §4.16).
package api

import (
	"context"
	"log/slog"
	"sync"
)

// Hub owns the set of connected WebSocket clients for one broadcast topic
// (logs or task-status) and fans out messages to all of them. Modeled on
// OpenMined-syftbox's pkg/server/v1/ws/hub.go: one goroutine owns the
// client set via register/unregister channels, never a shared mutex
// guarding arbitrary mutation from outside.
type Hub struct {
	logger *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan any

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewHub constructs an idle Hub; call Run to start its goroutine.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan any, 256),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
			}
			h.clients = nil
			h.mu.Unlock()

			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				c.send(msg)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast enqueues msg for delivery to every connected client.
func (h *Hub) Broadcast(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("hub broadcast channel full, dropping message")
	}
}
