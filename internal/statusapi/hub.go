// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package statusapi

import (
	"context"
	"sort"
	"sync"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

// Message types for the status stream
const (
	MessageTypeState = "state"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

// Message is one frame on the status stream.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub fans status messages out to connected websocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	// quit is closed once the hub stops serving.
	quit     chan struct{}
	quitOnce sync.Once
}

// NewHub creates a hub. Call RunWithContext to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		quit:       make(chan struct{}),
	}
}

// Done is closed after the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.quit }

// RunWithContext serves register, unregister and broadcast requests until
// ctx is canceled, then closes every client and returns ctx.Err().
//
// Lifecycle events are handled before broadcasts so a newly registered
// client never misses a message queued after its registration.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	statusStreamClients.Set(float64(n))
	logging.Debug().Int("total_clients", n).Msg("Status stream client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	statusStreamClients.Set(float64(n))
	logging.Debug().Int("total_clients", n).Msg("Status stream client disconnected")
}

func (h *Hub) shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })

	h.mu.Lock()
	n := len(h.clients)
	for _, client := range h.sortedLocked() {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	statusStreamClients.Set(0)

	logging.Info().
		Str("component", "status-hub").
		Int("clients_closed", n).
		Msg("Status hub stopped")
}

// sortedLocked returns clients in connection order. Caller holds mu.
func (h *Hub) sortedLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

// broadcastToClients delivers message to every client; a client whose
// buffer is full is dropped.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.sortedLocked() {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
			logging.Warn().Uint64("client_id", client.id).Msg("Status stream client too slow, dropping")
		}
	}
	statusStreamClients.Set(float64(len(h.clients)))
}

// Broadcast queues a message for all clients without blocking.
func (h *Hub) Broadcast(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		logging.Warn().Str("message_type", messageType).Msg("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
