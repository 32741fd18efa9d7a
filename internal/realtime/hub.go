package realtime

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"ofiz/api/internal/chat"
	"ofiz/api/internal/metrics"
	"ofiz/api/internal/presence"
)

// Hub keeps the websocket sessions of this instance, keyed by user id.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	presence presence.Tracker
}

func NewHub(tracker presence.Tracker) *Hub {
	if tracker == nil {
		tracker = presence.NewLocalStore(0)
	}
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		presence: tracker,
	}
}

// Run feeds the hub from broker until ctx is done.
func (h *Hub) Run(ctx context.Context, broker Broker) error {
	log.Info("realtime hub started")
	return broker.Run(ctx, h.Dispatch)
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	count := len(h.clients[c.userID])
	h.mu.Unlock()

	metrics.WebsocketConnections.Inc()
	h.touch(c.userID)
	log.Debug("realtime client registered", "user", c.userID, "connections", count)
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	userClients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := userClients[c]; !present {
		h.mu.Unlock()
		return
	}
	delete(userClients, c)
	remaining := len(userClients)
	if remaining == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	metrics.WebsocketConnections.Dec()
	if remaining == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := h.presence.Leave(ctx, c.userID); err != nil {
			log.Warn("clear presence", "user", c.userID, "err", err)
		}
	}
	log.Debug("realtime client unregistered", "user", c.userID, "remaining", remaining)
}

// Dispatch hands an event to every local session of its recipients.
func (h *Hub) Dispatch(event chat.Event) {
	metrics.RealtimeEvents.WithLabelValues(string(event.Type)).Inc()

	h.mu.RLock()
	targets := make([]*Client, 0)
	for _, userID := range event.UserIDs {
		for client := range h.clients[userID] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.view.Deliver(event)
	}
}

// Connections reports how many sessions userID holds on this instance.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Touch(ctx, userID); err != nil {
		log.Warn("refresh presence", "user", userID, "err", err)
	}
}
