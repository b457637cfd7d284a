package session

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/metrics"
	"github.com/p-blackswan/session-orchestrator/internal/protocol"
)

const clientSendBuffer = 64

// Client is one authenticated WebSocket connection. The transport layer owns
// the socket and drains Outbound into it; the hub only ever enqueues.
type Client struct {
	ID            string
	ParticipantID string

	outbound  chan []byte
	closeOnce sync.Once
}

// NewClient creates a connection handle for the hub.
func NewClient(id, participantID string) *Client {
	return &Client{
		ID:            id,
		ParticipantID: participantID,
		outbound:      make(chan []byte, clientSendBuffer),
	}
}

// Outbound is the channel the transport write loop reads from. It is closed
// when the client is unregistered.
func (c *Client) Outbound() <-chan []byte {
	return c.outbound
}

// enqueue hands data to the write loop without blocking. A client that cannot
// keep up loses the frame rather than stalling the actor.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.outbound)
	})
}

// Hub fans messages out to the connected clients of one session.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		metrics: m,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a client to the broadcast set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientConnected(1)
	}
	h.logger.Debug().Str("client_id", c.ID).Int("clients", n).Msg("client registered")
}

// Unregister removes a client and closes its outbound channel. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	if h.metrics != nil {
		h.metrics.ClientConnected(-1)
	}
	h.logger.Debug().Str("client_id", c.ID).Int("clients", n).Msg("client unregistered")
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients returns a snapshot of the connected clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Send delivers a message to a single client.
func (h *Hub) Send(c *Client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshaling message")
		return
	}
	if !c.enqueue(data) {
		h.logger.Warn().Str("client_id", c.ID).Str("type", msg.Type).Msg("client send buffer full, dropping")
	}
}

// Broadcast delivers a message to every connected client.
func (h *Hub) Broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshaling message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.logger.Warn().Str("client_id", c.ID).Str("type", msg.Type).Msg("client send buffer full, dropping")
		}
	}
}
