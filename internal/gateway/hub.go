// Package gateway is the notification hub: authenticated websocket
// sessions grouped per user, a bounded outbox per session, and a
// heartbeat that terminates sessions which stop answering pings.
package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"

	"github.com/gorilla/websocket"
)

// Close reasons sent with a policy-violation close frame.
const (
	reasonTokenRequired = "Token required"
	reasonInvalidUser   = "Invalid user"
	reasonAuthFailed    = "Authentication failed"
)

// Relay forwards an encoded event to every hub instance. Enqueue must not
// block; false means the event was not accepted.
type Relay interface {
	Enqueue(userID string, data []byte) bool
}

// Config tunes session behaviour.
type Config struct {
	OutboxSize        int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	return c
}

// Hub tracks every session by user and fans events out to them.
type Hub struct {
	auth     Authenticator
	cfg      Config
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	relayMu sync.RWMutex
	relay   Relay

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}

	// Latency records enqueue-to-write delivery time.
	Latency *LatencyTracker
}

// NewHub creates a hub. m may be nil.
func NewHub(auth Authenticator, cfg Config, m *metrics.Metrics) *Hub {
	return &Hub{
		auth:    auth,
		cfg:     cfg.withDefaults(),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]map[*Client]struct{}),
		Latency:  NewLatencyTracker(10000),
	}
}

// SetRelay routes Publish through r. Events r refuses are delivered
// locally.
func (h *Hub) SetRelay(r Relay) {
	h.relayMu.Lock()
	h.relay = r
	h.relayMu.Unlock()
}

// Publish implements model.Publisher. It never blocks: a full outbox
// sheds non-critical frames instead.
func (h *Hub) Publish(userID string, ev model.Event) {
	data, err := Encode(ev)
	if err != nil {
		log.Printf("[gateway] dropping %s for user %s: %v", ev.Type, userID, err)
		return
	}

	h.relayMu.RLock()
	relay := h.relay
	h.relayMu.RUnlock()
	if relay != nil && relay.Enqueue(userID, data) {
		return
	}
	h.deliver(userID, ev.Type, data)
}

// DeliverRaw hands an already-encoded envelope to the local sessions of
// userID. Used by the relay for events published on any instance.
func (h *Hub) DeliverRaw(userID string, data []byte) {
	h.deliver(userID, PeekType(data), data)
}

func (h *Hub) deliver(userID string, typ model.EventType, data []byte) {
	h.mu.RLock()
	set := h.sessions[userID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(typ, data)
	}
}

// SessionCount returns the number of open sessions for userID.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// ClientCount returns the number of open sessions across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// ConnectedUsers lists users with at least one open session.
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// ServeWS upgrades the request, authenticates the ?token= query parameter
// and starts the session pumps. Authentication failures are reported with
// a policy-violation close frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		h.reject(conn, reasonTokenRequired)
		return
	}
	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		reason := reasonAuthFailed
		if errors.Is(err, ErrInvalidUser) {
			reason = reasonInvalidUser
		}
		log.Printf("[gateway] ws auth rejected: %v", err)
		h.reject(conn, reason)
		return
	}

	c := newClient(h, conn, userID)
	h.register(c)
	c.send(model.EventConnected, map[string]string{"message": "WebSocket connected successfully"})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) reject(conn *websocket.Conn, reason string) {
	if h.metrics != nil {
		h.metrics.WSAuthFailures.Inc()
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	conn.Close()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.sessions[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[c.userID] = set
	}
	set[c] = struct{}{}
	total := len(set)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSSessions.Inc()
	}
	log.Printf("[gateway] ws client connected: user=%s sessions=%d", c.userID, total)
}

// remove drops c from the registry. Safe to call more than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	set := h.sessions[c.userID]
	_, present := set[c]
	if present {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, c.userID)
		}
	}
	h.mu.Unlock()

	if !present {
		return
	}
	c.out.Close()
	if h.metrics != nil {
		h.metrics.WSSessions.Dec()
	}
	log.Printf("[gateway] ws client disconnected: user=%s", c.userID)
}

// RunHeartbeat pings every session on the heartbeat interval. A session
// that has not answered the previous ping by the next tick is terminated.
// Blocks until ctx is cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.RLock()
	var clients []*Client
	for _, set := range h.sessions {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.alive.Swap(false) {
			log.Printf("[gateway] terminating unresponsive session: user=%s", c.userID)
			if h.metrics != nil {
				h.metrics.WSTerminated.Inc()
			}
			h.remove(c)
			c.conn.Close()
			continue
		}
		deadline := time.Now().Add(h.cfg.WriteTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.remove(c)
			c.conn.Close()
		}
	}
}

// Close terminates every session.
func (h *Hub) Close() {
	h.mu.RLock()
	var clients []*Client
	for _, set := range h.sessions {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}
