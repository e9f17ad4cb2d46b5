package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trading-riskengine/internal/model"

	"github.com/gorilla/websocket"
)

// Client is one websocket session of a user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	out    *Outbox

	// alive is cleared by each heartbeat ping and set by the pong.
	alive atomic.Bool
	// slow is set when the outbox overflowed with critical frames.
	slow atomic.Bool

	subMu   sync.Mutex
	symbols map[string]struct{}
}

type subscriptionPayload struct {
	Symbol string `json:"symbol"`
}

type subscriptionAck struct {
	Symbol     string `json:"symbol"`
	Subscribed bool   `json:"subscribed"`
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		userID:  userID,
		out:     NewOutbox(h.cfg.OutboxSize),
		symbols: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

// send encodes and queues an event for this session only.
func (c *Client) send(typ model.EventType, payload any) {
	data, err := Encode(model.Event{Type: typ, Payload: payload})
	if err != nil {
		log.Printf("[gateway] encode %s: %v", typ, err)
		return
	}
	c.enqueue(typ, data)
}

func (c *Client) enqueue(typ model.EventType, data []byte) {
	dropped, err := c.out.Push(frame{Type: typ, Data: data, Queued: time.Now()})
	if dropped != "" && c.hub.metrics != nil {
		c.hub.metrics.WSDropped.WithLabelValues(string(dropped)).Inc()
	}
	if errors.Is(err, errOutboxOverflow) && !c.slow.Swap(true) {
		log.Printf("[gateway] closing slow consumer: user=%s queued=%d", c.userID, c.out.Len())
		c.hub.remove(c)
	}
}

// Subscriptions returns the symbols this session subscribed to, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for range c.out.Ready() {
		frames, closed := c.out.Drain()
		for _, f := range frames {
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				c.hub.remove(c)
				return
			}
			c.hub.Latency.Observe(time.Since(f.Queued))
		}
		if closed {
			code, reason := websocket.CloseGoingAway, ""
			if c.slow.Load() {
				code, reason = websocket.CloseTryAgainLater, "slow consumer"
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(c.hub.cfg.WriteTimeout))
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	wait := 2*c.hub.cfg.HeartbeatInterval + c.hub.cfg.WriteTimeout
	c.conn.SetReadLimit(c.hub.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			log.Printf("[gateway] bad message from user %s: %v", c.userID, err)
			continue
		}

		switch in.Type {
		case model.EventPing:
			c.send(model.EventPong, struct{}{})
		case model.EventSubscribe:
			c.handleSubscription(in.Payload, true)
		case model.EventUnsubscribe:
			c.handleSubscription(in.Payload, false)
		default:
			log.Printf("[gateway] unknown message type %q from user %s", in.Type, c.userID)
		}
	}
}

// handleSubscription records symbol interest and acknowledges it. The
// market data feed is not filtered by it.
func (c *Client) handleSubscription(raw json.RawMessage, subscribe bool) {
	var p subscriptionPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
	}
	if p.Symbol == "" {
		return
	}

	c.subMu.Lock()
	if subscribe {
		c.symbols[p.Symbol] = struct{}{}
	} else {
		delete(c.symbols, p.Symbol)
	}
	c.subMu.Unlock()

	typ := model.EventSubscribe
	if !subscribe {
		typ = model.EventUnsubscribe
	}
	log.Printf("[gateway] user %s %s %s", c.userID, typ, p.Symbol)
	c.send(typ, subscriptionAck{Symbol: p.Symbol, Subscribed: subscribe})
}
