package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"trading-riskengine/internal/model"

	"github.com/gorilla/websocket"
)

type testServer struct {
	hub  *Hub
	auth *JWTAuth
	url  string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	auth := newTestAuth(t)
	hub := NewHub(auth, cfg, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testServer{
		hub:  hub,
		auth: auth,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := s.auth.IssueToken(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if msg := readEnvelope(t, conn); msg.Type != model.EventConnected {
		t.Fatalf("first message = %s, want CONNECTED", msg.Type)
	}
	return conn
}

type envelope struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %s", data)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestServeWS_RejectsWithReason(t *testing.T) {
	s := newTestServer(t, Config{})
	unknown, _ := s.auth.IssueToken("ghost", time.Hour)

	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{name: "missing token", query: "", reason: "Token required"},
		{name: "bad token", query: "?token=abc.def.ghi", reason: "Authentication failed"},
		{name: "unknown user", query: "?token=" + unknown, reason: "Invalid user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(s.url+tt.query, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("expected close error, got %v", err)
			}
			if ce.Code != websocket.ClosePolicyViolation || ce.Text != tt.reason {
				t.Errorf("close = %d %q, want 1008 %q", ce.Code, ce.Text, tt.reason)
			}
		})
	}
	if s.hub.ClientCount() != 0 {
		t.Errorf("rejected sessions registered: %d", s.hub.ClientCount())
	}
}

func TestServeWS_ConnectedPayload(t *testing.T) {
	s := newTestServer(t, Config{})
	token, _ := s.auth.IssueToken("u1", time.Hour)
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readEnvelope(t, conn)
	if msg.Type != model.EventConnected {
		t.Fatalf("type = %s", msg.Type)
	}
	var p struct{ Message string }
	json.Unmarshal(msg.Payload, &p)
	if p.Message != "WebSocket connected successfully" {
		t.Errorf("payload = %s", msg.Payload)
	}
	if s.hub.SessionCount("u1") != 1 {
		t.Errorf("SessionCount = %d, want 1", s.hub.SessionCount("u1"))
	}
}

func TestClient_PingAndSubscriptions(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := s.dial(t, "u1")

	conn.WriteJSON(map[string]any{"type": "PING"})
	if msg := readEnvelope(t, conn); msg.Type != model.EventPong || string(msg.Payload) != "{}" {
		t.Errorf("got %s %s, want PONG {}", msg.Type, msg.Payload)
	}

	conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "payload": map[string]string{"symbol": "SBIN-EQ"}})
	msg := readEnvelope(t, conn)
	var ack subscriptionAck
	json.Unmarshal(msg.Payload, &ack)
	if msg.Type != model.EventSubscribe || ack.Symbol != "SBIN-EQ" || !ack.Subscribed {
		t.Errorf("subscribe ack = %s %s", msg.Type, msg.Payload)
	}

	conn.WriteJSON(map[string]any{"type": "UNSUBSCRIBE", "payload": map[string]string{"symbol": "SBIN-EQ"}})
	msg = readEnvelope(t, conn)
	json.Unmarshal(msg.Payload, &ack)
	if msg.Type != model.EventUnsubscribe || ack.Subscribed {
		t.Errorf("unsubscribe ack = %s %s", msg.Type, msg.Payload)
	}

	for _, c := range sessionsOf(s.hub, "u1") {
		if len(c.Subscriptions()) != 0 {
			t.Errorf("subscriptions = %v, want none", c.Subscriptions())
		}
	}

	// Unknown types and empty symbols are ignored.
	conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "payload": map[string]string{}})
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	expectSilence(t, conn)
}

func TestPublish_FansOutPerUser(t *testing.T) {
	s := newTestServer(t, Config{})
	a1 := s.dial(t, "u1")
	a2 := s.dial(t, "u1")
	b := s.dial(t, "u2")

	if s.hub.SessionCount("u1") != 2 || s.hub.ClientCount() != 3 {
		t.Fatalf("sessions: u1=%d total=%d", s.hub.SessionCount("u1"), s.hub.ClientCount())
	}

	s.hub.Publish("u1", model.Event{
		Type:    model.EventRiskAlert,
		Payload: model.RiskAlertPayload{ViolationType: model.ViolationMarginDeficit, Message: "Margin deficit detected. Positions will be auto-closed."},
	})

	for _, conn := range []*websocket.Conn{a1, a2} {
		msg := readEnvelope(t, conn)
		if msg.Type != model.EventRiskAlert {
			t.Errorf("type = %s, want RISK_ALERT", msg.Type)
		}
		var p model.RiskAlertPayload
		json.Unmarshal(msg.Payload, &p)
		if p.ViolationType != model.ViolationMarginDeficit {
			t.Errorf("payload = %s", msg.Payload)
		}
	}
	expectSilence(t, b)

	// Publishing to a user with no sessions is a no-op.
	s.hub.Publish("nobody", model.Event{Type: model.EventRiskUpdate})

	if s.hub.Latency.Snapshot().Count == 0 {
		t.Error("delivery latency not recorded")
	}
}

type fakeRelay struct {
	mu     sync.Mutex
	accept bool
	got    []string
}

func (r *fakeRelay) Enqueue(userID string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, userID+" "+string(PeekType(data)))
	return r.accept
}

func TestPublish_ThroughRelay(t *testing.T) {
	s := newTestServer(t, Config{})
	conn := s.dial(t, "u1")

	relay := &fakeRelay{accept: true}
	s.hub.SetRelay(relay)
	s.hub.Publish("u1", model.Event{Type: model.EventPositionUpdate})

	// Only frames coming back from the relay subscription reach the socket.
	data, _ := Encode(model.Event{Type: model.EventTradingSignal})
	s.hub.DeliverRaw("u1", data)
	if msg := readEnvelope(t, conn); msg.Type != model.EventTradingSignal {
		t.Errorf("relayed type = %s, want TRADING_SIGNAL", msg.Type)
	}

	// A refusing relay falls back to local delivery.
	relay.mu.Lock()
	relay.accept = false
	relay.mu.Unlock()
	s.hub.Publish("u1", model.Event{Type: model.EventRiskUpdate})
	if msg := readEnvelope(t, conn); msg.Type != model.EventRiskUpdate {
		t.Errorf("fallback type = %s", msg.Type)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.got) != 2 || relay.got[0] != "u1 POSITION_UPDATE" {
		t.Errorf("relay saw %v", relay.got)
	}
}

func TestHeartbeat_TerminatesUnresponsiveSession(t *testing.T) {
	s := newTestServer(t, Config{HeartbeatInterval: time.Hour})
	live := s.dial(t, "u1")
	dead := s.dial(t, "u2")

	// The live peer keeps reading, which answers pings; the dead one does not.
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()
	live.SetReadDeadline(time.Time{})

	s.hub.heartbeat()
	waitFor(t, func() bool {
		for _, c := range sessionsOf(s.hub, "u1") {
			return c.alive.Load()
		}
		return false
	})

	s.hub.heartbeat()
	if s.hub.SessionCount("u2") != 0 {
		t.Error("unresponsive session should be removed")
	}
	if s.hub.SessionCount("u1") != 1 {
		t.Error("responsive session should survive")
	}

	dead.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := dead.ReadMessage(); err != nil {
			break
		}
	}
}

func sessionsOf(h *Hub, userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for c := range h.sessions[userID] {
		out = append(out, c)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEncode(t *testing.T) {
	data, err := Encode(model.Event{Type: model.EventPong})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"PONG","payload":{}}` {
		t.Errorf("Encode = %s", data)
	}
	if PeekType(data) != model.EventPong {
		t.Errorf("PeekType = %q", PeekType(data))
	}
	if PeekType([]byte("junk")) != "" {
		t.Error("PeekType of junk should be empty")
	}
}
