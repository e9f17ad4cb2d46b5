package model

import "github.com/shopspring/decimal"

func init() {
	// Clients decode prices as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// EventType is the envelope "type" of a client notification.
type EventType string

const (
	EventConnected           EventType = "CONNECTED"
	EventSubscribe           EventType = "SUBSCRIBE"
	EventUnsubscribe         EventType = "UNSUBSCRIBE"
	EventPing                EventType = "PING"
	EventPong                EventType = "PONG"
	EventMarketData          EventType = "MARKET_DATA"
	EventTradingSignal       EventType = "TRADING_SIGNAL"
	EventPositionUpdate      EventType = "POSITION_UPDATE"
	EventRiskUpdate          EventType = "RISK_UPDATE"
	EventRiskAlert           EventType = "RISK_ALERT"
	EventPositionsAutoClosed EventType = "POSITIONS_AUTO_CLOSED"
)

// Critical events are never dropped from a client's outbox.
func (t EventType) Critical() bool {
	return t == EventRiskAlert || t == EventPositionsAutoClosed
}

// Event is one notification addressed to a user.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// RiskAlertPayload is the RISK_ALERT body.
type RiskAlertPayload struct {
	ViolationType ViolationType `json:"violationType"`
	Metrics       RiskMetrics   `json:"metrics"`
	Message       string        `json:"message"`
}

// AutoClosedPayload is the POSITIONS_AUTO_CLOSED body.
type AutoClosedPayload struct {
	Reason        string   `json:"reason"`
	Message       string   `json:"message"`
	PositionCount int      `json:"positionCount"`
	PositionIDs   []string `json:"positionIds"`
}
