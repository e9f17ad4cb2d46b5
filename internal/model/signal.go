package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalStatus is the lifecycle state of a trading signal.
type SignalStatus string

const (
	SignalGenerated SignalStatus = "generated"
	SignalApproved  SignalStatus = "approved"
	SignalRejected  SignalStatus = "rejected"
	SignalExecuted  SignalStatus = "executed"
)

// Terminal reports whether no further transition is allowed.
func (s SignalStatus) Terminal() bool {
	return s == SignalRejected || s == SignalExecuted
}

// TradingSignal is a candidate trade produced by the signal generator.
type TradingSignal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategyId"`
	UserID     string          `json:"userId"`
	Symbol     string          `json:"symbol"`
	Action     Side            `json:"action"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	Target     decimal.Decimal `json:"target"`
	Confidence float64         `json:"confidence"`
	Status     SignalStatus    `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// StrategyLive is the status of strategies the generator evaluates.
const StrategyLive = "live"

// Strategy is a user's configured strategy.
type Strategy struct {
	ID      string             `json:"id"`
	UserID  string             `json:"userId"`
	Name    string             `json:"name"`
	Kind    string             `json:"kind"`
	Status  string             `json:"status"`
	Symbols []string           `json:"symbols"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// TradeStatus is the state of a trade row.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeCancelled TradeStatus = "cancelled"
)

// Trade is a broker-backed trade record. An entry trade stays pending for
// the life of its position; until its order fills it has no PositionID.
type Trade struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	StrategyID    string          `json:"strategyId,omitempty"`
	SignalID      string          `json:"signalId,omitempty"`
	PositionID    string          `json:"positionId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	ExitPrice     decimal.Decimal `json:"exitPrice"`
	StopLoss      decimal.Decimal `json:"stopLoss"`
	TargetPrice   decimal.Decimal `json:"targetPrice"`
	PnL           decimal.Decimal `json:"pnl"`
	Status        TradeStatus     `json:"status"`
	BrokerOrderID string          `json:"brokerOrderId"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExecutedAt    time.Time       `json:"executedAt,omitempty"`
}

// AwaitingFill reports whether t is an entry whose order has not filled.
func (t *Trade) AwaitingFill() bool {
	return t.Side == SideBuy && t.Status == TradePending && t.PositionID == ""
}
