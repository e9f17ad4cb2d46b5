package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing" // liquidation requested, fill not yet confirmed
	PositionClosed  PositionStatus = "closed"
)

// Position represents a tracked long intraday position.
// A closed position always has Quantity == 0.
type Position struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Quantity         int64           `json:"quantity"`
	AvgPrice         decimal.Decimal `json:"avgPrice"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	HighestPrice     decimal.Decimal `json:"highestPrice"`
	TrailingStopLoss decimal.Decimal `json:"trailingStopLoss"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	Status           PositionStatus  `json:"status"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Monitored reports whether the position takes part in monitoring ticks.
func (p *Position) Monitored() bool {
	return p.Quantity > 0
}

// Notional returns quantity × current price.
func (p *Position) Notional() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// PositionUpdate carries the four fields rewritten on every monitoring tick.
// Stores apply it as one single-row write.
type PositionUpdate struct {
	ID               string
	CurrentPrice     decimal.Decimal
	HighestPrice     decimal.Decimal
	TrailingStopLoss decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UpdatedAt        time.Time
}

// Apply returns a copy of p with the update's fields set.
func (u PositionUpdate) Apply(p Position) Position {
	p.CurrentPrice = u.CurrentPrice
	p.HighestPrice = u.HighestPrice
	p.TrailingStopLoss = u.TrailingStopLoss
	p.UnrealizedPnL = u.UnrealizedPnL
	p.UpdatedAt = u.UpdatedAt
	return p
}

// ExposureSummary aggregates a user's positions with quantity > 0 and,
// separately, entry orders that have not filled yet.
type ExposureSummary struct {
	PositionsCount int
	Exposure       decimal.Decimal // sum(quantity × current price)
	UnrealizedPnL  decimal.Decimal

	PendingEntries  int
	PendingExposure decimal.Decimal // sum(quantity × entry price)
}

// Committed returns open plus pending exposure and position count, the
// figures a new entry is checked against.
func (s ExposureSummary) Committed() (decimal.Decimal, int) {
	return s.Exposure.Add(s.PendingExposure), s.PositionsCount + s.PendingEntries
}
