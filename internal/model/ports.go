package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Collaborator Port Interfaces ──
// Business logic depends on these; the Postgres store, the broker clients
// and the notification hub satisfy them.

// MarketData returns quote snapshots.
type MarketData interface {
	GetMarketData(ctx context.Context, symbols []string) ([]Quote, error)
}

// Broker is the order-placement gateway for one broker account.
type Broker interface {
	MarketData

	// PlaceOrder submits an order. Retrying with the same ClientOrderID
	// must not create a second order.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)

	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// OrderStatus returns the broker's current view of a placed order.
	OrderStatus(ctx context.Context, orderID string) (OrderResponse, error)

	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// BrokerResolver returns the broker gateway for a user's account.
type BrokerResolver interface {
	ForUser(ctx context.Context, userID string) (Broker, error)
}

// Publisher delivers events to every session of a user. It never blocks.
type Publisher interface {
	Publish(userID string, ev Event)
}

// ProfileStore persists risk profiles.
type ProfileStore interface {
	LoadRiskProfiles(ctx context.Context) (map[string]RiskProfile, error)
	GetRiskProfile(ctx context.Context, userID string) (RiskProfile, error)
	SaveRiskProfile(ctx context.Context, userID string, p RiskProfile) error
}

// UserStore reads and resets user rows.
type UserStore interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	UserExists(ctx context.Context, userID string) (bool, error)

	// ResetDailyCounters zeroes daily P&L and trade counters for every user.
	ResetDailyCounters(ctx context.Context) (int64, error)

	BrokerCredentials(ctx context.Context, userID string) (BrokerCredentials, error)
}

// PositionStore reads and writes positions. Every write touches one row.
type PositionStore interface {
	// ListMonitoredPositions returns all positions with quantity > 0.
	ListMonitoredPositions(ctx context.Context) ([]Position, error)

	// ListOpenPositions returns a user's positions with quantity > 0 and status open.
	ListOpenPositions(ctx context.Context, userID string) ([]Position, error)

	GetPosition(ctx context.Context, id string) (Position, error)

	ExposureSummary(ctx context.Context, userID string) (ExposureSummary, error)

	// HoldsSymbol reports whether the user has a position with quantity > 0
	// or an unfilled entry order in symbol.
	HoldsSymbol(ctx context.Context, userID, symbol string) (bool, error)

	// UpdatePositionPricing rewrites a position with quantity > 0. A closed
	// position is not touched and reports ErrNotFound.
	UpdatePositionPricing(ctx context.Context, u PositionUpdate) error

	// TransitionPosition moves a position from one status to another only if
	// it is currently in from. It reports whether the row changed.
	TransitionPosition(ctx context.Context, id string, from, to PositionStatus) (bool, error)

	// ClosePosition sets quantity to 0 and status to closed.
	ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, at time.Time) error

	InsertPosition(ctx context.Context, p Position) error
}

// TradeStore reads and writes trades.
type TradeStore interface {
	// RealizedPnLSince sums P&L of completed trades executed at or after since.
	RealizedPnLSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	InsertTrade(ctx context.Context, t Trade) error

	// ListPendingEntries returns BUY trades whose order has not filled yet.
	ListPendingEntries(ctx context.Context) ([]Trade, error)

	// ConfirmEntry links a pending entry trade to a new position and
	// inserts the position. It reports false, inserting nothing, when the
	// trade was already confirmed or cancelled.
	ConfirmEntry(ctx context.Context, tradeID string, p Position) (bool, error)

	// CancelEntry marks a pending entry trade cancelled.
	CancelEntry(ctx context.Context, tradeID string) (bool, error)
}

// SignalStore reads and writes trading signals.
type SignalStore interface {
	InsertSignal(ctx context.Context, s TradingSignal) error
	GetSignal(ctx context.Context, userID, signalID string) (TradingSignal, error)
	UpdateSignalStatus(ctx context.Context, signalID string, status SignalStatus, reason string) error
}

// StrategyStore lists strategies.
type StrategyStore interface {
	ListLiveStrategies(ctx context.Context) ([]Strategy, error)
}

// ViolationStore appends and purges risk violations.
type ViolationStore interface {
	InsertViolation(ctx context.Context, v RiskViolation) error

	// PurgeViolationsBefore deletes violations created strictly before cutoff.
	PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
