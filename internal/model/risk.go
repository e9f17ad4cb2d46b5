package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskProfile holds a user's capital and risk parameters.
// Percent fields are expressed in percent (0.5 means 0.5%).
type RiskProfile struct {
	TotalCapital             decimal.Decimal `json:"totalCapital"`
	IntradayAllocation       decimal.Decimal `json:"intradayAllocation"`
	LeverageMultiple         decimal.Decimal `json:"leverageMultiple"`
	MaxSimultaneousPositions int             `json:"maxSimultaneousPositions"`
	RiskPerTrade             decimal.Decimal `json:"riskPerTrade"`
	MaxDailyDrawdown         decimal.Decimal `json:"maxDailyDrawdown"`
	TrailingStopLoss         decimal.Decimal `json:"trailingStopLoss"`
}

// RiskMetrics is the per-user aggregate recomputed each risk tick.
type RiskMetrics struct {
	CurrentExposure decimal.Decimal `json:"currentExposure"`
	AvailableMargin decimal.Decimal `json:"availableMargin"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	DailyPnL        decimal.Decimal `json:"dailyPnl"`
	DailyDrawdown   decimal.Decimal `json:"dailyDrawdown"`
	DrawdownLimit   decimal.Decimal `json:"drawdownLimit"`
	MaxRiskPerTrade decimal.Decimal `json:"maxRiskPerTrade"`
	PositionsCount  int             `json:"positionsCount"`
	RiskUtilization decimal.Decimal `json:"riskUtilization"`
	ComputedAt      time.Time       `json:"computedAt"`
}

// ViolationType names a detected risk condition.
type ViolationType string

const (
	ViolationDailyDrawdown   ViolationType = "DAILY_DRAWDOWN_EXCEEDED"
	ViolationHighUtilization ViolationType = "HIGH_RISK_UTILIZATION"
	ViolationMarginDeficit   ViolationType = "MARGIN_DEFICIT"
)

// Message returns the user-facing text for the violation.
func (v ViolationType) Message() string {
	switch v {
	case ViolationDailyDrawdown:
		return "Daily drawdown limit exceeded. All positions will be closed."
	case ViolationHighUtilization:
		return "Risk utilization is above 90%. Consider reducing positions."
	case ViolationMarginDeficit:
		return "Margin deficit detected. Positions will be auto-closed."
	default:
		return "Risk violation detected"
	}
}

// AutoClose reports whether the violation forces liquidation.
func (v ViolationType) AutoClose() bool {
	return v == ViolationDailyDrawdown || v == ViolationMarginDeficit
}

// RiskViolation is an append-only audit record.
type RiskViolation struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Type      ViolationType `json:"violationType"`
	Metrics   RiskMetrics   `json:"metrics"`
	CreatedAt time.Time     `json:"createdAt"`
}
