// Package risk sizes positions, computes stops and exposure metrics from a
// user's RiskProfile, and enforces the profile's limits each aggregation tick.
package risk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)

	// DefaultRiskReward is the reward multiple applied to the stop distance.
	DefaultRiskReward = decimal.NewFromInt(2)

	// HighUtilizationPct is the risk utilization above which users are alerted.
	HighUtilizationPct = decimal.NewFromInt(90)
)

// ErrInvalidProfile is matched by every ValidationError.
var ErrInvalidProfile = errors.New("invalid risk profile")

// ValidationError lists every violated profile rule.
type ValidationError struct {
	Rules []string
}

func (e *ValidationError) Error() string {
	return "invalid risk parameters: " + strings.Join(e.Rules, ", ")
}

// Is makes errors.Is(err, ErrInvalidProfile) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidProfile
}

// Profile bounds.
var (
	MinTotalCapital       = decimal.NewFromInt(10000)
	MinIntradayAllocation = decimal.NewFromInt(1000)
	MinLeverage           = decimal.NewFromInt(1)
	MaxLeverage           = decimal.NewFromInt(10)
	MinPercent            = decimal.RequireFromString("0.1")
	MaxRiskPerTrade       = decimal.NewFromInt(5)
	MaxDailyDrawdown      = decimal.NewFromInt(10)
	MaxTrailingStopLoss   = decimal.NewFromInt(5)
)

const (
	MinPositions = 1
	MaxPositions = 10
)

// decision reasons
const (
	ReasonPositionLimit   = "Maximum simultaneous positions reached"
	ReasonMargin          = "Insufficient margin available"
	ReasonMarginAdjusted  = "Adjusted position size due to margin constraints"
	ReasonMinimumPosition = "Insufficient margin for minimum position"
	ReasonInvalidPrice    = "Entry price must be positive"
)

// Decision is the outcome of CanOpenPosition.
type Decision struct {
	Allowed       bool   `json:"canOpen"`
	Reason        string `json:"reason,omitempty"`
	SuggestedSize int64  `json:"suggestedSize"`
}

// Calculator evaluates one RiskProfile snapshot. It is immutable and safe
// for concurrent use.
type Calculator struct {
	p model.RiskProfile
}

// NewCalculator wraps p without validating it; see Validate.
func NewCalculator(p model.RiskProfile) *Calculator {
	return &Calculator{p: p}
}

// Profile returns the profile the calculator was built from.
func (c *Calculator) Profile() model.RiskProfile {
	return c.p
}

func (c *Calculator) maxPositions() decimal.Decimal {
	return decimal.NewFromInt(int64(c.p.MaxSimultaneousPositions))
}

// PositionSize returns floor((totalCapital / maxPositions) / entryPrice).
// It returns 0 for a non-positive price.
func (c *Calculator) PositionSize(entryPrice decimal.Decimal) int64 {
	if !entryPrice.IsPositive() || c.p.MaxSimultaneousPositions <= 0 {
		return 0
	}
	notional := c.p.TotalCapital.Div(c.maxPositions())
	return notional.Div(entryPrice).Floor().IntPart()
}

func (c *Calculator) stopFactor() decimal.Decimal {
	return one.Sub(c.p.TrailingStopLoss.Div(hundred))
}

// InitialStopLoss returns entryPrice × (1 − trailingStopLoss%/100).
func (c *Calculator) InitialStopLoss(entryPrice decimal.Decimal) decimal.Decimal {
	return entryPrice.Mul(c.stopFactor())
}

// UpdateTrailingStopLoss returns max(initial stop, highest × (1 − trailingStopLoss%/100)).
// The current price counts towards the highest price seen.
func (c *Calculator) UpdateTrailingStopLoss(entryPrice, currentPrice, highestPrice decimal.Decimal) decimal.Decimal {
	highest := decimal.Max(highestPrice, currentPrice)
	return decimal.Max(c.InitialStopLoss(entryPrice), highest.Mul(c.stopFactor()))
}

// TargetPrice returns entry + (entry − stop) × riskReward.
func (c *Calculator) TargetPrice(entryPrice, stopLoss, riskReward decimal.Decimal) decimal.Decimal {
	return entryPrice.Add(entryPrice.Sub(stopLoss).Mul(riskReward))
}

// MaxRiskPerTrade returns the rupee amount a single trade may lose.
func (c *Calculator) MaxRiskPerTrade() decimal.Decimal {
	if c.p.MaxSimultaneousPositions <= 0 {
		return decimal.Zero
	}
	return c.p.TotalCapital.Div(c.maxPositions()).Mul(c.p.RiskPerTrade).Div(hundred)
}

// BuyingPower returns intradayAllocation × leverage.
func (c *Calculator) BuyingPower() decimal.Decimal {
	return c.p.IntradayAllocation.Mul(c.p.LeverageMultiple)
}

// MarginPerTrade returns intradayAllocation / maxPositions.
func (c *Calculator) MarginPerTrade() decimal.Decimal {
	if c.p.MaxSimultaneousPositions <= 0 {
		return c.p.IntradayAllocation
	}
	return c.p.IntradayAllocation.Div(c.maxPositions())
}

// CanOpenPosition checks position count and margin, and sizes the trade so
// its notional never exceeds the available margin.
func (c *Calculator) CanOpenPosition(entryPrice, currentExposure decimal.Decimal, activePositions int) Decision {
	if activePositions >= c.p.MaxSimultaneousPositions {
		return Decision{Reason: ReasonPositionLimit}
	}

	available := c.BuyingPower().Sub(currentExposure)
	if available.LessThan(c.MarginPerTrade()) {
		return Decision{Reason: ReasonMargin}
	}

	if !entryPrice.IsPositive() {
		return Decision{Reason: ReasonInvalidPrice}
	}

	size := c.PositionSize(entryPrice)
	if entryPrice.Mul(decimal.NewFromInt(size)).GreaterThan(available) {
		adjusted := available.Div(entryPrice).Floor().IntPart()
		if adjusted <= 0 {
			return Decision{Reason: ReasonMinimumPosition}
		}
		return Decision{Allowed: true, Reason: ReasonMarginAdjusted, SuggestedSize: adjusted}
	}
	if size <= 0 {
		return Decision{Reason: ReasonMinimumPosition}
	}
	return Decision{Allowed: true, SuggestedSize: size}
}

// RiskUtilization returns max(positions fraction, exposure fraction) × 100,
// clamped to [0, 100].
func (c *Calculator) RiskUtilization(currentExposure decimal.Decimal, activePositions int) decimal.Decimal {
	posPct := decimal.Zero
	if c.p.MaxSimultaneousPositions > 0 {
		posPct = decimal.NewFromInt(int64(activePositions)).Div(c.maxPositions()).Mul(hundred)
	}

	expPct := decimal.Zero
	if bp := c.BuyingPower(); bp.IsPositive() {
		expPct = currentExposure.Div(bp).Mul(hundred)
	} else if currentExposure.IsPositive() {
		expPct = hundred
	}

	return clamp(decimal.Max(posPct, expPct), decimal.Zero, hundred)
}

// DrawdownLimit returns totalCapital × maxDailyDrawdown%/100.
func (c *Calculator) DrawdownLimit() decimal.Decimal {
	return c.p.TotalCapital.Mul(c.p.MaxDailyDrawdown).Div(hundred)
}

// IsDrawdownLimitExceeded reports |dailyDrawdown| ≥ DrawdownLimit.
func (c *Calculator) IsDrawdownLimitExceeded(dailyDrawdown decimal.Decimal) bool {
	return dailyDrawdown.Abs().GreaterThanOrEqual(c.DrawdownLimit())
}

// Metrics derives the user's RiskMetrics from open exposure and today's
// realized P&L.
func (c *Calculator) Metrics(sum model.ExposureSummary, realized decimal.Decimal, now time.Time) model.RiskMetrics {
	dailyPnL := sum.UnrealizedPnL.Add(realized)
	drawdown := decimal.Zero
	if dailyPnL.IsNegative() {
		drawdown = dailyPnL.Abs()
	}
	return model.RiskMetrics{
		CurrentExposure: sum.Exposure,
		AvailableMargin: c.BuyingPower().Sub(sum.Exposure),
		UnrealizedPnL:   sum.UnrealizedPnL,
		RealizedPnL:     realized,
		DailyPnL:        dailyPnL,
		DailyDrawdown:   drawdown,
		DrawdownLimit:   c.DrawdownLimit(),
		MaxRiskPerTrade: c.MaxRiskPerTrade(),
		PositionsCount:  sum.PositionsCount,
		RiskUtilization: c.RiskUtilization(sum.Exposure, sum.PositionsCount),
		ComputedAt:      now,
	}
}

// Violations returns the conditions breached by m, in enforcement priority.
func (c *Calculator) Violations(m model.RiskMetrics) []model.ViolationType {
	var out []model.ViolationType
	if c.IsDrawdownLimitExceeded(m.DailyDrawdown) {
		out = append(out, model.ViolationDailyDrawdown)
	}
	if m.RiskUtilization.GreaterThan(HighUtilizationPct) {
		out = append(out, model.ViolationHighUtilization)
	}
	if m.AvailableMargin.IsNegative() {
		out = append(out, model.ViolationMarginDeficit)
	}
	return out
}

// Validate checks every profile bound and returns a *ValidationError
// listing all violated rules, or nil.
func (c *Calculator) Validate() error {
	return Validate(c.p)
}

// Validate checks p against the documented parameter bounds.
func Validate(p model.RiskProfile) error {
	var rules []string
	if p.TotalCapital.LessThan(MinTotalCapital) {
		rules = append(rules, fmt.Sprintf("Total capital must be at least %s", MinTotalCapital))
	}
	if p.IntradayAllocation.LessThan(MinIntradayAllocation) {
		rules = append(rules, fmt.Sprintf("Intraday allocation must be at least %s", MinIntradayAllocation))
	}
	if p.IntradayAllocation.GreaterThan(p.TotalCapital) {
		rules = append(rules, "Intraday allocation cannot exceed total capital")
	}
	if outside(p.LeverageMultiple, MinLeverage, MaxLeverage) {
		rules = append(rules, "Leverage multiple should be between 1 and 10")
	}
	if p.MaxSimultaneousPositions < MinPositions || p.MaxSimultaneousPositions > MaxPositions {
		rules = append(rules, "Maximum positions should be between 1 and 10")
	}
	if outside(p.RiskPerTrade, MinPercent, MaxRiskPerTrade) {
		rules = append(rules, "Risk per trade should be between 0.1% and 5%")
	}
	if outside(p.MaxDailyDrawdown, MinPercent, MaxDailyDrawdown) {
		rules = append(rules, "Maximum daily drawdown should be between 0.1% and 10%")
	}
	if outside(p.TrailingStopLoss, MinPercent, MaxTrailingStopLoss) {
		rules = append(rules, "Trailing stop-loss should be between 0.1% and 5%")
	}
	if len(rules) > 0 {
		return &ValidationError{Rules: rules}
	}
	return nil
}

func outside(v, lo, hi decimal.Decimal) bool {
	return v.LessThan(lo) || v.GreaterThan(hi)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
