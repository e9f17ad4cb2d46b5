package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"trading-riskengine/internal/ids"
	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/markethours"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/notification"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EnforcerStore is the data the enforcer reads and appends.
type EnforcerStore interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	ExposureSummary(ctx context.Context, userID string) (model.ExposureSummary, error)
	RealizedPnLSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)
	InsertViolation(ctx context.Context, v model.RiskViolation) error
}

// Liquidator requests the market close of one open position. It reports
// false when the position was no longer open (already closing or closed).
type Liquidator interface {
	Liquidate(ctx context.Context, pos model.Position, reason string) (model.Position, bool, error)
}

// EnforcerConfig bounds the enforcer's fan-out and I/O.
type EnforcerConfig struct {
	CallTimeout time.Duration // per Data Store call
	Workers     int           // users processed in parallel
}

// Report is the result of one user's enforcement pass.
type Report struct {
	UserID     string
	Metrics    model.RiskMetrics
	Violations []model.ViolationType
	Closing    []string // positions moved to closing by this pass
}

// Enforcer aggregates per-user exposure, records violations and triggers
// alerts or forced liquidation.
type Enforcer struct {
	store   EnforcerStore
	cache   *Cache
	liq     Liquidator
	pub     model.Publisher
	alerts  notification.Notifier
	locks   *keylock.Map
	metrics *metrics.Metrics
	cfg     EnforcerConfig

	now func() time.Time
}

// NewEnforcer wires an enforcer. alerts and m may be nil. locks must be the
// same map the position monitor sequences on.
func NewEnforcer(store EnforcerStore, cache *Cache, liq Liquidator, pub model.Publisher,
	alerts notification.Notifier, locks *keylock.Map, m *metrics.Metrics, cfg EnforcerConfig) *Enforcer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Enforcer{
		store:   store,
		cache:   cache,
		liq:     liq,
		pub:     pub,
		alerts:  alerts,
		locks:   locks,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Tick runs one aggregation pass over every user. A failing user is logged
// and skipped; the returned error only summarizes how many failed.
func (e *Enforcer) Tick(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	users, err := e.store.ListUserIDs(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("risk: list users: %w", err)
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if _, err := e.EnforceUser(ctx, userID); err != nil {
				failed.Add(1)
				slog.Warn("risk enforcement skipped user",
					append(logger.LogWithTrace(ctx), "user_id", userID, "error", err)...)
			}
			return nil
		})
	}
	g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("risk: %d of %d users failed", n, len(users))
	}
	return nil
}

// Compute returns the user's current RiskMetrics without enforcing.
func (e *Enforcer) Compute(ctx context.Context, userID string) (model.RiskMetrics, *Calculator, error) {
	calc, ok := e.cache.Get(userID)
	if !ok {
		return model.RiskMetrics{}, nil, fmt.Errorf("risk: user %s: %w", userID, ErrProfileNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	sum, err := e.store.ExposureSummary(callCtx, userID)
	if err != nil {
		return model.RiskMetrics{}, nil, fmt.Errorf("risk: exposure for %s: %w", userID, err)
	}
	now := e.now()
	realized, err := e.store.RealizedPnLSince(callCtx, userID, markethours.DayStart(now))
	if err != nil {
		return model.RiskMetrics{}, nil, fmt.Errorf("risk: realized pnl for %s: %w", userID, err)
	}
	return calc.Metrics(sum, realized, now), calc, nil
}

// EnforceUser recomputes the user's metrics, publishes RISK_UPDATE and acts
// on every breached condition in priority order.
func (e *Enforcer) EnforceUser(ctx context.Context, userID string) (Report, error) {
	m, calc, err := e.Compute(ctx, userID)
	if err != nil {
		return Report{UserID: userID}, err
	}

	rep := Report{UserID: userID, Metrics: m, Violations: calc.Violations(m)}
	e.pub.Publish(userID, model.Event{Type: model.EventRiskUpdate, Payload: m})

	autoClosed := false
	for _, vt := range rep.Violations {
		e.record(ctx, userID, vt, m)
		if vt.AutoClose() && !autoClosed {
			autoClosed = true
			closing, err := e.autoClose(ctx, userID, vt)
			rep.Closing = append(rep.Closing, closing...)
			if err != nil {
				return rep, err
			}
		}
	}
	return rep, nil
}

// record persists the violation and tells the user. A failed insert is
// logged; the alert still goes out.
func (e *Enforcer) record(ctx context.Context, userID string, vt model.ViolationType, m model.RiskMetrics) {
	v := model.RiskViolation{
		ID:        ids.New("viol_"),
		UserID:    userID,
		Type:      vt,
		Metrics:   m,
		CreatedAt: e.now(),
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	err := e.store.InsertViolation(callCtx, v)
	cancel()
	if err != nil {
		slog.Error("record risk violation failed",
			append(logger.LogWithTrace(ctx), "user_id", userID, "violation", vt, "error", err)...)
	}

	if e.metrics != nil {
		e.metrics.Violations.WithLabelValues(string(vt)).Inc()
	}
	slog.Warn("risk violation",
		append(logger.LogWithTrace(ctx), "user_id", userID, "violation", vt,
			"utilization", m.RiskUtilization.String(), "drawdown", m.DailyDrawdown.String(),
			"available_margin", m.AvailableMargin.String())...)

	e.pub.Publish(userID, model.Event{
		Type: model.EventRiskAlert,
		Payload: model.RiskAlertPayload{
			ViolationType: vt,
			Metrics:       m,
			Message:       vt.Message(),
		},
	})

	if e.alerts != nil {
		level := notification.AlertWarning
		if vt.AutoClose() {
			level = notification.AlertCritical
		}
		alert := notification.Alert{
			Level:     level,
			Title:     string(vt),
			Message:   vt.Message(),
			UserID:    userID,
			Violation: vt,
			Metrics:   &m,
			At:        v.CreatedAt,
		}
		if err := e.alerts.Send(ctx, alert); err != nil {
			slog.Warn("risk alert delivery failed", "user_id", userID, "error", err)
		}
	}
}

// autoClose liquidates every open position of the user. Positions already
// closing are skipped by the liquidator.
func (e *Enforcer) autoClose(ctx context.Context, userID string, vt model.ViolationType) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	positions, err := e.store.ListOpenPositions(callCtx, userID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("risk: open positions for %s: %w", userID, err)
	}

	var closing []string
	for _, pos := range positions {
		unlock := e.locks.Lock(pos.ID)
		updated, moved, err := e.liq.Liquidate(ctx, pos, string(vt))
		unlock()
		if err != nil {
			slog.Error("auto-close failed",
				append(logger.LogWithTrace(ctx), "user_id", userID, "position_id", pos.ID, "error", err)...)
			continue
		}
		if !moved {
			continue
		}
		closing = append(closing, pos.ID)
		e.pub.Publish(userID, model.Event{Type: model.EventPositionUpdate, Payload: updated})
		slog.Info("auto-closing position",
			append(logger.LogWithTrace(ctx), "user_id", userID, "position_id", pos.ID, "violation", vt)...)
	}

	if len(closing) > 0 {
		e.pub.Publish(userID, model.Event{
			Type: model.EventPositionsAutoClosed,
			Payload: model.AutoClosedPayload{
				Reason:        string(vt),
				Message:       "All positions have been marked for closure due to risk violation",
				PositionCount: len(closing),
				PositionIDs:   closing,
			},
		})
	}
	return closing, nil
}
