// Package monitor re-prices every live position once per tick, ratchets its
// trailing stop and starts liquidation when the price falls to the stop.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ReasonTrailingStop labels liquidations started by a stop breach.
const ReasonTrailingStop = "TRAILING_STOP_HIT"

// Store is the position state the monitor reads and rewrites.
type Store interface {
	ListMonitoredPositions(ctx context.Context) ([]model.Position, error)
	GetPosition(ctx context.Context, id string) (model.Position, error)
	UpdatePositionPricing(ctx context.Context, u model.PositionUpdate) error
}

// Closer liquidates positions and confirms pending exits.
type Closer interface {
	risk.Liquidator
	Reconcile(ctx context.Context, pos model.Position) (bool, error)
}

// Config bounds the monitor's fan-out and I/O.
type Config struct {
	CallTimeout time.Duration
	Workers     int // users priced in parallel
}

// Monitor is the position monitoring job.
type Monitor struct {
	store    Store
	cache    *risk.Cache
	resolver model.BrokerResolver
	closer   Closer
	pub      model.Publisher
	locks    *keylock.Map
	metrics  *metrics.Metrics
	cfg      Config

	now func() time.Time
}

// New wires a monitor. locks must be shared with the risk enforcer. m may
// be nil.
func New(store Store, cache *risk.Cache, resolver model.BrokerResolver, closer Closer,
	pub model.Publisher, locks *keylock.Map, m *metrics.Metrics, cfg Config) *Monitor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Monitor{
		store:    store,
		cache:    cache,
		resolver: resolver,
		closer:   closer,
		pub:      pub,
		locks:    locks,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Tick re-prices all positions with quantity > 0. Positions are grouped by
// owner so each user costs one market-data call. A failure skips only the
// affected user or position; the returned error summarizes failures.
func (m *Monitor) Tick(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	positions, err := m.store.ListMonitoredPositions(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("monitor: list positions: %w", err)
	}

	byUser := make(map[string][]model.Position)
	for _, p := range positions {
		if p.Monitored() {
			byUser[p.UserID] = append(byUser[p.UserID], p)
		}
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(m.cfg.Workers)
	for userID, list := range byUser {
		userID, list := userID, list
		g.Go(func() error {
			if n := m.monitorUser(ctx, userID, list); n > 0 {
				failed.Add(int32(n))
			}
			return nil
		})
	}
	g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("monitor: %d of %d positions skipped", n, len(positions))
	}
	return nil
}

// monitorUser prices one user's positions and returns how many failed.
func (m *Monitor) monitorUser(ctx context.Context, userID string, positions []model.Position) int {
	calc, ok := m.cache.Get(userID)
	if !ok {
		slog.Warn("no risk profile, positions not monitored",
			append(logger.LogWithTrace(ctx), "user_id", userID, "positions", len(positions))...)
		return len(positions)
	}

	quotes, err := m.fetch(ctx, userID, positions)
	if err != nil {
		m.priceFailures(len(positions))
		slog.Warn("price fetch failed",
			append(logger.LogWithTrace(ctx), "user_id", userID, "error", err)...)
		return len(positions)
	}

	failed := 0
	for _, pos := range positions {
		q, ok := quotes[pos.Symbol]
		if !ok || !q.LastPrice.IsPositive() {
			m.priceFailures(1)
			slog.Warn("no price for position",
				append(logger.LogWithTrace(ctx), "position_id", pos.ID, "symbol", pos.Symbol)...)
			failed++
			continue
		}
		if err := m.Reprice(ctx, calc, pos, q.LastPrice); err != nil {
			slog.Warn("position update skipped",
				append(logger.LogWithTrace(ctx), "position_id", pos.ID, "error", err)...)
			failed++
		}
	}
	return failed
}

func (m *Monitor) fetch(ctx context.Context, userID string, positions []model.Position) (map[string]model.Quote, error) {
	seen := make(map[string]bool)
	var symbols []string
	for _, p := range positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	sort.Strings(symbols)

	broker, err := m.resolver.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	list, err := broker.GetMarketData(callCtx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Quote, len(list))
	for _, q := range list {
		out[q.Symbol] = q
	}
	return out, nil
}

// Reprice applies one price observation to a position as a single
// sequenced unit: compute, write, notify, then act on a stop breach. The
// row is re-read under the position lock, so listed may be stale; a
// position closed in the meantime is left alone.
func (m *Monitor) Reprice(ctx context.Context, calc *risk.Calculator, listed model.Position, price decimal.Decimal) error {
	unlock := m.locks.Lock(listed.ID)
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	pos, err := m.store.GetPosition(callCtx, listed.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}
	if !pos.Monitored() {
		return nil
	}

	highest := decimal.Max(pos.HighestPrice, price)
	stop := decimal.Max(calc.UpdateTrailingStopLoss(pos.AvgPrice, price, highest), pos.TrailingStopLoss)
	upd := model.PositionUpdate{
		ID:               pos.ID,
		CurrentPrice:     price,
		HighestPrice:     highest,
		TrailingStopLoss: stop,
		UnrealizedPnL:    price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity)),
		UpdatedAt:        m.now(),
	}

	callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
	err = m.store.UpdatePositionPricing(callCtx, upd)
	cancel()
	if err != nil {
		return fmt.Errorf("write pricing: %w", err)
	}
	if m.metrics != nil {
		m.metrics.PositionsMonitored.Inc()
	}

	cur := upd.Apply(pos)
	m.pub.Publish(cur.UserID, model.Event{Type: model.EventPositionUpdate, Payload: cur})

	switch cur.Status {
	case model.PositionOpen:
		if price.LessThanOrEqual(stop) {
			return m.stopOut(ctx, cur)
		}
	case model.PositionClosing:
		return m.confirm(ctx, cur)
	}
	return nil
}

func (m *Monitor) stopOut(ctx context.Context, pos model.Position) error {
	if m.metrics != nil {
		m.metrics.StopLossTriggers.Inc()
	}
	slog.Info("trailing stop hit",
		append(logger.LogWithTrace(ctx), "user_id", pos.UserID, "position_id", pos.ID,
			"price", pos.CurrentPrice.String(), "stop", pos.TrailingStopLoss.String())...)

	updated, moved, err := m.closer.Liquidate(ctx, pos, ReasonTrailingStop)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	m.pub.Publish(pos.UserID, model.Event{Type: model.EventPositionUpdate, Payload: updated})
	m.pub.Publish(pos.UserID, model.Event{
		Type: model.EventPositionsAutoClosed,
		Payload: model.AutoClosedPayload{
			Reason:        ReasonTrailingStop,
			Message:       "Trailing stop loss hit for " + pos.Symbol,
			PositionCount: 1,
			PositionIDs:   []string{pos.ID},
		},
	})
	return nil
}

// confirm settles a closing position once the broker reports it flat.
func (m *Monitor) confirm(ctx context.Context, pos model.Position) error {
	closed, err := m.closer.Reconcile(ctx, pos)
	if err != nil || !closed {
		return err
	}
	pos.Status = model.PositionClosed
	pos.Quantity = 0
	pos.UnrealizedPnL = decimal.Zero
	m.pub.Publish(pos.UserID, model.Event{Type: model.EventPositionUpdate, Payload: pos})
	return nil
}

func (m *Monitor) priceFailures(n int) {
	if m.metrics != nil {
		m.metrics.PriceFetchFailures.Add(float64(n))
	}
}
