// Package execution places orders through the user's broker: entries from
// approved trading signals and market exits for liquidated positions. Paper
// accounts and the SQLite order journal live here too.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"trading-riskengine/internal/ids"
	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/markethours"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"
)

var (
	// ErrRiskRejected is returned when the user's risk limits refuse the entry.
	ErrRiskRejected = errors.New("rejected by risk limits")
	// ErrSignalNotExecutable is returned for signals already executed or rejected.
	ErrSignalNotExecutable = errors.New("signal is not executable")
	// ErrMarketClosed is returned outside the trading session.
	ErrMarketClosed = errors.New("market is closed")
)

// ExecutorStore is the state signal execution reads and writes.
type ExecutorStore interface {
	GetSignal(ctx context.Context, userID, signalID string) (model.TradingSignal, error)
	UpdateSignalStatus(ctx context.Context, signalID string, status model.SignalStatus, reason string) error
	ExposureSummary(ctx context.Context, userID string) (model.ExposureSummary, error)
	HoldsSymbol(ctx context.Context, userID, symbol string) (bool, error)
	ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error)
	InsertTrade(ctx context.Context, t model.Trade) error
	ConfirmEntry(ctx context.Context, tradeID string, p model.Position) (bool, error)
}

// ReasonSymbolHeld rejects a second entry in a symbol the user already
// holds or has an unfilled entry order in.
const ReasonSymbolHeld = "Position already open in symbol"

// userKey serializes entries and entry confirmation per user.
func userKey(userID string) string { return "user:" + userID }

// Result is the outcome of executing one signal.
type Result struct {
	Signal   model.TradingSignal `json:"signal"`
	Decision risk.Decision       `json:"decision"`
	Order    model.OrderResponse `json:"order"`
	TradeID  string              `json:"tradeId,omitempty"`
	Position *model.Position     `json:"position,omitempty"`
}

// Executor turns trading signals into broker orders.
type Executor struct {
	store      ExecutorStore
	cache      *risk.Cache
	resolver   model.BrokerResolver
	liquidator *Liquidator
	journal    OrderRecorder
	pub        model.Publisher
	locks      *keylock.Map
	metrics    *metrics.Metrics
	timeout    time.Duration

	// MarketHoursOnly refuses execution outside the session.
	MarketHoursOnly bool

	now func() time.Time
}

// NewExecutor wires an executor. journal, pub and m may be nil.
func NewExecutor(store ExecutorStore, cache *risk.Cache, resolver model.BrokerResolver, liq *Liquidator,
	journal OrderRecorder, pub model.Publisher, locks *keylock.Map, m *metrics.Metrics, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Executor{
		store:      store,
		cache:      cache,
		resolver:   resolver,
		liquidator: liq,
		journal:    journal,
		pub:        pub,
		locks:      locks,
		metrics:    m,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Execute places the order for a user's signal. BUY signals open a long
// position sized by the user's risk limits; SELL signals exit the user's
// open position in the symbol.
func (e *Executor) Execute(ctx context.Context, userID, signalID string) (Result, error) {
	res, err := e.execute(ctx, userID, signalID)
	if e.metrics != nil {
		switch {
		case err == nil:
			e.metrics.SignalsExecuted.WithLabelValues("executed").Inc()
		case errors.Is(err, ErrRiskRejected):
			e.metrics.SignalsExecuted.WithLabelValues("rejected").Inc()
		default:
			e.metrics.SignalsExecuted.WithLabelValues("error").Inc()
		}
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, userID, signalID string) (Result, error) {
	if e.MarketHoursOnly && !markethours.IsMarketOpen(e.now()) {
		return Result{}, ErrMarketClosed
	}

	unlock := e.locks.Lock("signal:" + signalID)
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	sig, err := e.store.GetSignal(callCtx, userID, signalID)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", signalID, err)
	}
	res := Result{Signal: sig}
	if sig.Status != model.SignalGenerated && sig.Status != model.SignalApproved {
		return res, fmt.Errorf("execute %s: status %s: %w", signalID, sig.Status, ErrSignalNotExecutable)
	}

	calc, ok := e.cache.Get(userID)
	if !ok {
		return res, fmt.Errorf("execute %s: %w", signalID, risk.ErrProfileNotFound)
	}

	if sig.Action == model.SideSell {
		return e.exit(ctx, res)
	}

	unlockUser := e.locks.Lock(userKey(userID))
	defer unlockUser()
	return e.enter(ctx, res, calc)
}

func (e *Executor) enter(ctx context.Context, res Result, calc *risk.Calculator) (Result, error) {
	sig := res.Signal

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	held, err := e.store.HoldsSymbol(callCtx, sig.UserID, sig.Symbol)
	cancel()
	if err != nil {
		return res, fmt.Errorf("execute %s: holdings: %w", sig.ID, err)
	}
	if held {
		res.Decision = risk.Decision{Reason: ReasonSymbolHeld}
		e.setStatus(ctx, sig.ID, model.SignalRejected, ReasonSymbolHeld)
		res.Signal.Status = model.SignalRejected
		return res, fmt.Errorf("execute %s: %s %s: %w", sig.ID, ReasonSymbolHeld, sig.Symbol, ErrRiskRejected)
	}

	callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	sum, err := e.store.ExposureSummary(callCtx, sig.UserID)
	cancel()
	if err != nil {
		return res, fmt.Errorf("execute %s: exposure: %w", sig.ID, err)
	}

	exposure, count := sum.Committed()
	res.Decision = calc.CanOpenPosition(sig.Price, exposure, count)
	if !res.Decision.Allowed {
		e.setStatus(ctx, sig.ID, model.SignalRejected, res.Decision.Reason)
		res.Signal.Status = model.SignalRejected
		return res, fmt.Errorf("execute %s: %s: %w", sig.ID, res.Decision.Reason, ErrRiskRejected)
	}

	qty := sig.Quantity
	if qty <= 0 || qty > res.Decision.SuggestedSize {
		qty = res.Decision.SuggestedSize
	}
	stop, target := sig.StopLoss, sig.Target
	if !stop.IsPositive() {
		stop = calc.InitialStopLoss(sig.Price)
	}
	if !target.IsPositive() {
		target = calc.TargetPrice(sig.Price, stop, risk.DefaultRiskReward)
	}

	broker, err := e.resolver.ForUser(ctx, sig.UserID)
	if err != nil {
		return res, fmt.Errorf("execute %s: broker: %w", sig.ID, err)
	}
	req := model.OrderRequest{
		ClientOrderID: sig.ID,
		Symbol:        sig.Symbol,
		Quantity:      qty,
		Price:         sig.Price,
		OrderType:     model.OrderLimit,
		Side:          model.SideBuy,
		ProductType:   model.ProductIntraday,
		Validity:      model.ValidityDay,
		StopLoss:      &stop,
		Target:        &target,
	}

	callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	resp, err := broker.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		return res, fmt.Errorf("execute %s: place order: %w", sig.ID, err)
	}
	res.Order = resp
	e.journalOrder(ctx, sig, req, resp)

	if resp.Status.Failed() {
		e.setStatus(ctx, sig.ID, model.SignalRejected, resp.Message)
		res.Signal.Status = model.SignalRejected
		return res, fmt.Errorf("execute %s: broker %s: %s", sig.ID, resp.Status, resp.Message)
	}

	now := e.now()
	trade := model.Trade{
		ID:            ids.New("trd_"),
		UserID:        sig.UserID,
		StrategyID:    sig.StrategyID,
		SignalID:      sig.ID,
		Symbol:        sig.Symbol,
		Side:          model.SideBuy,
		Quantity:      qty,
		EntryPrice:    sig.Price,
		StopLoss:      stop,
		TargetPrice:   target,
		Status:        model.TradePending,
		BrokerOrderID: resp.OrderID,
		CreatedAt:     now,
	}

	callCtx, cancel = context.WithTimeout(ctx, e.timeout)
	err = e.store.InsertTrade(callCtx, trade)
	cancel()
	if err != nil {
		return res, fmt.Errorf("execute %s: record trade: %w", sig.ID, err)
	}
	if resp.Status.Filled() {
		pos, err := ConfirmFill(ctx, e.store, trade, resp.FillPrice, now, e.timeout)
		if err != nil {
			// The entry confirmer retries from the pending trade.
			log.Printf("[executor] open position for %s failed: %v", sig.ID, err)
		} else if pos != nil {
			res.Position = pos
			if e.pub != nil {
				e.pub.Publish(sig.UserID, model.Event{Type: model.EventPositionUpdate, Payload: *pos})
			}
		}
	}
	res.TradeID = trade.ID

	e.setStatus(ctx, sig.ID, model.SignalExecuted, "")
	res.Signal.Status = model.SignalExecuted
	log.Printf("[executor] signal executed: %s %s %s qty=%d price=%s order=%s status=%s",
		sig.ID, sig.Action, sig.Symbol, qty, sig.Price, resp.OrderID, resp.Status)
	return res, nil
}

// exit sells the user's open position in the signal's symbol.
func (e *Executor) exit(ctx context.Context, res Result) (Result, error) {
	sig := res.Signal

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	open, err := e.store.ListOpenPositions(callCtx, sig.UserID)
	cancel()
	if err != nil {
		return res, fmt.Errorf("execute %s: open positions: %w", sig.ID, err)
	}

	var target *model.Position
	for i := range open {
		if open[i].Symbol == sig.Symbol {
			target = &open[i]
			break
		}
	}
	if target == nil {
		reason := "No open position to sell"
		e.setStatus(ctx, sig.ID, model.SignalRejected, reason)
		res.Signal.Status = model.SignalRejected
		return res, fmt.Errorf("execute %s: %s: %w", sig.ID, reason, ErrRiskRejected)
	}

	unlock := e.locks.Lock(target.ID)
	updated, moved, err := e.liquidator.Liquidate(ctx, *target, "SIGNAL_EXIT")
	unlock()
	if err != nil {
		return res, fmt.Errorf("execute %s: %w", sig.ID, err)
	}
	if !moved {
		return res, fmt.Errorf("execute %s: position %s already closing: %w", sig.ID, target.ID, ErrSignalNotExecutable)
	}
	res.Position = &updated
	if e.pub != nil {
		e.pub.Publish(sig.UserID, model.Event{Type: model.EventPositionUpdate, Payload: updated})
	}

	e.setStatus(ctx, sig.ID, model.SignalExecuted, "")
	res.Signal.Status = model.SignalExecuted
	log.Printf("[executor] exit signal executed: %s %s position=%s", sig.ID, sig.Symbol, target.ID)
	return res, nil
}

func (e *Executor) setStatus(ctx context.Context, signalID string, status model.SignalStatus, reason string) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.UpdateSignalStatus(callCtx, signalID, status, reason); err != nil {
		log.Printf("[executor] update signal %s to %s failed: %v", signalID, status, err)
	}
}

func (e *Executor) journalOrder(ctx context.Context, sig model.TradingSignal, req model.OrderRequest, resp model.OrderResponse) {
	if e.journal == nil {
		return
	}
	rec := OrderRecord{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: resp.OrderID,
		UserID:        sig.UserID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		Price:         req.Price.String(),
		Status:        resp.Status,
		Reason:        "SIGNAL " + sig.ID,
		PlacedAt:      e.now(),
	}
	if err := e.journal.RecordOrder(ctx, rec); err != nil {
		log.Printf("[executor] journal order %s failed: %v", rec.ClientOrderID, err)
	}
}
