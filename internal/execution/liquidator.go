package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trading-riskengine/internal/ids"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

// LiquidatorStore is the position and trade state a liquidation touches.
type LiquidatorStore interface {
	TransitionPosition(ctx context.Context, id string, from, to model.PositionStatus) (bool, error)
	ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, at time.Time) error
	InsertTrade(ctx context.Context, t model.Trade) error
}

// Liquidator closes positions with market sell orders. It does not lock;
// callers hold the position's key lock.
type Liquidator struct {
	store    LiquidatorStore
	resolver model.BrokerResolver
	journal  OrderRecorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// NewLiquidator wires a liquidator. journal and m may be nil.
func NewLiquidator(store LiquidatorStore, resolver model.BrokerResolver, journal OrderRecorder,
	m *metrics.Metrics, timeout time.Duration) *Liquidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Liquidator{
		store:    store,
		resolver: resolver,
		journal:  journal,
		metrics:  m,
		timeout:  timeout,
		now:      time.Now,
	}
}

// ClientOrderID is the idempotency key of a position's closing order.
func ClientOrderID(positionID string) string {
	return "liq-" + positionID
}

// Liquidate moves pos from open to closing and places its closing order.
// It returns false, with no order placed, when the position was not open.
// A failed placement puts the position back to open so a later pass retries.
// An immediate fill closes the position before returning.
func (l *Liquidator) Liquidate(ctx context.Context, pos model.Position, reason string) (model.Position, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	moved, err := l.store.TransitionPosition(callCtx, pos.ID, model.PositionOpen, model.PositionClosing)
	cancel()
	if err != nil {
		l.count("error")
		return pos, false, fmt.Errorf("liquidate %s: mark closing: %w", pos.ID, err)
	}
	if !moved {
		l.count("skipped")
		return pos, false, nil
	}
	pos.Status = model.PositionClosing

	resp, err := l.place(ctx, pos, reason)
	if err != nil {
		l.count("error")
		l.revert(ctx, pos)
		return pos, false, err
	}

	if resp.Status.Filled() {
		fill := resp.FillPrice
		if !fill.IsPositive() {
			fill = pos.CurrentPrice
		}
		if err := l.Settle(ctx, pos, fill, resp.OrderID); err != nil {
			// The order is out; reconciliation retries the bookkeeping.
			slog.Error("settle liquidation failed",
				append(logger.LogWithTrace(ctx), "position_id", pos.ID, "error", err)...)
			l.count("pending")
			return pos, true, nil
		}
		l.count("filled")
		pos.Quantity = 0
		pos.Status = model.PositionClosed
		pos.CurrentPrice = fill
		pos.UnrealizedPnL = decimal.Zero
		return pos, true, nil
	}

	l.count("pending")
	return pos, true, nil
}

func (l *Liquidator) place(ctx context.Context, pos model.Position, reason string) (model.OrderResponse, error) {
	broker, err := l.resolver.ForUser(ctx, pos.UserID)
	if err != nil {
		return model.OrderResponse{}, fmt.Errorf("liquidate %s: broker: %w", pos.ID, err)
	}

	req := model.OrderRequest{
		ClientOrderID: ClientOrderID(pos.ID),
		Symbol:        pos.Symbol,
		Quantity:      pos.Quantity,
		OrderType:     model.OrderMarket,
		Side:          model.SideSell,
		ProductType:   model.ProductIntraday,
		Validity:      model.ValidityDay,
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	resp, err := broker.PlaceOrder(callCtx, req)
	cancel()
	if err == nil && resp.Status.Failed() {
		err = fmt.Errorf("order %s: %s", resp.Status, resp.Message)
	}
	l.record(ctx, pos, req, resp, reason, err)
	if err != nil {
		return resp, fmt.Errorf("liquidate %s: place order: %w", pos.ID, err)
	}

	slog.Info("liquidation order placed",
		append(logger.LogWithTrace(ctx), "user_id", pos.UserID, "position_id", pos.ID,
			"symbol", pos.Symbol, "qty", pos.Quantity, "order_id", resp.OrderID,
			"status", resp.Status, "reason", reason)...)
	return resp, nil
}

func (l *Liquidator) record(ctx context.Context, pos model.Position, req model.OrderRequest,
	resp model.OrderResponse, reason string, placeErr error) {
	if l.journal == nil {
		return
	}
	rec := OrderRecord{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: resp.OrderID,
		UserID:        pos.UserID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		Price:         resp.FillPrice.String(),
		Status:        resp.Status,
		Reason:        reason,
		PlacedAt:      l.now(),
	}
	if placeErr != nil {
		rec.Status = model.OrderRejected
		rec.Reason = reason + ": " + placeErr.Error()
	}
	if err := l.journal.RecordOrder(ctx, rec); err != nil {
		slog.Warn("journal order failed", "client_order_id", rec.ClientOrderID, "error", err)
	}
}

func (l *Liquidator) revert(ctx context.Context, pos model.Position) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if _, err := l.store.TransitionPosition(callCtx, pos.ID, model.PositionClosing, model.PositionOpen); err != nil {
		slog.Error("revert closing position failed",
			append(logger.LogWithTrace(ctx), "position_id", pos.ID, "error", err)...)
	}
}

// Settle records a confirmed exit: the position is closed and a completed
// trade carries the realized P&L.
func (l *Liquidator) Settle(ctx context.Context, pos model.Position, exitPrice decimal.Decimal, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	at := l.now()
	pnl := exitPrice.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity))
	trade := model.Trade{
		ID:            ids.New("trd_"),
		UserID:        pos.UserID,
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          model.SideSell,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.AvgPrice,
		ExitPrice:     exitPrice,
		PnL:           pnl,
		Status:        model.TradeCompleted,
		BrokerOrderID: orderID,
		CreatedAt:     at,
		ExecutedAt:    at,
	}
	if err := l.store.ClosePosition(callCtx, pos.ID, exitPrice, at); err != nil {
		return fmt.Errorf("close position %s: %w", pos.ID, err)
	}
	if err := l.store.InsertTrade(callCtx, trade); err != nil {
		return fmt.Errorf("record exit trade for %s: %w", pos.ID, err)
	}
	slog.Info("position closed",
		append(logger.LogWithTrace(ctx), "user_id", pos.UserID, "position_id", pos.ID,
			"exit_price", exitPrice.String(), "pnl", pnl.String())...)
	return nil
}

// Reconcile checks a closing position against the broker's book. When the
// broker no longer holds the symbol, the exit is settled at the broker's
// last price and true is returned. The broker book is keyed by symbol; the
// executor allows one live entry per symbol per user, so a symbol maps to
// a single position.
func (l *Liquidator) Reconcile(ctx context.Context, pos model.Position) (bool, error) {
	if pos.Status != model.PositionClosing {
		return false, nil
	}
	broker, err := l.resolver.ForUser(ctx, pos.UserID)
	if err != nil {
		return false, fmt.Errorf("reconcile %s: broker: %w", pos.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	held, err := broker.GetPositions(callCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("reconcile %s: positions: %w", pos.ID, err)
	}

	exit := pos.CurrentPrice
	for _, bp := range held {
		if bp.Symbol != pos.Symbol {
			continue
		}
		if bp.Quantity > 0 {
			return false, nil
		}
		if bp.LastPrice.IsPositive() {
			exit = bp.LastPrice
		}
	}
	if err := l.Settle(ctx, pos, exit, ""); err != nil {
		return false, err
	}
	l.count("filled")
	return true, nil
}

func (l *Liquidator) count(result string) {
	if l.metrics != nil {
		l.metrics.Liquidations.WithLabelValues(result).Inc()
	}
}
