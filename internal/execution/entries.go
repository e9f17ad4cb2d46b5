package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-riskengine/internal/ids"
	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

// EntryConfirmStore claims a pending entry trade for a new position.
type EntryConfirmStore interface {
	ConfirmEntry(ctx context.Context, tradeID string, p model.Position) (bool, error)
}

// EntryStore is the trade state the entry confirmer reads and resolves.
type EntryStore interface {
	EntryConfirmStore
	ListPendingEntries(ctx context.Context) ([]model.Trade, error)
	CancelEntry(ctx context.Context, tradeID string) (bool, error)
}

// ConfirmFill opens the position for a filled entry trade. A zero fill
// price falls back to the trade's limit price. It returns nil, with no
// error, when the trade was already confirmed or cancelled.
func ConfirmFill(ctx context.Context, store EntryConfirmStore, trade model.Trade, fill decimal.Decimal,
	at time.Time, timeout time.Duration) (*model.Position, error) {
	entry := fill
	if !entry.IsPositive() {
		entry = trade.EntryPrice
	}
	pos := model.Position{
		ID:               ids.New("pos_"),
		UserID:           trade.UserID,
		Symbol:           trade.Symbol,
		Quantity:         trade.Quantity,
		AvgPrice:         entry,
		CurrentPrice:     entry,
		HighestPrice:     entry,
		TrailingStopLoss: trade.StopLoss,
		UnrealizedPnL:    decimal.Zero,
		Status:           model.PositionOpen,
		UpdatedAt:        at,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := store.ConfirmEntry(callCtx, trade.ID, pos)
	if err != nil {
		return nil, fmt.Errorf("confirm entry %s: %w", trade.ID, err)
	}
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

// EntryConfirmer follows entry orders that were still resting when the
// signal executed. A fill opens the position; a rejected or cancelled
// order cancels the trade so its exposure is released.
type EntryConfirmer struct {
	store    EntryStore
	resolver model.BrokerResolver
	pub      model.Publisher
	locks    *keylock.Map
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// NewEntryConfirmer wires a confirmer. locks must be shared with the
// executor. pub and m may be nil.
func NewEntryConfirmer(store EntryStore, resolver model.BrokerResolver, pub model.Publisher,
	locks *keylock.Map, m *metrics.Metrics, timeout time.Duration) *EntryConfirmer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EntryConfirmer{
		store:    store,
		resolver: resolver,
		pub:      pub,
		locks:    locks,
		metrics:  m,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Tick checks every pending entry against its broker. Orders still
// resting are left for the next tick.
func (c *EntryConfirmer) Tick(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	pending, err := c.store.ListPendingEntries(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("entries: list pending: %w", err)
	}

	var order []string
	byUser := make(map[string][]model.Trade)
	for _, t := range pending {
		if _, seen := byUser[t.UserID]; !seen {
			order = append(order, t.UserID)
		}
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	var errs []error
	for _, userID := range order {
		if err := c.confirmUser(ctx, userID, byUser[userID]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *EntryConfirmer) confirmUser(ctx context.Context, userID string, trades []model.Trade) error {
	unlock := c.locks.Lock(userKey(userID))
	defer unlock()

	broker, err := c.resolver.ForUser(ctx, userID)
	if err != nil {
		c.count("error", len(trades))
		return fmt.Errorf("entries: broker for %s: %w", userID, err)
	}

	var errs []error
	for _, t := range trades {
		if err := c.resolve(ctx, broker, t); err != nil {
			c.count("error", 1)
			slog.Warn("entry confirmation failed",
				append(logger.LogWithTrace(ctx), "user_id", userID, "trade_id", t.ID, "error", err)...)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *EntryConfirmer) resolve(ctx context.Context, broker model.Broker, t model.Trade) error {
	if t.BrokerOrderID == "" {
		return fmt.Errorf("trade %s has no broker order id", t.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := broker.OrderStatus(callCtx, t.BrokerOrderID)
	cancel()
	if err != nil {
		return fmt.Errorf("order %s: %w", t.BrokerOrderID, err)
	}

	switch {
	case resp.Status.Filled():
		pos, err := ConfirmFill(ctx, c.store, t, resp.FillPrice, c.now(), c.timeout)
		if err != nil || pos == nil {
			return err
		}
		c.count("filled", 1)
		slog.Info("entry filled",
			append(logger.LogWithTrace(ctx), "user_id", t.UserID, "trade_id", t.ID, "position_id", pos.ID,
				"symbol", t.Symbol, "qty", t.Quantity, "price", pos.AvgPrice.String())...)
		if c.pub != nil {
			c.pub.Publish(t.UserID, model.Event{Type: model.EventPositionUpdate, Payload: *pos})
		}
	case resp.Status.Failed():
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		cancelled, err := c.store.CancelEntry(callCtx, t.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("cancel trade %s: %w", t.ID, err)
		}
		if cancelled {
			c.count("cancelled", 1)
			slog.Info("entry order dropped by broker",
				append(logger.LogWithTrace(ctx), "user_id", t.UserID, "trade_id", t.ID,
					"status", resp.Status, "message", resp.Message)...)
		}
	}
	return nil
}

func (c *EntryConfirmer) count(result string, n int) {
	if c.metrics != nil {
		c.metrics.EntryFills.WithLabelValues(result).Add(float64(n))
	}
}
