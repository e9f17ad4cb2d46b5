package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-riskengine/internal/model"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ── strategies ──

func (s *Store) ListLiveStrategies(ctx context.Context) ([]model.Strategy, error) {
	query := `
		SELECT id, user_id, name, kind, status, symbols, params
		FROM strategies
		WHERE status = $1
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, model.StrategyLive)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		var (
			st     model.Strategy
			params []byte
		)
		if err := rows.Scan(&st.ID, &st.UserID, &st.Name, &st.Kind, &st.Status, pq.Array(&st.Symbols), &params); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &st.Params); err != nil {
				return nil, fmt.Errorf("postgres: strategy %s params: %w", st.ID, err)
			}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	return out, nil
}

// ── signals ──

func (s *Store) InsertSignal(ctx context.Context, sig model.TradingSignal) error {
	query := `
		INSERT INTO trading_signals (id, strategy_id, user_id, symbol, action, quantity, price, stop_loss, target, confidence, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		sig.ID,
		sig.StrategyID,
		sig.UserID,
		sig.Symbol,
		sig.Action,
		sig.Quantity,
		sig.Price,
		sig.StopLoss,
		sig.Target,
		sig.Confidence,
		sig.Status,
		sig.Reason,
		sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", sig.ID, err)
	}
	return nil
}

func (s *Store) GetSignal(ctx context.Context, userID, signalID string) (model.TradingSignal, error) {
	query := `
		SELECT id, strategy_id, user_id, symbol, action, quantity, price, stop_loss, target, confidence, status, reason, created_at
		FROM trading_signals
		WHERE id = $1 AND user_id = $2`

	var sig model.TradingSignal
	err := s.db.QueryRowContext(ctx, query, signalID, userID).Scan(
		&sig.ID,
		&sig.StrategyID,
		&sig.UserID,
		&sig.Symbol,
		&sig.Action,
		&sig.Quantity,
		&sig.Price,
		&sig.StopLoss,
		&sig.Target,
		&sig.Confidence,
		&sig.Status,
		&sig.Reason,
		&sig.CreatedAt,
	)
	if err != nil {
		return model.TradingSignal{}, notFound(err, "signal", signalID)
	}
	return sig, nil
}

func (s *Store) UpdateSignalStatus(ctx context.Context, signalID string, status model.SignalStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trading_signals SET status = $2, reason = $3 WHERE id = $1`,
		signalID, status, reason)
	if err != nil {
		return fmt.Errorf("postgres: update signal %s: %w", signalID, err)
	}
	return exactlyOne(res, "signal", signalID)
}

// ── trades ──

// InsertTrade records a trade. A completed trade also bumps the owner's
// daily counters in the same statement.
func (s *Store) InsertTrade(ctx context.Context, t model.Trade) error {
	query := `
		WITH t AS (
			INSERT INTO trades (id, user_id, strategy_id, signal_id, position_id, symbol, side, quantity,
				entry_price, exit_price, stop_loss, target_price, pnl, status, broker_order_id, created_at, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING user_id, pnl, status
		)
		UPDATE users u
		SET daily_pnl = u.daily_pnl + t.pnl, daily_trades = u.daily_trades + 1
		FROM t
		WHERE u.id = t.user_id AND t.status = 'completed'`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		t.StrategyID,
		t.SignalID,
		t.PositionID,
		t.Symbol,
		t.Side,
		t.Quantity,
		t.EntryPrice,
		t.ExitPrice,
		t.StopLoss,
		t.TargetPrice,
		t.PnL,
		t.Status,
		t.BrokerOrderID,
		t.CreatedAt,
		nullTime(t.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) RealizedPnLSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE user_id = $1 AND status = $2 AND executed_at >= $3`

	var total decimal.Decimal
	if err := s.db.QueryRowContext(ctx, query, userID, model.TradeCompleted, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: realized pnl %s: %w", userID, err)
	}
	return total, nil
}

const tradeColumns = `id, user_id, strategy_id, signal_id, position_id, symbol, side, quantity,
		entry_price, exit_price, stop_loss, target_price, pnl, status, broker_order_id, created_at`

func (s *Store) ListPendingEntries(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE `+pendingEntry+`
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending entries: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		err := rows.Scan(
			&t.ID,
			&t.UserID,
			&t.StrategyID,
			&t.SignalID,
			&t.PositionID,
			&t.Symbol,
			&t.Side,
			&t.Quantity,
			&t.EntryPrice,
			&t.ExitPrice,
			&t.StopLoss,
			&t.TargetPrice,
			&t.PnL,
			&t.Status,
			&t.BrokerOrderID,
			&t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pending entries: %w", err)
	}
	return out, nil
}

// ConfirmEntry claims the pending trade and inserts its position in one
// statement; the insert only happens when the claim matched a row.
func (s *Store) ConfirmEntry(ctx context.Context, tradeID string, p model.Position) (bool, error) {
	query := `
		WITH t AS (
			UPDATE trades
			SET position_id = $2, entry_price = $6::numeric, executed_at = $12::timestamptz
			WHERE id = $1 AND ` + pendingEntry + `
			RETURNING id
		)
		INSERT INTO positions (` + positionColumns + `)
		SELECT $2, $3::text, $4::text, $5::bigint, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11::text, $12::timestamptz
		FROM t`

	res, err := s.db.ExecContext(ctx, query,
		tradeID,
		p.ID,
		p.UserID,
		p.Symbol,
		p.Quantity,
		p.AvgPrice,
		p.CurrentPrice,
		p.HighestPrice,
		p.TrailingStopLoss,
		p.UnrealizedPnL,
		p.Status,
		p.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: confirm entry %s: %w", tradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: confirm entry %s: %w", tradeID, err)
	}
	return n == 1, nil
}

func (s *Store) CancelEntry(ctx context.Context, tradeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = $2 WHERE id = $1 AND `+pendingEntry,
		tradeID, model.TradeCancelled)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel entry %s: %w", tradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: cancel entry %s: %w", tradeID, err)
	}
	return n == 1, nil
}

// ── violations ──

func (s *Store) InsertViolation(ctx context.Context, v model.RiskViolation) error {
	snapshot, err := json.Marshal(v.Metrics)
	if err != nil {
		return fmt.Errorf("postgres: encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_violations (id, user_id, violation_type, metrics_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.UserID, v.Type, snapshot, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert violation %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_violations WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge violations: %w", err)
	}
	return res.RowsAffected()
}

// RecentViolations returns a user's latest violations, newest first.
func (s *Store) RecentViolations(ctx context.Context, userID string, limit int) ([]model.RiskViolation, error) {
	query := `
		SELECT id, user_id, violation_type, metrics_snapshot, created_at
		FROM risk_violations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent violations: %w", err)
	}
	defer rows.Close()

	var out []model.RiskViolation
	for rows.Next() {
		var (
			v        model.RiskViolation
			snapshot []byte
		)
		if err := rows.Scan(&v.ID, &v.UserID, &v.Type, &snapshot, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan violation: %w", err)
		}
		if err := json.Unmarshal(snapshot, &v.Metrics); err != nil {
			return nil, fmt.Errorf("postgres: violation %s snapshot: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
