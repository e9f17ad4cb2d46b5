package postgres

import (
	"context"
	"fmt"
	"time"

	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

const positionColumns = `id, user_id, symbol, quantity, avg_price, current_price, highest_price,
		trailing_stop_loss, unrealized_pnl, status, updated_at`

func scanPosition(row interface{ Scan(...any) error }) (model.Position, error) {
	var p model.Position
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Symbol,
		&p.Quantity,
		&p.AvgPrice,
		&p.CurrentPrice,
		&p.HighestPrice,
		&p.TrailingStopLoss,
		&p.UnrealizedPnL,
		&p.Status,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return out, nil
}

func (s *Store) ListMonitoredPositions(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE quantity > 0
		ORDER BY id`)
}

func (s *Store) ListOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND quantity > 0 AND status = $2
		ORDER BY id`, userID, model.PositionOpen)
}

func (s *Store) GetPosition(ctx context.Context, id string) (model.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return model.Position{}, notFound(err, "position", id)
	}
	return p, nil
}

// pendingEntry matches entry trades whose order has not filled.
const pendingEntry = `side = 'BUY' AND status = 'pending' AND position_id = ''`

func (s *Store) ExposureSummary(ctx context.Context, userID string) (model.ExposureSummary, error) {
	query := `
		SELECT p.n, p.exposure, p.pnl, t.n, t.exposure
		FROM (
			SELECT COUNT(*) AS n, COALESCE(SUM(quantity * current_price), 0) AS exposure, COALESCE(SUM(unrealized_pnl), 0) AS pnl
			FROM positions
			WHERE user_id = $1 AND quantity > 0
		) p, (
			SELECT COUNT(*) AS n, COALESCE(SUM(quantity * entry_price), 0) AS exposure
			FROM trades
			WHERE user_id = $1 AND ` + pendingEntry + `
		) t`

	var sum model.ExposureSummary
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&sum.PositionsCount,
		&sum.Exposure,
		&sum.UnrealizedPnL,
		&sum.PendingEntries,
		&sum.PendingExposure,
	)
	if err != nil {
		return model.ExposureSummary{}, fmt.Errorf("postgres: exposure %s: %w", userID, err)
	}
	return sum, nil
}

func (s *Store) HoldsSymbol(ctx context.Context, userID, symbol string) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM positions WHERE user_id = $1 AND symbol = $2 AND quantity > 0)
			OR EXISTS (SELECT 1 FROM trades WHERE user_id = $1 AND symbol = $2 AND ` + pendingEntry + `)`

	var held bool
	if err := s.db.QueryRowContext(ctx, query, userID, symbol).Scan(&held); err != nil {
		return false, fmt.Errorf("postgres: holds %s %s: %w", userID, symbol, err)
	}
	return held, nil
}

func (s *Store) UpdatePositionPricing(ctx context.Context, u model.PositionUpdate) error {
	query := `
		UPDATE positions
		SET current_price = $2, highest_price = $3, trailing_stop_loss = $4, unrealized_pnl = $5, updated_at = $6
		WHERE id = $1 AND quantity > 0`

	res, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.CurrentPrice,
		u.HighestPrice,
		u.TrailingStopLoss,
		u.UnrealizedPnL,
		u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update pricing %s: %w", u.ID, err)
	}
	return exactlyOne(res, "position", u.ID)
}

func (s *Store) TransitionPosition(ctx context.Context, id string, from, to model.PositionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return false, fmt.Errorf("postgres: transition %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: transition %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) ClosePosition(ctx context.Context, id string, exitPrice decimal.Decimal, at time.Time) error {
	query := `
		UPDATE positions
		SET quantity = 0, status = $2, current_price = $3, unrealized_pnl = 0, updated_at = $4
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id, model.PositionClosed, exitPrice, at)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	return exactlyOne(res, "position", id)
}

func (s *Store) InsertPosition(ctx context.Context, p model.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
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
		return fmt.Errorf("postgres: insert position %s: %w", p.ID, err)
	}
	return nil
}
