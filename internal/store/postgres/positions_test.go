package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-riskengine/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

var positionCols = []string{"id", "user_id", "symbol", "quantity", "avg_price", "current_price",
	"highest_price", "trailing_stop_loss", "unrealized_pnl", "status", "updated_at"}

func TestListOpenPositions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 2, 26, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM positions WHERE user_id = .+ AND quantity > 0 AND status = `).
		WithArgs("u1", "open").
		WillReturnRows(sqlmock.NewRows(positionCols).
			AddRow("pos_1", "u1", "SBIN-EQ", 40, "1000", "1100", "1100", "1094.5", "4000", "open", now))

	positions, err := s.ListOpenPositions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Quantity != 40 || p.Status != model.PositionOpen || !p.TrailingStopLoss.Equal(decimal.RequireFromString("1094.5")) {
		t.Errorf("position = %+v", p)
	}
	if !p.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %v", p.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListMonitoredPositions_ScanError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM positions WHERE quantity > 0`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pos_1"))

	if _, err := s.ListMonitoredPositions(context.Background()); err == nil {
		t.Error("expected scan error, got nil")
	}
}

func TestExposureSummary(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`SELECT COUNT.+FROM positions.+FROM trades WHERE user_id = \$1 AND side = 'BUY' AND status = 'pending'`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"n", "exposure", "pnl", "n", "exposure"}).
			AddRow(2, "88000", "-150.25", 1, "10000"))

	sum, err := s.ExposureSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.PositionsCount != 2 || !sum.Exposure.Equal(decimal.NewFromInt(88000)) ||
		!sum.UnrealizedPnL.Equal(decimal.RequireFromString("-150.25")) {
		t.Errorf("summary = %+v", sum)
	}
	if sum.PendingEntries != 1 || !sum.PendingExposure.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("pending = %d/%s", sum.PendingEntries, sum.PendingExposure)
	}
	exposure, count := sum.Committed()
	if count != 3 || !exposure.Equal(decimal.NewFromInt(98000)) {
		t.Errorf("committed = %s/%d, want 98000/3", exposure, count)
	}
}

func TestGetPosition(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 2, 26, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM positions WHERE id = \$1`).WithArgs("pos_1").
		WillReturnRows(sqlmock.NewRows(positionCols).
			AddRow("pos_1", "u1", "SBIN-EQ", 0, "1000", "1010", "1010", "1005", "0", "closed", now))
	mock.ExpectQuery(`FROM positions WHERE id = \$1`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(positionCols))

	p, err := s.GetPosition(context.Background(), "pos_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Quantity != 0 || p.Status != model.PositionClosed || p.Monitored() {
		t.Errorf("position = %+v", p)
	}
	if _, err := s.GetPosition(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHoldsSymbol(t *testing.T) {
	tests := []struct {
		name string
		held bool
	}{
		{name: "open or resting", held: true},
		{name: "free", held: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectQuery(`SELECT EXISTS .+FROM positions.+ OR EXISTS .+FROM trades`).
				WithArgs("u1", "SBIN-EQ").
				WillReturnRows(sqlmock.NewRows([]string{"held"}).AddRow(tt.held))

			held, err := s.HoldsSymbol(context.Background(), "u1", "SBIN-EQ")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if held != tt.held {
				t.Errorf("held = %v, want %v", held, tt.held)
			}
		})
	}
}

func TestTransitionPosition(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "moved", affected: 1, want: true},
		{name: "already moved", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectExec(`UPDATE positions SET status`).
				WithArgs("pos_1", "open", "closing").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := s.TransitionPosition(context.Background(), "pos_1", model.PositionOpen, model.PositionClosing)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("changed = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestClosePosition(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 2, 26, 11, 5, 0, 0, time.UTC)
	mock.ExpectExec(`SET quantity = 0`).
		WithArgs("pos_1", "closed", "1090", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.ClosePosition(context.Background(), "pos_1", decimal.NewFromInt(1090), at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdatePositionPricing_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`UPDATE positions SET current_price .+ WHERE id = \$1 AND quantity > 0`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdatePositionPricing(context.Background(), model.PositionUpdate{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertPosition(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO positions`).
		WithArgs("pos_1", "u1", "SBIN-EQ", int64(40), "1000", "1000", "1000", "995", "0", "open", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertPosition(context.Background(), model.Position{
		ID: "pos_1", UserID: "u1", Symbol: "SBIN-EQ", Quantity: 40,
		AvgPrice: decimal.NewFromInt(1000), CurrentPrice: decimal.NewFromInt(1000), HighestPrice: decimal.NewFromInt(1000),
		TrailingStopLoss: decimal.NewFromInt(995), UnrealizedPnL: decimal.Zero, Status: model.PositionOpen,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
