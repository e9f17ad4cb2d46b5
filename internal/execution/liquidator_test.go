package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-riskengine/internal/model"
	"trading-riskengine/internal/store/memory"
)

type liqFixture struct {
	store   *memory.Store
	book    *QuoteBook
	acct    *PaperBroker
	journal *recordingJournal
	liq     *Liquidator
}

func newLiqFixture(t *testing.T) *liqFixture {
	t.Helper()
	st := memory.New()
	st.AddUser("u1", nil)
	book := NewQuoteBook()
	book.Set("SBIN-EQ", d("1000"))
	accounts := NewPaperAccounts(book, 0)
	j := &recordingJournal{}
	return &liqFixture{
		store:   st,
		book:    book,
		acct:    accounts.Account("u1"),
		journal: j,
		liq:     NewLiquidator(st, accounts, j, nil, time.Second),
	}
}

func TestLiquidate_FilledClosesPosition(t *testing.T) {
	f := newLiqFixture(t)
	pos := openPosition(t, f.store, f.acct, "p1", "u1", "SBIN-EQ", 10, "1000")
	f.book.Set("SBIN-EQ", d("1090"))
	pos.CurrentPrice = d("1090")

	updated, moved, err := f.liq.Liquidate(context.Background(), pos, "TRAILING_STOP_HIT")
	if err != nil || !moved {
		t.Fatalf("Liquidate = %v, %v", moved, err)
	}
	if updated.Status != model.PositionClosed || updated.Quantity != 0 {
		t.Errorf("returned position = %+v", updated)
	}
	stored, _ := f.store.Position("p1")
	if stored.Status != model.PositionClosed || stored.Quantity != 0 {
		t.Errorf("stored position = %+v", stored)
	}

	trades := f.store.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].Status != model.TradeCompleted || !trades[0].PnL.Equal(d("900")) {
		t.Errorf("exit trade = %+v, want completed with pnl 900", trades[0])
	}

	if len(f.journal.recs) != 1 || f.journal.recs[0].ClientOrderID != "liq-p1" {
		t.Errorf("journal = %+v", f.journal.recs)
	}
	fills := f.acct.Fills()
	last := fills[len(fills)-1]
	if last.Request.Side != model.SideSell || last.Request.OrderType != model.OrderMarket || last.Request.Quantity != 10 {
		t.Errorf("closing order = %+v", last.Request)
	}
}

func TestLiquidate_SkipsPositionNotOpen(t *testing.T) {
	f := newLiqFixture(t)
	pos := openPosition(t, f.store, f.acct, "p1", "u1", "SBIN-EQ", 10, "1000")
	f.store.TransitionPosition(context.Background(), "p1", model.PositionOpen, model.PositionClosing)
	before := len(f.acct.Fills())

	_, moved, err := f.liq.Liquidate(context.Background(), pos, "MARGIN_DEFICIT")
	if err != nil || moved {
		t.Fatalf("Liquidate = %v, %v; want false, nil", moved, err)
	}
	if len(f.acct.Fills()) != before {
		t.Error("no order may be placed for a position already closing")
	}
}

func TestLiquidate_FailedPlacementReverts(t *testing.T) {
	st := memory.New()
	book := NewQuoteBook()
	book.Set("SBIN-EQ", d("1000"))
	paper := NewPaperBroker(book, 0)
	pos := openPosition(t, st, paper, "p1", "u1", "SBIN-EQ", 10, "1000")

	broken := resolverFunc(func(ctx context.Context, userID string) (model.Broker, error) {
		return failingBroker{PaperBroker: paper, err: errBrokerDown}, nil
	})
	liq := NewLiquidator(st, broken, nil, nil, time.Second)

	_, moved, err := liq.Liquidate(context.Background(), pos, "DAILY_DRAWDOWN_EXCEEDED")
	if !errors.Is(err, errBrokerDown) || moved {
		t.Fatalf("Liquidate = %v, %v; want broker error", moved, err)
	}
	if p, _ := st.Position("p1"); p.Status != model.PositionOpen {
		t.Errorf("status = %s, want open after revert", p.Status)
	}
}

func TestLiquidate_PendingThenReconcile(t *testing.T) {
	f := newLiqFixture(t)
	pos := openPosition(t, f.store, f.acct, "p1", "u1", "SBIN-EQ", 10, "1000")
	f.acct.Hold(true)

	updated, moved, err := f.liq.Liquidate(context.Background(), pos, "TRAILING_STOP_HIT")
	if err != nil || !moved || updated.Status != model.PositionClosing {
		t.Fatalf("Liquidate = %+v, %v, %v", updated, moved, err)
	}

	stored, _ := f.store.Position("p1")
	if closed, err := f.liq.Reconcile(context.Background(), stored); err != nil || closed {
		t.Fatalf("Reconcile before fill = %v, %v; want false", closed, err)
	}

	f.book.Set("SBIN-EQ", d("990"))
	f.acct.FillOpen()
	closed, err := f.liq.Reconcile(context.Background(), stored)
	if err != nil || !closed {
		t.Fatalf("Reconcile after fill = %v, %v", closed, err)
	}
	if p, _ := f.store.Position("p1"); p.Status != model.PositionClosed || p.Quantity != 0 {
		t.Errorf("position = %+v", p)
	}
	trades := f.store.Trades()
	if len(trades) != 1 || !trades[0].PnL.Equal(d("-100")) {
		t.Errorf("trades = %+v, want one with pnl -100", trades)
	}
}

func TestReconcile_IgnoresOpenPositions(t *testing.T) {
	f := newLiqFixture(t)
	pos := openPosition(t, f.store, f.acct, "p1", "u1", "SBIN-EQ", 10, "1000")
	if closed, err := f.liq.Reconcile(context.Background(), pos); closed || err != nil {
		t.Errorf("Reconcile(open) = %v, %v", closed, err)
	}
}
