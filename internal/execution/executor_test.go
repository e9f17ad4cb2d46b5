package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trading-riskengine/internal/keylock"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"
	"trading-riskengine/internal/store/memory"
)

type execFixture struct {
	store    *memory.Store
	cache    *risk.Cache
	book     *QuoteBook
	accounts *PaperAccounts
	journal  *recordingJournal
	pub      *recordingPub
	exec     *Executor
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	st := memory.New()
	p := testProfile()
	st.AddUser("u1", &p)
	cache := risk.NewCache(st)
	cache.Set("u1", p)

	book := NewQuoteBook()
	book.Set("SBIN-EQ", d("1000"))
	accounts := NewPaperAccounts(book, 0)
	j := &recordingJournal{}
	pub := &recordingPub{}
	locks := keylock.New()
	liq := NewLiquidator(st, accounts, j, nil, time.Second)
	return &execFixture{
		store:    st,
		cache:    cache,
		book:     book,
		accounts: accounts,
		journal:  j,
		pub:      pub,
		exec:     NewExecutor(st, cache, accounts, liq, j, pub, locks, nil, time.Second),
	}
}

func (f *execFixture) addSignal(t *testing.T, id string, action model.Side, qty int64, price string) {
	t.Helper()
	f.addSignalOn(t, id, "SBIN-EQ", action, qty, price)
}

func (f *execFixture) addSignalOn(t *testing.T, id, symbol string, action model.Side, qty int64, price string) {
	t.Helper()
	err := f.store.InsertSignal(context.Background(), model.TradingSignal{
		ID:         id,
		StrategyID: "strat_1",
		UserID:     "u1",
		Symbol:     symbol,
		Action:     action,
		Quantity:   qty,
		Price:      d(price),
		StopLoss:   d(price).Mul(d("0.995")),
		Target:     d(price).Mul(d("1.01")),
		Status:     model.SignalGenerated,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecute_BuyOpensPosition(t *testing.T) {
	f := newExecFixture(t)
	f.addSignal(t, "sig_1", model.SideBuy, 40, "1000")

	res, err := f.exec.Execute(context.Background(), "u1", "sig_1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Signal.Status != model.SignalExecuted {
		t.Errorf("result status = %s", res.Signal.Status)
	}
	if res.Position == nil || res.Position.Quantity != 40 {
		t.Fatalf("position = %+v, want qty 40", res.Position)
	}
	if !res.Position.TrailingStopLoss.Equal(d("995")) || !res.Position.HighestPrice.Equal(d("1000")) {
		t.Errorf("position stop/high = %s/%s", res.Position.TrailingStopLoss, res.Position.HighestPrice)
	}

	sig, _ := f.store.GetSignal(context.Background(), "u1", "sig_1")
	if sig.Status != model.SignalExecuted {
		t.Errorf("stored signal status = %s", sig.Status)
	}
	trades := f.store.Trades()
	if len(trades) != 1 || trades[0].Status != model.TradePending || trades[0].BrokerOrderID != res.Order.OrderID {
		t.Errorf("trades = %+v", trades)
	}

	fill := f.accounts.Account("u1").Fills()[0]
	if fill.Request.OrderType != model.OrderLimit || fill.Request.ProductType != model.ProductIntraday ||
		fill.Request.Validity != model.ValidityDay || fill.Request.StopLoss == nil || fill.Request.Target == nil {
		t.Errorf("order request = %+v", fill.Request)
	}
	if len(f.journal.recs) != 1 || len(f.pub.events) != 1 {
		t.Errorf("journal=%d events=%d, want 1 each", len(f.journal.recs), len(f.pub.events))
	}
}

func TestExecute_CapsQuantityAtSuggestedSize(t *testing.T) {
	f := newExecFixture(t)
	f.addSignal(t, "sig_1", model.SideBuy, 500, "1000")

	res, err := f.exec.Execute(context.Background(), "u1", "sig_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.Quantity != 40 {
		t.Errorf("quantity = %d, want 40", res.Position.Quantity)
	}
}

func TestExecute_RiskRejection(t *testing.T) {
	f := newExecFixture(t)
	acct := f.accounts.Account("u1")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		openPosition(t, f.store, acct, id, "u1", "HOLD"+id+"-EQ", 1, "1000")
	}
	f.addSignal(t, "sig_1", model.SideBuy, 40, "1000")

	res, err := f.exec.Execute(context.Background(), "u1", "sig_1")
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected ErrRiskRejected, got %v", err)
	}
	if res.Decision.Reason != risk.ReasonPositionLimit {
		t.Errorf("reason = %q", res.Decision.Reason)
	}
	sig, _ := f.store.GetSignal(context.Background(), "u1", "sig_1")
	if sig.Status != model.SignalRejected || sig.Reason != risk.ReasonPositionLimit {
		t.Errorf("stored signal = %+v", sig)
	}
}

func TestExecute_NotExecutableTwice(t *testing.T) {
	f := newExecFixture(t)
	f.addSignal(t, "sig_1", model.SideBuy, 10, "1000")
	if _, err := f.exec.Execute(context.Background(), "u1", "sig_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.exec.Execute(context.Background(), "u1", "sig_1"); !errors.Is(err, ErrSignalNotExecutable) {
		t.Errorf("second Execute = %v, want ErrSignalNotExecutable", err)
	}
}

func TestExecute_UnknownSignal(t *testing.T) {
	f := newExecFixture(t)
	if _, err := f.exec.Execute(context.Background(), "u1", "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Execute = %v, want ErrNotFound", err)
	}
}

func TestExecute_SellExitsOpenPosition(t *testing.T) {
	f := newExecFixture(t)
	openPosition(t, f.store, f.accounts.Account("u1"), "p1", "u1", "SBIN-EQ", 10, "1000")
	f.book.Set("SBIN-EQ", d("1010"))
	f.addSignal(t, "sig_2", model.SideSell, 10, "1010")

	res, err := f.exec.Execute(context.Background(), "u1", "sig_2")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Position == nil || res.Position.Status != model.PositionClosed {
		t.Fatalf("position = %+v, want closed", res.Position)
	}
	trades := f.store.Trades()
	if len(trades) != 1 || !trades[0].PnL.Equal(d("100")) {
		t.Errorf("trades = %+v, want exit with pnl 100", trades)
	}
}

func TestExecute_SellWithoutPositionRejected(t *testing.T) {
	f := newExecFixture(t)
	f.addSignal(t, "sig_2", model.SideSell, 10, "1000")
	if _, err := f.exec.Execute(context.Background(), "u1", "sig_2"); !errors.Is(err, ErrRiskRejected) {
		t.Errorf("Execute = %v, want ErrRiskRejected", err)
	}
}

func TestExecute_MarketHoursOnly(t *testing.T) {
	f := newExecFixture(t)
	f.exec.MarketHoursOnly = true
	f.exec.now = func() time.Time { return time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC) } // Saturday
	if _, err := f.exec.Execute(context.Background(), "u1", "sig_1"); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("Execute = %v, want ErrMarketClosed", err)
	}
}

func TestExecute_SecondEntryInSymbolRejected(t *testing.T) {
	f := newExecFixture(t)
	f.addSignal(t, "sig_1", model.SideBuy, 10, "1000")
	f.addSignal(t, "sig_2", model.SideBuy, 10, "1000")
	if _, err := f.exec.Execute(context.Background(), "u1", "sig_1"); err != nil {
		t.Fatal(err)
	}

	res, err := f.exec.Execute(context.Background(), "u1", "sig_2")
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("second entry = %v, want ErrRiskRejected", err)
	}
	if res.Decision.Reason != ReasonSymbolHeld {
		t.Errorf("reason = %q", res.Decision.Reason)
	}
	if n := len(f.accounts.Account("u1").Fills()); n != 1 {
		t.Errorf("fills = %d, want 1", n)
	}
}

func TestExecute_ConcurrentEntriesRespectPositionLimit(t *testing.T) {
	f := newExecFixture(t)
	p := testProfile()
	p.MaxSimultaneousPositions = 1
	f.cache.Set("u1", p)
	f.addSignalOn(t, "sig_a", "SBIN-EQ", model.SideBuy, 10, "1000")
	f.addSignalOn(t, "sig_b", "INFY-EQ", model.SideBuy, 10, "1000")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"sig_a", "sig_b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.exec.Execute(context.Background(), "u1", id)
		}(i, id)
	}
	wg.Wait()

	executed, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			executed++
		case errors.Is(err, ErrRiskRejected):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if executed != 1 || rejected != 1 {
		t.Errorf("executed=%d rejected=%d, want 1 and 1", executed, rejected)
	}
	if sum, _ := f.store.ExposureSummary(context.Background(), "u1"); sum.PositionsCount != 1 {
		t.Errorf("open positions = %d, want 1", sum.PositionsCount)
	}
}

func TestExecute_RestingEntryCountsTowardLimit(t *testing.T) {
	f := newExecFixture(t)
	p := testProfile()
	p.MaxSimultaneousPositions = 1
	f.cache.Set("u1", p)
	f.accounts.Account("u1").Hold(true)
	f.addSignalOn(t, "sig_a", "SBIN-EQ", model.SideBuy, 10, "1000")
	f.addSignalOn(t, "sig_b", "INFY-EQ", model.SideBuy, 10, "1000")

	res, err := f.exec.Execute(context.Background(), "u1", "sig_a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position != nil {
		t.Fatalf("resting order opened a position: %+v", res.Position)
	}
	trades := f.store.Trades()
	if len(trades) != 1 || !trades[0].AwaitingFill() {
		t.Fatalf("trades = %+v, want one entry awaiting fill", trades)
	}

	res, err = f.exec.Execute(context.Background(), "u1", "sig_b")
	if !errors.Is(err, ErrRiskRejected) || res.Decision.Reason != risk.ReasonPositionLimit {
		t.Errorf("second entry = %v (%q), want position limit", err, res.Decision.Reason)
	}
}
