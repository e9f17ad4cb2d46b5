package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"trading-riskengine/internal/model"
	"trading-riskengine/internal/store/memory"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testProfile() model.RiskProfile {
	return model.RiskProfile{
		TotalCapital:             d("200000"),
		IntradayAllocation:       d("100000"),
		LeverageMultiple:         d("5"),
		MaxSimultaneousPositions: 5,
		RiskPerTrade:             d("0.5"),
		MaxDailyDrawdown:         d("1.25"),
		TrailingStopLoss:         d("0.5"),
	}
}

type resolverFunc func(ctx context.Context, userID string) (model.Broker, error)

func (f resolverFunc) ForUser(ctx context.Context, userID string) (model.Broker, error) {
	return f(ctx, userID)
}

// failingBroker refuses every placement.
type failingBroker struct {
	*PaperBroker
	err error
}

func (b failingBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResponse, error) {
	return model.OrderResponse{}, b.err
}

var errBrokerDown = errors.New("broker unavailable")

type recordingJournal struct {
	mu   sync.Mutex
	recs []OrderRecord
}

func (j *recordingJournal) RecordOrder(ctx context.Context, rec OrderRecord) error {
	j.mu.Lock()
	j.recs = append(j.recs, rec)
	j.mu.Unlock()
	return nil
}

type recordingPub struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPub) Publish(userID string, ev model.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// openPosition buys qty on the paper account and mirrors the position in
// the store, the way a filled entry does.
func openPosition(t *testing.T, st *memory.Store, acct *PaperBroker, id, userID, symbol string, qty int64, price string) model.Position {
	t.Helper()
	ctx := context.Background()
	resp, err := acct.PlaceOrder(ctx, model.OrderRequest{
		ClientOrderID: "seed-" + id,
		Symbol:        symbol,
		Quantity:      qty,
		Price:         d(price),
		OrderType:     model.OrderLimit,
		Side:          model.SideBuy,
		ProductType:   model.ProductIntraday,
	})
	if err != nil || !resp.Status.Filled() {
		t.Fatalf("seed buy: %+v, %v", resp, err)
	}
	pos := model.Position{
		ID:               id,
		UserID:           userID,
		Symbol:           symbol,
		Quantity:         qty,
		AvgPrice:         d(price),
		CurrentPrice:     d(price),
		HighestPrice:     d(price),
		TrailingStopLoss: d(price).Mul(d("0.995")),
		Status:           model.PositionOpen,
	}
	if err := st.InsertPosition(ctx, pos); err != nil {
		t.Fatal(err)
	}
	return pos
}
