package execution

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"trading-riskengine/internal/model"

	"github.com/shopspring/decimal"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	minPrice   = decimal.NewFromInt(1)
)

// QuoteBook holds simulated last prices shared by every paper account.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	rng    *rand.Rand
	now    func() time.Time
}

// NewQuoteBook creates an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes: make(map[string]model.Quote),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

// ParseSeeds reads "SYMBOL:PRICE" pairs separated by commas. Invalid
// entries are logged and skipped.
func ParseSeeds(s string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[paper] skipping invalid quote seed: %q", part)
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !price.IsPositive() {
			log.Printf("[paper] skipping invalid quote seed: %q", part)
			continue
		}
		out[strings.TrimSpace(seg[0])] = price
	}
	return out
}

// Set records a last price for symbol.
func (b *QuoteBook) Set(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(symbol, price)
}

func (b *QuoteBook) setLocked(symbol string, price decimal.Decimal) {
	prev, ok := b.quotes[symbol]
	q := model.Quote{Symbol: symbol, LastPrice: price, Timestamp: b.now()}
	if ok && prev.LastPrice.IsPositive() {
		q.Change = price.Sub(prev.LastPrice)
		q.ChangePercent = q.Change.Div(prev.LastPrice).Mul(decimal.NewFromInt(100)).Round(4)
		q.Volume = prev.Volume
	}
	b.quotes[symbol] = q
}

// Get returns the quote for symbol.
func (b *QuoteBook) Get(symbol string) (model.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

// GetMarketData returns quotes for the known symbols among symbols.
// Unknown symbols are omitted.
func (b *QuoteBook) GetMarketData(ctx context.Context, symbols []string) ([]model.Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := b.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// Walk moves every price by a random step of up to ±0.1%.
func (b *QuoteBook) Walk(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for symbol, q := range b.quotes {
		pct := (b.rng.Float64()*0.2 - 0.1) / 100.0
		next := q.LastPrice.Add(q.LastPrice.Mul(decimal.NewFromFloat(pct))).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		b.setLocked(symbol, next)
		q = b.quotes[symbol]
		q.Volume += int64(b.rng.Intn(100) + 1)
		b.quotes[symbol] = q
	}
	return nil
}

// Fill is a simulated execution.
type Fill struct {
	OrderID   string             `json:"order_id"`
	Request   model.OrderRequest `json:"request"`
	FillPrice decimal.Decimal    `json:"fill_price"`
	Slippage  decimal.Decimal    `json:"slippage"`
	FilledAt  time.Time          `json:"filled_at"`
}

type paperOrder struct {
	req  model.OrderRequest
	resp model.OrderResponse
}

// PaperBroker simulates one broker account against a QuoteBook. Market
// orders fill immediately at the last price with slippage; limit orders
// fill at their limit price. With Hold set, orders stay OPEN until
// FillOpen is called.
type PaperBroker struct {
	book        *QuoteBook
	slippageBps int64

	mu        sync.Mutex
	orderSeq  int64
	orders    map[string]*paperOrder // by client order id
	byID      map[string]*paperOrder
	positions map[string]*model.BrokerPosition
	fills     []Fill
	hold      bool
}

// NewPaperBroker creates a paper account. slippageBps is applied against
// the order side (buys fill higher, sells lower).
func NewPaperBroker(book *QuoteBook, slippageBps int64) *PaperBroker {
	return &PaperBroker{
		book:        book,
		slippageBps: slippageBps,
		orders:      make(map[string]*paperOrder),
		byID:        make(map[string]*paperOrder),
		positions:   make(map[string]*model.BrokerPosition),
	}
}

// Hold controls whether new orders rest OPEN instead of filling.
func (p *PaperBroker) Hold(hold bool) {
	p.mu.Lock()
	p.hold = hold
	p.mu.Unlock()
}

// Fills returns a snapshot of all fills.
func (p *PaperBroker) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

func (p *PaperBroker) GetMarketData(ctx context.Context, symbols []string) ([]model.Quote, error) {
	return p.book.GetMarketData(ctx, symbols)
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResponse, error) {
	if req.Quantity <= 0 {
		return model.OrderResponse{Status: model.OrderRejected, Message: "quantity must be positive"}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if o, ok := p.orders[req.ClientOrderID]; ok {
			return o.resp, nil
		}
	}

	p.orderSeq++
	o := &paperOrder{req: req, resp: model.OrderResponse{
		OrderID: fmt.Sprintf("PAPER-%d", p.orderSeq),
		Status:  model.OrderOpen,
	}}
	if req.Side == model.SideSell && p.held(req.Symbol) < req.Quantity {
		o.resp.Status = model.OrderRejected
		o.resp.Message = "insufficient position to sell"
	} else if !p.hold {
		p.fillLocked(o)
	}

	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = o
	}
	p.byID[o.resp.OrderID] = o
	return o.resp, nil
}

func (p *PaperBroker) held(symbol string) int64 {
	if pos, ok := p.positions[symbol]; ok {
		return pos.Quantity
	}
	return 0
}

func (p *PaperBroker) fillLocked(o *paperOrder) {
	req := o.req
	price := req.Price
	slippage := decimal.Zero
	if req.OrderType == model.OrderMarket || !price.IsPositive() {
		q, ok := p.book.Get(req.Symbol)
		if !ok {
			o.resp.Status = model.OrderRejected
			o.resp.Message = "no market price for " + req.Symbol
			return
		}
		price = q.LastPrice
		if p.slippageBps > 0 {
			slippage = price.Mul(decimal.NewFromInt(p.slippageBps)).Div(bpsDivisor).Round(2)
			if req.Side == model.SideBuy {
				price = price.Add(slippage)
			} else {
				price = price.Sub(slippage)
			}
		}
	}

	qty := decimal.NewFromInt(req.Quantity)
	pos, ok := p.positions[req.Symbol]
	if !ok {
		pos = &model.BrokerPosition{Symbol: req.Symbol, ProductType: req.ProductType}
		p.positions[req.Symbol] = pos
	}
	if req.Side == model.SideBuy {
		cost := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(price.Mul(qty))
		pos.Quantity += req.Quantity
		pos.AvgPrice = cost.Div(decimal.NewFromInt(pos.Quantity)).Round(2)
	} else {
		pos.Quantity -= req.Quantity
		if pos.Quantity == 0 {
			pos.AvgPrice = decimal.Zero
		}
	}
	pos.LastPrice = price

	o.resp.Status = model.OrderComplete
	o.resp.FillPrice = price
	o.resp.Message = "paper filled"
	p.fills = append(p.fills, Fill{
		OrderID:   o.resp.OrderID,
		Request:   req,
		FillPrice: price,
		Slippage:  slippage,
		FilledAt:  time.Now(),
	})
	log.Printf("[paper] %s %s qty=%d price=%s (slip=%s) order=%s",
		req.Side, req.Symbol, req.Quantity, price, slippage, o.resp.OrderID)
}

// FillOpen fills every resting order at current prices.
func (p *PaperBroker) FillOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.byID {
		if o.resp.Status == model.OrderOpen {
			p.fillLocked(o)
			n++
		}
	}
	return n
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok || o.resp.Status != model.OrderOpen {
		return false, nil
	}
	o.resp.Status = model.OrderCancelled
	return true, nil
}

func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (model.OrderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.byID[orderID]
	if !ok {
		return model.OrderResponse{}, fmt.Errorf("paper: order %s: %w", orderID, model.ErrNotFound)
	}
	return o.resp, nil
}

func (p *PaperBroker) GetPositions(ctx context.Context) ([]model.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if q, ok := p.book.Get(pos.Symbol); ok {
			cp.LastPrice = q.LastPrice
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PaperAccounts hands every user their own PaperBroker over one shared
// QuoteBook. It satisfies model.BrokerResolver.
type PaperAccounts struct {
	book        *QuoteBook
	slippageBps int64

	mu       sync.Mutex
	accounts map[string]*PaperBroker
}

// NewPaperAccounts creates the paper account registry.
func NewPaperAccounts(book *QuoteBook, slippageBps int64) *PaperAccounts {
	return &PaperAccounts{book: book, slippageBps: slippageBps, accounts: make(map[string]*PaperBroker)}
}

// Account returns the user's paper broker, creating it on first use.
func (a *PaperAccounts) Account(userID string) *PaperBroker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.accounts[userID]
	if !ok {
		b = NewPaperBroker(a.book, a.slippageBps)
		a.accounts[userID] = b
	}
	return b
}

func (a *PaperAccounts) ForUser(ctx context.Context, userID string) (model.Broker, error) {
	return a.Account(userID), nil
}
