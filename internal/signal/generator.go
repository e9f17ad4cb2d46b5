// Package signal generates trading signals: for every live strategy it
// fetches the strategy's symbols, runs the strategy's evaluator over each
// quote, sizes the trade from the owner's risk profile and persists and
// publishes the resulting signal.
package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trading-riskengine/internal/ids"
	"trading-riskengine/internal/logger"
	"trading-riskengine/internal/metrics"
	"trading-riskengine/internal/model"
	"trading-riskengine/internal/risk"

	"golang.org/x/sync/errgroup"
)

// Store is what the generator reads and appends.
type Store interface {
	ListLiveStrategies(ctx context.Context) ([]model.Strategy, error)
	InsertSignal(ctx context.Context, s model.TradingSignal) error
}

// Config bounds the generator's fan-out and I/O.
type Config struct {
	CallTimeout time.Duration
	Workers     int
}

// Generator runs live strategies once per tick.
type Generator struct {
	store     Store
	cache     *risk.Cache
	resolver  model.BrokerResolver
	pub       model.Publisher
	factories map[string]Factory
	metrics   *metrics.Metrics
	cfg       Config

	mu    sync.Mutex
	evals map[string]Evaluator // strategyID|symbol
	now   func() time.Time
}

// NewGenerator wires a generator. factories maps strategy kinds to
// evaluator constructors; nil uses Builtin. m may be nil.
func NewGenerator(store Store, cache *risk.Cache, resolver model.BrokerResolver, pub model.Publisher,
	factories map[string]Factory, m *metrics.Metrics, cfg Config) *Generator {
	if factories == nil {
		factories = Builtin()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Generator{
		store:     store,
		cache:     cache,
		resolver:  resolver,
		pub:       pub,
		factories: factories,
		metrics:   m,
		cfg:       cfg,
		evals:     make(map[string]Evaluator),
		now:       time.Now,
	}
}

// Tick processes every live strategy. A failing strategy is logged and
// skipped; the returned error only summarizes how many failed.
func (g *Generator) Tick(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	strategies, err := g.store.ListLiveStrategies(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("signal: list strategies: %w", err)
	}
	g.prune(strategies)

	var failed atomic.Int32
	var eg errgroup.Group
	eg.SetLimit(g.cfg.Workers)
	for _, st := range strategies {
		st := st
		eg.Go(func() error {
			if _, err := g.ProcessStrategy(ctx, st); err != nil {
				failed.Add(1)
				slog.Warn("strategy skipped",
					append(logger.LogWithTrace(ctx), "strategy_id", st.ID, "user_id", st.UserID, "error", err)...)
			}
			return nil
		})
	}
	eg.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("signal: %d of %d strategies failed", n, len(strategies))
	}
	return nil
}

// ProcessStrategy evaluates one strategy and returns the signals it
// generated. Evaluators for one strategy run sequentially.
func (g *Generator) ProcessStrategy(ctx context.Context, st model.Strategy) ([]model.TradingSignal, error) {
	if len(st.Symbols) == 0 {
		return nil, nil
	}
	calc, ok := g.cache.Get(st.UserID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", st.UserID, risk.ErrProfileNotFound)
	}
	factory, ok := g.factories[st.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q", st.Kind)
	}

	broker, err := g.resolver.ForUser(ctx, st.UserID)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	quotes, err := broker.GetMarketData(callCtx, st.Symbols)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("market data: %w", err)
	}
	if len(quotes) > 0 {
		g.pub.Publish(st.UserID, model.Event{Type: model.EventMarketData, Payload: quotes})
	}

	var out []model.TradingSignal
	for _, q := range quotes {
		eval, err := g.evaluator(st, q.Symbol, factory)
		if err != nil {
			return out, err
		}
		dec, fire := eval.Evaluate(q)
		if !fire {
			continue
		}

		price := q.LastPrice
		qty := calc.PositionSize(price)
		if qty <= 0 {
			slog.Info("signal dropped: position size is zero",
				append(logger.LogWithTrace(ctx), "strategy_id", st.ID, "symbol", q.Symbol, "price", price.String())...)
			continue
		}
		stop := calc.InitialStopLoss(price)
		sig := model.TradingSignal{
			ID:         ids.New("sig_"),
			StrategyID: st.ID,
			UserID:     st.UserID,
			Symbol:     q.Symbol,
			Action:     dec.Action,
			Quantity:   qty,
			Price:      price,
			StopLoss:   stop,
			Target:     calc.TargetPrice(price, stop, risk.DefaultRiskReward),
			Confidence: dec.Confidence,
			Status:     model.SignalGenerated,
			Reason:     dec.Reason,
			CreatedAt:  g.now(),
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		err = g.store.InsertSignal(callCtx, sig)
		cancel()
		if err != nil {
			return out, fmt.Errorf("save signal: %w", err)
		}
		g.pub.Publish(st.UserID, model.Event{Type: model.EventTradingSignal, Payload: sig})
		if g.metrics != nil {
			g.metrics.SignalsGenerated.Inc()
		}
		slog.Info("generated signal",
			append(logger.LogWithTrace(ctx), "signal_id", sig.ID, "action", sig.Action,
				"symbol", sig.Symbol, "price", sig.Price.String(), "qty", sig.Quantity)...)
		out = append(out, sig)
	}
	return out, nil
}

func evalKey(strategyID, symbol string) string {
	return strategyID + "|" + symbol
}

func (g *Generator) evaluator(st model.Strategy, symbol string, factory Factory) (Evaluator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := evalKey(st.ID, symbol)
	if e, ok := g.evals[key]; ok {
		return e, nil
	}
	e, err := factory(st.Params)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", st.ID, err)
	}
	g.evals[key] = e
	return e, nil
}

// prune drops evaluator state for strategies or symbols no longer live.
func (g *Generator) prune(live []model.Strategy) {
	keep := make(map[string]bool)
	for _, st := range live {
		for _, sym := range st.Symbols {
			keep[evalKey(st.ID, sym)] = true
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.evals {
		if !keep[k] {
			delete(g.evals, k)
		}
	}
}
