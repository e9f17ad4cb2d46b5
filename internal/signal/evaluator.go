package signal

import (
	"fmt"
	"log"
	"math"

	"trading-riskengine/internal/indicator"
	"trading-riskengine/internal/model"
)

// Decision is an evaluator's call on one quote.
type Decision struct {
	Action     model.Side
	Confidence float64 // in [0, 1]
	Reason     string
}

// Evaluator turns a stream of quotes for one symbol into decisions. An
// evaluator instance serves exactly one (strategy, symbol) pair and is
// not safe for concurrent use.
type Evaluator interface {
	Name() string
	Evaluate(q model.Quote) (Decision, bool)
}

// Factory builds an evaluator from a strategy's parameters.
type Factory func(params map[string]float64) (Evaluator, error)

// Builtin returns the evaluator kinds shipped with the engine.
func Builtin() map[string]Factory {
	return map[string]Factory{
		"sma_crossover": NewSMACrossoverFromParams,
		"ema_crossover": NewEMACrossoverFromParams,
		"momentum":      NewMomentumFromParams,
	}
}

func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// Crossover trades moving-average crosses.
//
// Buy signal: fast average crosses above slow (golden cross)
// Sell signal: fast average crosses below slow (death cross)
//
// Optional RSI filter prevents buying when overbought (>70)
// or selling when oversold (<30).
type Crossover struct {
	kind string
	fast indicator.Indicator
	slow indicator.Indicator
	rsi  indicator.Indicator // nil when the filter is off

	// Previous averages for crossover detection
	prevFast float64
	prevSlow float64
	ready    bool
}

func newCrossover(kind, average string, fastPeriod, slowPeriod int, enableRSI bool, rsiPeriod int) (*Crossover, error) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod {
		return nil, fmt.Errorf("%s: need 0 < fast (%d) < slow (%d)", kind, fastPeriod, slowPeriod)
	}
	c := &Crossover{kind: kind}
	c.fast, _ = indicator.New(average, fastPeriod)
	c.slow, _ = indicator.New(average, slowPeriod)
	if enableRSI {
		rsi, ok := indicator.New("rsi", rsiPeriod)
		if !ok {
			return nil, fmt.Errorf("%s: rsi period must be positive", kind)
		}
		c.rsi = rsi
	}
	return c, nil
}

// NewSMACrossover creates a simple moving average crossover, fastPeriod <
// slowPeriod (e.g. 9 and 21).
func NewSMACrossover(fastPeriod, slowPeriod int, enableRSI bool, rsiPeriod int) (*Crossover, error) {
	return newCrossover("sma_crossover", "sma", fastPeriod, slowPeriod, enableRSI, rsiPeriod)
}

// NewEMACrossover is NewSMACrossover over exponential averages.
func NewEMACrossover(fastPeriod, slowPeriod int, enableRSI bool, rsiPeriod int) (*Crossover, error) {
	return newCrossover("ema_crossover", "ema", fastPeriod, slowPeriod, enableRSI, rsiPeriod)
}

// NewSMACrossoverFromParams reads fast, slow, rsi (0/1) and rsi_period.
func NewSMACrossoverFromParams(params map[string]float64) (Evaluator, error) {
	return NewSMACrossover(
		int(param(params, "fast", 9)),
		int(param(params, "slow", 21)),
		param(params, "rsi", 0) != 0,
		int(param(params, "rsi_period", 14)),
	)
}

// NewEMACrossoverFromParams reads the same parameters as the SMA variant.
func NewEMACrossoverFromParams(params map[string]float64) (Evaluator, error) {
	return NewEMACrossover(
		int(param(params, "fast", 9)),
		int(param(params, "slow", 21)),
		param(params, "rsi", 0) != 0,
		int(param(params, "rsi_period", 14)),
	)
}

func (c *Crossover) Name() string {
	return c.kind
}

func (c *Crossover) Evaluate(q model.Quote) (Decision, bool) {
	price := q.LastPrice.InexactFloat64()
	if price <= 0 {
		return Decision{}, false
	}
	c.fast.Update(price)
	c.slow.Update(price)
	if c.rsi != nil {
		c.rsi.Update(price)
	}

	if !c.slow.Ready() {
		return Decision{}, false
	}
	fast, slow := c.fast.Value(), c.slow.Value()

	defer func() {
		c.prevFast = fast
		c.prevSlow = slow
		c.ready = true
	}()

	if !c.ready {
		return Decision{}, false
	}

	conf := crossConfidence(fast, slow)

	// Golden cross: fast crosses above slow
	if c.prevFast <= c.prevSlow && fast > slow {
		if rsi, ok := c.rsiValue(); ok && rsi > 70 {
			log.Printf("[signal] %s %s: golden cross filtered by RSI %.1f > 70", c.kind, q.Symbol, rsi)
			return Decision{}, false
		}
		return Decision{Action: model.SideBuy, Confidence: conf, Reason: c.fast.Name() + " crossed above " + c.slow.Name()}, true
	}

	// Death cross: fast crosses below slow
	if c.prevFast >= c.prevSlow && fast < slow {
		if rsi, ok := c.rsiValue(); ok && rsi < 30 {
			log.Printf("[signal] %s %s: death cross filtered by RSI %.1f < 30", c.kind, q.Symbol, rsi)
			return Decision{}, false
		}
		return Decision{Action: model.SideSell, Confidence: conf, Reason: c.fast.Name() + " crossed below " + c.slow.Name()}, true
	}

	return Decision{}, false
}

func (c *Crossover) rsiValue() (float64, bool) {
	if c.rsi == nil || !c.rsi.Ready() {
		return 0, false
	}
	return c.rsi.Value(), true
}

// crossConfidence maps the spread between the averages to [0.7, 1]: 0.7 at
// the cross, 1 once the spread reaches 1% of the slow average.
func crossConfidence(fast, slow float64) float64 {
	if slow == 0 {
		return 0.7
	}
	spread := math.Abs(fast-slow) / slow * 100
	return 0.7 + 0.3*math.Min(1, spread)
}

// Momentum fires when the session change percent crosses a threshold:
// BUY on a rise, SELL on a fall. It fires again only after the move has
// fallen back inside the threshold.
type Momentum struct {
	threshold float64
	armed     bool
}

// NewMomentum creates a momentum evaluator; threshold is in percent.
func NewMomentum(threshold float64) (*Momentum, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("momentum: threshold must be positive")
	}
	return &Momentum{threshold: threshold, armed: true}, nil
}

// NewMomentumFromParams reads threshold (percent, default 1).
func NewMomentumFromParams(params map[string]float64) (Evaluator, error) {
	return NewMomentum(param(params, "threshold", 1))
}

func (m *Momentum) Name() string {
	return "momentum"
}

func (m *Momentum) Evaluate(q model.Quote) (Decision, bool) {
	pct := q.ChangePercent.InexactFloat64()
	if math.Abs(pct) < m.threshold {
		m.armed = true
		return Decision{}, false
	}
	if !m.armed {
		return Decision{}, false
	}
	m.armed = false

	action, reason := model.SideBuy, fmt.Sprintf("change %.2f%% above +%.2f%%", pct, m.threshold)
	if pct < 0 {
		action, reason = model.SideSell, fmt.Sprintf("change %.2f%% below -%.2f%%", pct, m.threshold)
	}
	conf := 0.7 + 0.3*math.Min(1, (math.Abs(pct)-m.threshold)/m.threshold)
	return Decision{Action: action, Confidence: conf, Reason: reason}, true
}
