// Package indicator computes streaming technical indicators over a series of
// last-traded prices in rupees. Every update is O(1).
package indicator

// Indicator is a streaming calculation over prices.
type Indicator interface {
	Name() string

	// Update feeds the next price.
	Update(price float64)

	// Value is the current reading, 0 until Ready.
	Value() float64

	Ready() bool

	// Peek returns what Value would be after Update(price) without
	// changing state.
	Peek(price float64) float64

	Reset()
}

// New builds an indicator by kind ("sma", "ema", "rsi").
func New(kind string, period int) (Indicator, bool) {
	if period <= 0 {
		return nil, false
	}
	switch kind {
	case "sma":
		return NewSMA(period), true
	case "ema":
		return NewEMA(period), true
	case "rsi":
		return NewRSI(period), true
	}
	return nil, false
}
