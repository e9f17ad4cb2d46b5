package indicator

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, label string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s: got %.6f, want %.6f", label, got, want)
	}
}

func TestSMA(t *testing.T) {
	sma := NewSMA(3)
	prices := []float64{100, 102, 104, 103, 105}
	want := []float64{0, 0, 102, 103, 104}

	for i, p := range prices {
		sma.Update(p)
		if sma.Ready() != (i >= 2) {
			t.Errorf("price %d: Ready = %v", i, sma.Ready())
		}
		assertClose(t, sma.Name(), sma.Value(), want[i])
	}
}

func TestEMA(t *testing.T) {
	ema := NewEMA(3) // multiplier 0.5
	prices := []float64{10, 11, 12, 13, 14}
	want := []float64{0, 0, 11, 12, 13}

	for i, p := range prices {
		ema.Update(p)
		assertClose(t, ema.Name(), ema.Value(), want[i])
	}
}

func TestRSI(t *testing.T) {
	r := NewRSI(2)
	for _, p := range []float64{10, 12, 11} {
		r.Update(p)
	}
	if !r.Ready() {
		t.Fatal("RSI(2) should be ready after 3 prices")
	}
	// avg gain 1, avg loss 0.5
	assertClose(t, "seed", r.Value(), 100-100/3.0)

	r.Update(13)
	// gain (1+2)/2 = 1.5, loss 0.5/2 = 0.25
	assertClose(t, "smoothed", r.Value(), 100-100/7.0)
}

func TestRSI_Extremes(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{name: "all up", prices: []float64{1, 2, 3, 4, 5, 6}, want: 100},
		{name: "all down", prices: []float64{6, 5, 4, 3, 2, 1}, want: 0},
		{name: "flat", prices: []float64{5, 5, 5, 5, 5, 5}, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRSI(5)
			for _, p := range tt.prices {
				r.Update(p)
			}
			assertClose(t, tt.name, r.Value(), tt.want)
		})
	}
}

func TestPeek_DoesNotMutate(t *testing.T) {
	for _, ind := range []Indicator{NewSMA(3), NewEMA(3), NewRSI(3)} {
		for _, p := range []float64{100, 101, 99, 102, 104} {
			ind.Update(p)
		}
		before := ind.Value()
		peeked := ind.Peek(150)
		if ind.Value() != before {
			t.Errorf("%s: Peek changed Value from %f to %f", ind.Name(), before, ind.Value())
		}

		ind.Update(150)
		assertClose(t, ind.Name()+" peek", peeked, ind.Value())
	}
}

func TestReset(t *testing.T) {
	sma := NewSMA(2)
	sma.Update(10)
	sma.Update(20)
	sma.Reset()
	if sma.Ready() || sma.Value() != 0 {
		t.Errorf("after Reset: ready=%v value=%f", sma.Ready(), sma.Value())
	}
	sma.Update(4)
	sma.Update(6)
	assertClose(t, "after reset", sma.Value(), 5)
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"sma", "ema", "rsi"} {
		if _, ok := New(kind, 14); !ok {
			t.Errorf("New(%q) failed", kind)
		}
	}
	if _, ok := New("macd", 14); ok {
		t.Error("unknown kind should fail")
	}
	if _, ok := New("sma", 0); ok {
		t.Error("zero period should fail")
	}
}
