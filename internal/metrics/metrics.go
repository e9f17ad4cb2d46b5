package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// Scheduler
	JobRuns     *prometheus.CounterVec   // labels: job, result=ok|error|panic
	JobSkipped  *prometheus.CounterVec   // labels: job (previous run still active)
	JobDuration *prometheus.HistogramVec // labels: job

	// Position monitor
	PositionsMonitored prometheus.Counter
	PriceFetchFailures prometheus.Counter
	StopLossTriggers   prometheus.Counter

	// Risk enforcement
	Violations     *prometheus.CounterVec // labels: type
	Liquidations   *prometheus.CounterVec // labels: result=filled|pending|skipped|error
	ProfilesCached prometheus.Gauge

	// Signals
	SignalsGenerated prometheus.Counter
	SignalsExecuted  *prometheus.CounterVec // labels: result=executed|rejected|error
	EntryFills       *prometheus.CounterVec // labels: result=filled|cancelled|error

	// Notification hub
	WSSessions     prometheus.Gauge
	WSDropped      *prometheus.CounterVec // labels: type
	WSAuthFailures prometheus.Counter
	WSTerminated   prometheus.Counter // missed heartbeat

	// Broker gateway
	BrokerCalls         *prometheus.CounterVec // labels: op, result
	BrokerCircuitState  prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	BrokerCircuitTrips  prometheus.Counter
	BrokerRateLimitWait prometheus.Histogram
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_job_runs_total",
			Help: "Scheduler job invocations by result",
		}, []string{"job", "result"}),
		JobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_job_skipped_total",
			Help: "Ticks skipped because the previous invocation was still running",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskengine_job_duration_seconds",
			Help:    "Scheduler job invocation latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),

		PositionsMonitored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_positions_monitored_total",
			Help: "Position re-pricing updates written",
		}),
		PriceFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_price_fetch_failures_total",
			Help: "Positions skipped for a tick because the price fetch failed",
		}),
		StopLossTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_stop_loss_triggers_total",
			Help: "Trailing stop breaches that started a liquidation",
		}),

		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_violations_total",
			Help: "Risk violations detected by type",
		}, []string{"type"}),
		Liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_liquidations_total",
			Help: "Liquidation requests by outcome",
		}, []string{"result"}),
		ProfilesCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_profiles_cached",
			Help: "Risk profiles held in the cache",
		}),

		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_signals_generated_total",
			Help: "Trading signals persisted with status generated",
		}),
		SignalsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_signals_executed_total",
			Help: "Signal execution attempts by result",
		}, []string{"result"}),
		EntryFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_entry_fills_total",
			Help: "Resting entry orders resolved by outcome",
		}, []string{"result"}),

		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_ws_sessions",
			Help: "Connected websocket sessions",
		}),
		WSDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_ws_dropped_total",
			Help: "Non-critical events dropped from full session outboxes",
		}, []string{"type"}),
		WSAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_ws_auth_failures_total",
			Help: "Websocket connections rejected at authentication",
		}),
		WSTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_ws_terminated_total",
			Help: "Sessions terminated after a missed heartbeat",
		}),

		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riskengine_broker_calls_total",
			Help: "Broker gateway calls by operation and result",
		}, []string{"op", "result"}),
		BrokerCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskengine_broker_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BrokerCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskengine_broker_circuit_breaker_trips_total",
			Help: "Times the broker circuit breaker tripped open",
		}),
		BrokerRateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskengine_broker_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the broker rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.JobRuns,
		m.JobSkipped,
		m.JobDuration,
		m.PositionsMonitored,
		m.PriceFetchFailures,
		m.StopLossTriggers,
		m.Violations,
		m.Liquidations,
		m.ProfilesCached,
		m.SignalsGenerated,
		m.SignalsExecuted,
		m.EntryFills,
		m.WSSessions,
		m.WSDropped,
		m.WSAuthFailures,
		m.WSTerminated,
		m.BrokerCalls,
		m.BrokerCircuitState,
		m.BrokerCircuitTrips,
		m.BrokerRateLimitWait,
	)

	return m
}
