// Package metrics holds the Prometheus collectors shared by the quoting and execution paths.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the engine exports
type Metrics struct {
	quoteRequests       *prometheus.CounterVec
	strategyQuotes      *prometheus.CounterVec
	strategyDuration    *prometheus.HistogramVec
	aggregateDuration   prometheus.Histogram
	circuitBreaker      *prometheus.GaugeVec
	rpcCalls            *prometheus.CounterVec
	reserveCache        *prometheus.CounterVec
	executions          *prometheus.CounterVec
	executionSteps      *prometheus.CounterVec
	confirmationRetries prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		quoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_quote_requests_total",
				Help: "Total number of quote requests by outcome",
			},
			[]string{"outcome"},
		),
		strategyQuotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_strategy_quotes_total",
				Help: "Per-strategy quote attempts by outcome",
			},
			[]string{"strategy", "outcome"},
		),
		strategyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zap_strategy_quote_duration_seconds",
				Help:    "Time a strategy took to produce a quote or fail",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		aggregateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zap_aggregate_duration_seconds",
				Help:    "End-to-end quote aggregation time",
				Buckets: prometheus.DefBuckets,
			},
		),
		circuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zap_strategy_circuit_state",
				Help: "Strategy circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"strategy"},
		),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_rpc_calls_total",
				Help: "JSON-RPC calls by chain, method and outcome",
			},
			[]string{"chain", "method", "outcome"},
		),
		reserveCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_reserve_cache_total",
				Help: "Reserve snapshot cache lookups",
			},
			[]string{"result"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_executions_total",
				Help: "Quote executions by terminal state",
			},
			[]string{"state"},
		),
		executionSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zap_execution_steps_total",
				Help: "Executed steps by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		confirmationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zap_confirmation_retries_total",
				Help: "Confirmation waits retried after a network timeout",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.quoteRequests,
			m.strategyQuotes,
			m.strategyDuration,
			m.aggregateDuration,
			m.circuitBreaker,
			m.rpcCalls,
			m.reserveCache,
			m.executions,
			m.executionSteps,
			m.confirmationRetries,
		)
	}
	return m
}

// QuoteRequest counts one aggregated quote request
func (m *Metrics) QuoteRequest(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.quoteRequests.WithLabelValues(outcome).Inc()
	m.aggregateDuration.Observe(took.Seconds())
}

// StrategyQuote records one strategy attempt
func (m *Metrics) StrategyQuote(strategy, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.strategyQuotes.WithLabelValues(strategy, outcome).Inc()
	m.strategyDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

// CircuitState publishes the breaker state of a strategy
func (m *Metrics) CircuitState(strategy string, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(strategy).Set(float64(state))
}

// RPCCall records one JSON-RPC call
func (m *Metrics) RPCCall(chain, method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.rpcCalls.WithLabelValues(chain, method, outcome).Inc()
}

// ReserveCache records a reserve cache hit or miss
func (m *Metrics) ReserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.reserveCache.WithLabelValues(result).Inc()
}

// Execution records the terminal state of an execution
func (m *Metrics) Execution(state string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(state).Inc()
}

// ExecutionStep records the outcome of one step
func (m *Metrics) ExecutionStep(kind, outcome string) {
	if m == nil {
		return
	}
	m.executionSteps.WithLabelValues(kind, outcome).Inc()
}

// ConfirmationRetry counts a retried confirmation wait
func (m *Metrics) ConfirmationRetry() {
	if m == nil {
		return
	}
	m.confirmationRetries.Inc()
}
