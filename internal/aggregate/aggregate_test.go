package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/zap-quote-engine/internal/circuitbreaker"
	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/strategy"
)

var (
	shareToken = model.Token{ChainID: 56, Decimals: 18, Symbol: "mooCake"}
	vault      = model.Vault{ID: "cake-pool", ChainID: 56, StrategyTypeID: model.StrategySingle}
	request    = model.QuoteRequest{
		VaultID:     "cake-pool",
		OutputToken: shareToken,
		InputAmount: uint256.NewInt(1_000),
		Direction:   model.DirectionDeposit,
	}
)

// stubStrategy returns a canned quote or error after an optional delay
type stubStrategy struct {
	id        string
	minOutput uint64
	steps     int
	delay     time.Duration
	err       error
	ignoreCtx bool
	calls     atomic.Int32
}

func (s *stubStrategy) ID() string                                      { return s.id }
func (s *stubStrategy) Handles(model.StrategyType) bool                 { return true }
func (s *stubStrategy) ChainID() uint64                                 { return 0 }
func (s *stubStrategy) Supports(model.Vault, model.QuoteRequest) bool   { return true }
func (s *stubStrategy) BuildSteps(q *model.Quote) ([]model.Step, error) { return q.Steps, nil }

func (s *stubStrategy) Quote(ctx context.Context, _ model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	steps := make([]model.Step, s.steps)
	for i := range steps {
		steps[i] = model.Step{Index: i, DependsOnPrior: i > 0, Kind: model.StepDeposit, Data: []byte{byte(i + 1)}}
	}
	now := time.Now()
	return &model.Quote{
		ID:              "quote-" + s.id,
		StrategyID:      s.id,
		Request:         req,
		OutputAmount:    new(uint256.Int).Add(uint256.NewInt(s.minOutput), uint256.NewInt(10)),
		MinOutputAmount: uint256.NewInt(s.minOutput),
		Steps:           steps,
		FetchedAt:       now,
		Deadline:        now.Add(time.Minute),
	}, nil
}

type stubRegistry []strategy.Strategy

func (r stubRegistry) Eligible(model.Vault, model.QuoteRequest) []strategy.Strategy { return r }

func registryOf(strategies ...*stubStrategy) stubRegistry {
	out := make(stubRegistry, len(strategies))
	for i, s := range strategies {
		out[i] = s
	}
	return out
}

func TestAggregateRanking(t *testing.T) {
	unit := uint64(1_000_000_000_000) // 18 - MeaningfulDecimals

	tests := []struct {
		name       string
		strategies []*stubStrategy
		winner     string
	}{
		{
			name: "highest minimum output wins",
			strategies: []*stubStrategy{
				{id: "a", minOutput: 5 * unit, steps: 1},
				{id: "b", minOutput: 7 * unit, steps: 4},
				{id: "c", minOutput: 6 * unit, steps: 2},
			},
			winner: "b",
		},
		{
			name: "fewer steps breaks a tie within the meaningful unit",
			strategies: []*stubStrategy{
				{id: "a", minOutput: 5*unit + 900, steps: 4},
				{id: "b", minOutput: 5*unit + 1, steps: 2},
			},
			winner: "b",
		},
		{
			name: "eligibility order breaks a full tie",
			strategies: []*stubStrategy{
				{id: "a", minOutput: 5 * unit, steps: 2, delay: 20 * time.Millisecond},
				{id: "b", minOutput: 5 * unit, steps: 2},
			},
			winner: "a",
		},
		{
			name: "one meaningful unit more beats fewer steps",
			strategies: []*stubStrategy{
				{id: "a", minOutput: 5 * unit, steps: 1},
				{id: "b", minOutput: 6 * unit, steps: 5},
			},
			winner: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(registryOf(tt.strategies...), Options{StrategyTimeout: time.Second})
			q, err := agg.Quote(context.Background(), vault, request)
			require.NoError(t, err)
			assert.Equal(t, tt.winner, q.StrategyID)
		})
	}
}

func TestAggregateDeterministic(t *testing.T) {
	// completion order is reversed relative to eligibility order
	build := func() stubRegistry {
		return registryOf(
			&stubStrategy{id: "first", minOutput: 100, steps: 2, delay: 30 * time.Millisecond},
			&stubStrategy{id: "second", minOutput: 100, steps: 2, delay: 15 * time.Millisecond},
			&stubStrategy{id: "third", minOutput: 100, steps: 2},
		)
	}

	for i := 0; i < 5; i++ {
		res, err := New(build(), Options{}).Aggregate(context.Background(), vault, request)
		require.NoError(t, err)
		ids := make([]string, len(res.Ranked))
		for j, q := range res.Ranked {
			ids[j] = q.StrategyID
		}
		assert.Equal(t, []string{"first", "second", "third"}, ids)
	}
}

func TestAggregatePartialFailure(t *testing.T) {
	strategies := registryOf(
		&stubStrategy{id: "timeout", delay: time.Second},
		&stubStrategy{id: "broken", err: errors.New("rpc down")},
		&stubStrategy{id: "unsupported", err: &model.UnsupportedRouteError{Strategy: "unsupported"}},
		&stubStrategy{id: "ok", minOutput: 42, steps: 1},
	)

	start := time.Now()
	res, err := New(strategies, Options{StrategyTimeout: 50 * time.Millisecond}).Aggregate(context.Background(), vault, request)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Equal(t, "ok", res.Best.StrategyID)
	require.Len(t, res.Failures, 3)
	var timeout *model.StrategyTimeoutError
	require.ErrorAs(t, res.Failures["timeout"], &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.After)
}

func TestAggregateAbandonsStragglers(t *testing.T) {
	strategies := registryOf(
		&stubStrategy{id: "stuck", minOutput: 1_000, steps: 1, delay: 300 * time.Millisecond, ignoreCtx: true},
		&stubStrategy{id: "ok", minOutput: 1, steps: 1},
	)

	start := time.Now()
	q, err := New(strategies, Options{StrategyTimeout: 30 * time.Millisecond}).Quote(context.Background(), vault, request)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, "ok", q.StrategyID)
}

func TestAggregateNoRoute(t *testing.T) {
	t.Run("no eligible strategies", func(t *testing.T) {
		_, err := New(stubRegistry{}, Options{}).Quote(context.Background(), vault, request)
		var noRoute *model.NoRouteError
		require.ErrorAs(t, err, &noRoute)
		assert.Nil(t, noRoute.Cause)
	})

	t.Run("most informative failure", func(t *testing.T) {
		liquidity := &model.InsufficientLiquidityError{Strategy: "shallow", Reason: "pool too small"}
		strategies := registryOf(
			&stubStrategy{id: "unsupported", err: &model.UnsupportedRouteError{Strategy: "unsupported"}},
			&stubStrategy{id: "broken", err: errors.New("rpc down")},
			&stubStrategy{id: "shallow", err: liquidity},
			&stubStrategy{id: "slow", delay: time.Second},
		)
		_, err := New(strategies, Options{StrategyTimeout: 20 * time.Millisecond}).Quote(context.Background(), vault, request)

		var noRoute *model.NoRouteError
		require.ErrorAs(t, err, &noRoute)
		assert.ErrorIs(t, err, model.ErrNoRoute)
		assert.ErrorIs(t, err, model.ErrInsufficientLiquidity)
		assert.Len(t, noRoute.Failures, 4)
	})

	t.Run("liquidity beats timeout", func(t *testing.T) {
		strategies := registryOf(
			&stubStrategy{id: "slow", delay: time.Second},
			&stubStrategy{id: "shallow", err: &model.InsufficientLiquidityError{Strategy: "shallow"}},
		)
		_, err := New(strategies, Options{StrategyTimeout: 20 * time.Millisecond}).Quote(context.Background(), vault, request)
		assert.ErrorIs(t, err, model.ErrInsufficientLiquidity)
		assert.NotErrorIs(t, err, model.ErrStrategyTimeout)
	})

	t.Run("timeout beats unsupported", func(t *testing.T) {
		strategies := registryOf(
			&stubStrategy{id: "unsupported", err: &model.UnsupportedRouteError{Strategy: "unsupported"}},
			&stubStrategy{id: "slow", delay: time.Second},
		)
		_, err := New(strategies, Options{StrategyTimeout: 20 * time.Millisecond}).Quote(context.Background(), vault, request)
		assert.ErrorIs(t, err, model.ErrStrategyTimeout)
		assert.NotErrorIs(t, err, model.ErrUnsupportedRoute)
	})

	t.Run("timeout beats generic failure", func(t *testing.T) {
		strategies := registryOf(
			&stubStrategy{id: "broken", err: errors.New("rpc down")},
			&stubStrategy{id: "slow", delay: time.Second},
		)
		_, err := New(strategies, Options{StrategyTimeout: 20 * time.Millisecond}).Quote(context.Background(), vault, request)
		assert.ErrorIs(t, err, model.ErrStrategyTimeout)
	})

	t.Run("invalid quotes are discarded", func(t *testing.T) {
		strategies := registryOf(&stubStrategy{id: "stepless", minOutput: 10, steps: 0})
		_, err := New(strategies, Options{}).Quote(context.Background(), vault, request)
		assert.ErrorIs(t, err, model.ErrNoRoute)
	})
}

func TestAggregateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	strategies := registryOf(&stubStrategy{id: "slow", minOutput: 1, steps: 1, delay: time.Second})

	_, err := New(strategies, Options{}).Quote(ctx, vault, request)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregateCircuitBreaker(t *testing.T) {
	broken := &stubStrategy{id: "broken", err: errors.New("rpc down")}
	healthy := &stubStrategy{id: "healthy", minOutput: 1, steps: 1}
	breakers := circuitbreaker.NewSet(func(string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(circuitbreaker.Thresholds{MaxFailures: 2}).WithResetDelay(time.Hour)
	})
	reg := prometheus.NewRegistry()
	agg := New(registryOf(broken, healthy), Options{Breakers: breakers, Metrics: metrics.New(reg)})

	for i := 0; i < 4; i++ {
		_, err := agg.Quote(context.Background(), vault, request)
		require.NoError(t, err, fmt.Sprintf("round %d", i))
	}

	// the third and fourth rounds skip the broken strategy
	assert.Equal(t, int32(2), broken.calls.Load())
	assert.Equal(t, int32(4), healthy.calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, breakers.For("broken").GetState())
	assert.Equal(t, circuitbreaker.StateClosed, breakers.For("healthy").GetState())

	families, err := reg.Gather()
	require.NoError(t, err)
	var outcomes []string
	for _, f := range families {
		if f.GetName() != "zap_strategy_quotes_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcomes = append(outcomes, l.GetValue())
				}
			}
		}
	}
	assert.Contains(t, outcomes, "circuit_open")
	assert.Contains(t, outcomes, "ok")
}

func TestRankIsStable(t *testing.T) {
	mk := func(id string, min uint64, steps int) *model.Quote {
		return &model.Quote{
			StrategyID:      id,
			Request:         model.QuoteRequest{OutputToken: model.Token{Decimals: 6}},
			MinOutputAmount: uint256.NewInt(min),
			Steps:           make([]model.Step, steps),
		}
	}
	// six-decimal tokens are compared to the last unit
	a, b, c := mk("a", 1_000_001, 3), mk("b", 1_000_000, 1), mk("c", 1_000_001, 3)
	order := map[*model.Quote]int{a: 0, b: 1, c: 2}

	quotes := []*model.Quote{c, b, a}
	Rank(quotes, func(q *model.Quote) int { return order[q] })
	assert.Equal(t, []*model.Quote{a, c, b}, quotes)
}
