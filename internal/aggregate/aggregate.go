// Package aggregate fans a quote request out to every eligible strategy and picks the
// winner by guaranteed output.
package aggregate

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/zap-quote-engine/internal/circuitbreaker"
	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/otel"
	"github.com/yourorg/zap-quote-engine/internal/strategy"
	"github.com/yourorg/zap-quote-engine/internal/validation"
)

// MeaningfulDecimals is the precision at which two minimum outputs count as equal.
// Tokens with more decimals are compared after truncating the excess.
const MeaningfulDecimals = 6

// DefaultStrategyTimeout bounds a single strategy when Options leaves it unset
const DefaultStrategyTimeout = 4 * time.Second

// Eligibility selects the strategies that may serve a request, in tie-break order
type Eligibility interface {
	Eligible(vault model.Vault, req model.QuoteRequest) []strategy.Strategy
}

// Options configures an Aggregator. The zero value is usable.
type Options struct {
	StrategyTimeout time.Duration
	Breakers        *circuitbreaker.Set
	Metrics         *metrics.Metrics
	Validation      validation.ValidationOptions
}

// Aggregator runs strategies concurrently and ranks their quotes
type Aggregator struct {
	registry Eligibility
	opts     Options
}

// New creates an aggregator over the registry
func New(registry Eligibility, opts Options) *Aggregator {
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = DefaultStrategyTimeout
	}
	return &Aggregator{registry: registry, opts: opts}
}

// Result is the ranked outcome of one aggregation
type Result struct {
	Best *model.Quote
	// Ranked holds every valid quote, best first
	Ranked []*model.Quote
	// Failures maps strategy id to the reason it produced no quote
	Failures map[string]error
}

type outcome struct {
	index int
	quote *model.Quote
	err   error
	took  time.Duration
}

// Quote returns the winning quote for the request
func (a *Aggregator) Quote(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*model.Quote, error) {
	res, err := a.Aggregate(ctx, vault, req)
	if err != nil {
		return nil, err
	}
	return res.Best, nil
}

// Aggregate quotes the request with every eligible strategy. Per-strategy failures are
// logged and discarded; the call fails only when no strategy produced a quote.
func (a *Aggregator) Aggregate(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*Result, error) {
	start := time.Now()
	ctx, span := otel.Start(ctx, "aggregate.quote",
		attribute.String("vault", vault.ID),
		attribute.String("direction", string(req.Direction)),
	)
	defer span.End()

	eligible := a.registry.Eligible(vault, req)
	span.SetAttributes(attribute.Int("eligible", len(eligible)))
	if len(eligible) == 0 {
		err := &model.NoRouteError{VaultID: vault.ID}
		otel.RecordError(ctx, err)
		a.opts.Metrics.QuoteRequest("no_route", time.Since(start))
		return nil, err
	}

	outcomes := a.collect(ctx, vault, req, eligible)
	if err := ctx.Err(); err != nil {
		a.opts.Metrics.QuoteRequest("cancelled", time.Since(start))
		return nil, err
	}

	var (
		quotes   []*model.Quote
		order    = make(map[*model.Quote]int)
		failures = make(map[string]error)
		failed   []outcome
	)
	for _, o := range outcomes {
		s := eligible[o.index]
		if o.err == nil {
			if err := validation.CheckQuote(o.quote, a.opts.Validation); err != nil {
				o.err = err
			}
		}
		a.record(s.ID(), o)

		if o.err != nil {
			failures[s.ID()] = o.err
			failed = append(failed, o)
			logrus.WithFields(logrus.Fields{
				"vault":    vault.ID,
				"strategy": s.ID(),
				"took":     o.took,
			}).WithError(o.err).Warn("Strategy produced no quote")
			continue
		}
		order[o.quote] = o.index
		quotes = append(quotes, o.quote)
	}

	if len(quotes) == 0 {
		err := &model.NoRouteError{VaultID: vault.ID, Failures: failures, Cause: mostInformative(failed)}
		otel.RecordError(ctx, err)
		a.opts.Metrics.QuoteRequest("no_route", time.Since(start))
		return nil, err
	}

	Rank(quotes, func(q *model.Quote) int { return order[q] })
	best := quotes[0]
	span.SetAttributes(attribute.String("winner", best.StrategyID))
	logrus.WithFields(logrus.Fields{
		"vault":     vault.ID,
		"winner":    best.StrategyID,
		"quotes":    len(quotes),
		"failures":  len(failures),
		"minOutput": best.MinOutputAmount.ToBig().String(),
	}).Info("Quote aggregated")
	a.opts.Metrics.QuoteRequest("ok", time.Since(start))

	return &Result{Best: best, Ranked: quotes, Failures: failures}, nil
}

// collect runs every strategy in its own goroutine under its own timeout. Outcomes are
// returned in eligibility order regardless of completion order.
func (a *Aggregator) collect(ctx context.Context, vault model.Vault, req model.QuoteRequest, eligible []strategy.Strategy) []outcome {
	var wg sync.WaitGroup
	resultCh := make(chan outcome, len(eligible))

	for i, s := range eligible {
		if a.opts.Breakers != nil {
			if err := a.opts.Breakers.For(s.ID()).Allow(); err != nil {
				resultCh <- outcome{index: i, err: err}
				continue
			}
		}

		wg.Add(1)
		go func(i int, s strategy.Strategy) {
			defer wg.Done()
			resultCh <- a.run(ctx, i, s, vault, req)
		}(i, s)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]outcome, len(eligible))
	for o := range resultCh {
		outcomes[o.index] = o
	}
	return outcomes
}

// run quotes one strategy. A strategy that ignores its context is abandoned once the
// timeout passes; its late result is dropped.
func (a *Aggregator) run(ctx context.Context, index int, s strategy.Strategy, vault model.Vault, req model.QuoteRequest) outcome {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, a.opts.StrategyTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("strategy", s.ID()).Errorf("Strategy panicked: %v", r)
				done <- outcome{index: index, err: errors.New("strategy panicked")}
			}
		}()
		q, err := s.Quote(taskCtx, vault, req)
		done <- outcome{index: index, quote: q, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-taskCtx.Done():
		o = outcome{index: index, err: taskCtx.Err()}
	}
	o.took = time.Since(start)

	if o.err == nil && o.quote == nil {
		o.err = errors.New("strategy returned neither quote nor error")
	}
	if o.err != nil && ctx.Err() == nil {
		var timeout *model.StrategyTimeoutError
		switch {
		case errors.As(o.err, &timeout):
			if timeout.After == 0 {
				o.err = &model.StrategyTimeoutError{Strategy: s.ID(), After: a.opts.StrategyTimeout}
			}
		case errors.Is(o.err, context.DeadlineExceeded):
			o.err = &model.StrategyTimeoutError{Strategy: s.ID(), After: a.opts.StrategyTimeout}
		}
	}
	return o
}

func (a *Aggregator) record(strategyID string, o outcome) {
	a.opts.Metrics.StrategyQuote(strategyID, outcomeLabel(o.err), o.took)
	if a.opts.Breakers == nil || errors.Is(o.err, circuitbreaker.ErrOpen) {
		return
	}
	state := a.opts.Breakers.For(strategyID).Record(o.err)
	a.opts.Metrics.CircuitState(strategyID, int(state))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrUnsupportedRoute):
		return "unsupported"
	case errors.Is(err, model.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, model.ErrStrategyTimeout):
		return "timeout"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, validation.ErrInvalidQuote):
		return "invalid"
	}
	return "error"
}

// severity orders failures by how much they tell the caller: a shallow pool is more
// useful to report than a timeout, and anything beats "not my route".
func severity(err error) int {
	switch {
	case errors.Is(err, model.ErrInsufficientLiquidity):
		return 4
	case errors.Is(err, model.ErrStrategyTimeout):
		return 3
	case errors.Is(err, model.ErrUnsupportedRoute):
		return 0
	case errors.Is(err, circuitbreaker.ErrOpen):
		return 1
	}
	return 2
}

// mostInformative picks the failure to surface, earliest in eligibility order on ties
func mostInformative(failed []outcome) error {
	var best error
	bestSeverity := -1
	for _, o := range failed {
		if s := severity(o.err); s > bestSeverity {
			best, bestSeverity = o.err, s
		}
	}
	return best
}

// Rank sorts quotes best first: higher minimum output at MeaningfulDecimals precision,
// then fewer steps, then lower position as given by order.
func Rank(quotes []*model.Quote, order func(*model.Quote) int) {
	buckets := make(map[*model.Quote]*big.Int, len(quotes))
	for _, q := range quotes {
		buckets[q] = bucket(q)
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		qi, qj := quotes[i], quotes[j]
		if c := buckets[qi].Cmp(buckets[qj]); c != 0 {
			return c > 0
		}
		if len(qi.Steps) != len(qj.Steps) {
			return len(qi.Steps) < len(qj.Steps)
		}
		return order(qi) < order(qj)
	})
}

// bucket truncates the guaranteed output to the output token's meaningful unit
func bucket(q *model.Quote) *big.Int {
	v := q.MinOutputAmount.ToBig()
	decimals := int64(q.Request.OutputToken.Decimals)
	if decimals <= MeaningfulDecimals {
		return v
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals-MeaningfulDecimals), nil)
	return v.Quo(v, unit)
}
