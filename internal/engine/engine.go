// Package engine is the consumer entry point: quote a request against the configured
// vaults and execute a previously returned quote.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/aggregate"
	"github.com/yourorg/zap-quote-engine/internal/execute"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/security"
	"github.com/yourorg/zap-quote-engine/internal/strategy"
)

var (
	// ErrInvalidRequest wraps request shape errors
	ErrInvalidRequest = errors.New("invalid quote request")
	// ErrUnknownVault is returned for vault ids missing from the catalogue
	ErrUnknownVault = errors.New("unknown vault")
	// ErrUnknownStrategy is returned when a quote names a strategy this engine does not run
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrExecutionDisabled is returned when no runner is configured
	ErrExecutionDisabled = errors.New("execution disabled")
)

// VaultCatalog resolves vault ids
type VaultCatalog interface {
	Vault(id string) (model.Vault, bool)
}

// StrategyLookup resolves the strategy that produced a quote
type StrategyLookup interface {
	Get(id string) (strategy.Strategy, bool)
}

// Quoter aggregates quotes for one vault
type Quoter interface {
	Aggregate(ctx context.Context, vault model.Vault, req model.QuoteRequest) (*aggregate.Result, error)
}

// Runner executes a quote and streams its events
type Runner interface {
	Execute(ctx context.Context, q *model.Quote) (<-chan execute.Event, error)
}

// EventSink observes execution events on their way to the caller
type EventSink interface {
	Tee(in <-chan execute.Event) <-chan execute.Event
}

// Options wires an Engine. Signer and Sink are optional; without a Runner the engine
// only quotes.
type Options struct {
	Vaults     VaultCatalog
	Strategies StrategyLookup
	Quoter     Quoter
	Runner     Runner
	Signer     *security.QuoteSigner
	Sink       EventSink
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// GetQuote returns the best quote for the request
func (e *Engine) GetQuote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error) {
	res, err := e.Aggregate(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Best, nil
}

// Aggregate returns every valid quote for the request, best first
func (e *Engine) Aggregate(ctx context.Context, req model.QuoteRequest) (*aggregate.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	vault, ok := e.opts.Vaults.Vault(req.VaultID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, req.VaultID)
	}
	return e.opts.Quoter.Aggregate(ctx, vault, req)
}

// GetSignedQuote returns the best quote with a signature attached when a signer is configured
func (e *Engine) GetSignedQuote(ctx context.Context, req model.QuoteRequest) (*security.SignedQuote, error) {
	q, err := e.GetQuote(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.opts.Signer == nil {
		return &security.SignedQuote{Quote: q}, nil
	}
	return e.opts.Signer.Sign(q)
}

// ExecuteQuote runs q and streams its events. Steps are rebuilt by the quote's strategy so
// only calldata this engine generates reaches the chain, and a quote whose steps differ from
// the rebuild is refused. Cancelling ctx stops execution before the next step is submitted.
func (e *Engine) ExecuteQuote(ctx context.Context, q *model.Quote) (<-chan execute.Event, error) {
	if q == nil {
		return nil, errors.New("nil quote")
	}
	if e.opts.Runner == nil {
		return nil, ErrExecutionDisabled
	}
	vault, ok := e.opts.Vaults.Vault(q.Request.VaultID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, q.Request.VaultID)
	}
	if vault.Address != q.Vault.Address || vault.ChainID != q.Vault.ChainID {
		return nil, &model.QuoteChangedError{QuoteID: q.ID, Reason: "vault does not match the catalogue"}
	}

	s, ok := e.opts.Strategies.Get(q.StrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, q.StrategyID)
	}
	steps, err := s.BuildSteps(q)
	if err != nil {
		return nil, fmt.Errorf("rebuild steps for quote %s: %w", q.ID, err)
	}
	if i, ok := sameSteps(q.Steps, steps); !ok {
		return nil, &model.QuoteChangedError{QuoteID: q.ID, Reason: fmt.Sprintf("step %d does not match the quoted route", i)}
	}
	rebuilt := *q
	rebuilt.Vault = vault
	rebuilt.Steps = steps

	events, err := e.opts.Runner.Execute(ctx, &rebuilt)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"quote":    q.ID,
		"strategy": q.StrategyID,
		"steps":    len(steps),
	}).Info("Execution started")

	if e.opts.Sink != nil {
		events = e.opts.Sink.Tee(events)
	}
	return events, nil
}

// ExecuteSigned verifies the signature before executing
func (e *Engine) ExecuteSigned(ctx context.Context, sq *security.SignedQuote) (<-chan execute.Event, error) {
	if sq == nil {
		return nil, errors.New("nil quote")
	}
	if e.opts.Signer != nil {
		if err := e.opts.Signer.Verify(sq); err != nil {
			return nil, err
		}
	}
	return e.ExecuteQuote(ctx, sq.Quote)
}

// sameSteps reports whether quoted matches rebuilt, and the first index that differs
func sameSteps(quoted, rebuilt []model.Step) (int, bool) {
	for i := range rebuilt {
		if i >= len(quoted) {
			return i, false
		}
		a, b := quoted[i], rebuilt[i]
		if a.Index != b.Index || a.Kind != b.Kind || a.ChainID != b.ChainID || a.Target != b.Target ||
			!a.Token.Equal(b.Token) || !sameAmount(a.Amount, b.Amount) ||
			!sameAmount(a.MinAmountOut, b.MinAmountOut) || !bytes.Equal(a.Data, b.Data) {
			return i, false
		}
	}
	if len(quoted) != len(rebuilt) {
		return len(rebuilt), false
	}
	return 0, true
}

func sameAmount(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Eq(b)
}
