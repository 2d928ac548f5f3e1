// Package execute drives a quote's steps on-chain one at a time and reports progress as a
// stream of events.
//
// The executor is a state machine: Idle → Validating → Executing(i) → Confirming(i) →
// Executing(i+1) → … → Done, with Aborted and Failed(i) terminal. A step on another chain
// than its predecessor first passes through AwaitingFunds(i) until the bridged tokens land.
// Cancellation is honoured only before a step is submitted; a submitted step is always
// awaited to a result.
package execute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/zap-quote-engine/internal/metrics"
	"github.com/yourorg/zap-quote-engine/internal/model"
	"github.com/yourorg/zap-quote-engine/internal/otel"
)

// Status is the executor state reported in an Event
type Status string

const (
	StatusIdle          Status = "idle"
	StatusValidating    Status = "validating"
	StatusAwaitingFunds Status = "awaiting-funds"
	StatusExecuting     Status = "executing"
	StatusConfirming    Status = "confirming"
	StatusConfirmed     Status = "confirmed"
	StatusDone          Status = "done"
	StatusAborted       Status = "aborted"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further events follow
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAborted || s == StatusFailed
}

// Event is one observable transition. StepIndex is -1 before the first step.
type Event struct {
	QuoteID   string      `json:"quote_id"`
	StepIndex int         `json:"step_index"`
	Status    Status      `json:"status"`
	TxHash    common.Hash `json:"tx_hash,omitempty"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`

	Err error `json:"-"`
}

// LivePricer reprices a quoted hop against current reserves
type LivePricer interface {
	LiveOutput(ctx context.Context, hop model.Hop, direction model.Direction) (*uint256.Int, error)
}

// BlockSource reports the current head of a chain
type BlockSource interface {
	BlockNumber(ctx context.Context, chainID uint64) (uint64, error)
}

// BalanceSource reads wallet balances on any configured chain
type BalanceSource interface {
	BalanceOf(ctx context.Context, token model.Token, owner common.Address) (*uint256.Int, error)
}

// Config wires an Executor
type Config struct {
	Blocks    BlockSource
	Pricer    LivePricer
	Submitter Submitter
	Guard     *SessionGuard
	Metrics   *metrics.Metrics

	// Balances watches the destination chain after a bridge step. Without it the next
	// step is submitted as soon as the bridge transaction confirms.
	Balances BalanceSource

	// Staleness bounds how old a quote may be when execution starts
	Staleness model.StalenessWindow

	// ConfirmTimeout bounds a single confirmation wait; ConfirmRetries more waits follow
	// a timeout, spaced by exponential backoff starting at ConfirmBackoff
	ConfirmTimeout time.Duration
	ConfirmRetries int
	ConfirmBackoff time.Duration

	// ArrivalTimeout bounds the wait for bridged funds, polled from ArrivalPoll upwards
	ArrivalTimeout time.Duration
	ArrivalPoll    time.Duration

	Now func() time.Time
}

// Executor runs quotes. It is safe for concurrent use across wallets.
type Executor struct {
	cfg Config
}

// New creates an executor, filling unset timing fields with defaults
func New(cfg Config) *Executor {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.ConfirmRetries < 0 {
		cfg.ConfirmRetries = 0
	}
	if cfg.ConfirmBackoff <= 0 {
		cfg.ConfirmBackoff = 2 * time.Second
	}
	if cfg.ArrivalTimeout <= 0 {
		cfg.ArrivalTimeout = 30 * time.Minute
	}
	if cfg.ArrivalPoll <= 0 {
		cfg.ArrivalPoll = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Guard == nil {
		cfg.Guard = NewSessionGuard()
	}
	return &Executor{cfg: cfg}
}

// Execute starts running the quote in the background. The channel carries every event
// and is closed after the terminal one. It fails synchronously only when the wallet
// already has an execution in flight.
func (e *Executor) Execute(ctx context.Context, q *model.Quote) (<-chan Event, error) {
	release, err := e.cfg.Guard.Acquire(q.Request.Wallet)
	if err != nil {
		return nil, err
	}

	// validating, up to four per step and the terminal event never block
	events := make(chan Event, 4*len(q.Steps)+2)
	go func() {
		defer close(events)
		defer release()
		_ = e.run(ctx, q, func(ev Event) { events <- ev })
	}()
	return events, nil
}

// Run executes the quote synchronously, calling emit for each event. It returns nil on
// Done and the terminal error otherwise.
func (e *Executor) Run(ctx context.Context, q *model.Quote, emit func(Event)) error {
	release, err := e.cfg.Guard.Acquire(q.Request.Wallet)
	if err != nil {
		return err
	}
	defer release()
	return e.run(ctx, q, emit)
}

func (e *Executor) run(ctx context.Context, q *model.Quote, emit func(Event)) error {
	ctx, span := otel.Start(ctx, "execute.quote",
		attribute.String("quote", q.ID),
		attribute.String("strategy", q.StrategyID),
		attribute.Int("steps", len(q.Steps)),
	)
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"quote":    q.ID,
		"strategy": q.StrategyID,
		"wallet":   q.Request.Wallet.Hex(),
	})
	send := func(index int, status Status, hash common.Hash, cause error) {
		ev := Event{QuoteID: q.ID, StepIndex: index, Status: status, TxHash: hash, At: e.cfg.Now(), Err: cause}
		if cause != nil {
			ev.Error = cause.Error()
		}
		emit(ev)
	}
	finish := func(index int, status Status, cause error) error {
		send(index, status, common.Hash{}, cause)
		e.cfg.Metrics.Execution(string(status))
		if cause != nil {
			otel.RecordError(ctx, cause)
			log.WithError(cause).WithField("step", index).Warnf("Execution %s", status)
		} else {
			log.Info("Execution done")
		}
		return cause
	}

	send(-1, StatusValidating, common.Hash{}, nil)
	if err := ctx.Err(); err != nil {
		return finish(-1, StatusAborted, err)
	}
	if err := e.validate(ctx, q); err != nil {
		return finish(-1, StatusAborted, err)
	}

	var pending *arrival
	for i, step := range q.Steps {
		if err := ctx.Err(); err != nil {
			return finish(i, StatusAborted, err)
		}

		if pending != nil {
			send(i, StatusAwaitingFunds, common.Hash{}, nil)
			if err := e.awaitArrival(ctx, q.Request.Wallet, *pending); err != nil {
				if ctx.Err() != nil {
					return finish(i, StatusAborted, ctx.Err())
				}
				e.cfg.Metrics.ExecutionStep(string(step.Kind), "funds_missing")
				return finish(i, StatusFailed, &model.StepExecutionError{Index: i, Kind: step.Kind, Cause: err})
			}
			pending = nil
		}
		if i+1 < len(q.Steps) && q.Steps[i+1].ChainID != step.ChainID && e.cfg.Balances != nil {
			next := q.Steps[i+1]
			baseline, err := e.cfg.Balances.BalanceOf(ctx, next.Token, q.Request.Wallet)
			if err != nil {
				return finish(i, StatusAborted, fmt.Errorf("read %s balance before step %d: %w", next.Token, i, err))
			}
			pending = &arrival{token: next.Token, want: expectedBalance(baseline, step.MinAmountOut)}
		}

		send(i, StatusExecuting, common.Hash{}, nil)
		handle, err := e.cfg.Submitter.Submit(ctx, q.Request.Wallet, step)
		if err != nil {
			e.cfg.Metrics.ExecutionStep(string(step.Kind), "rejected")
			switch {
			case errors.Is(err, model.ErrWalletRejected):
				return finish(i, StatusAborted, &model.WalletRejectedError{Index: i})
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				// nothing was broadcast
				return finish(i, StatusAborted, err)
			}
			return finish(i, StatusFailed, &model.StepExecutionError{Index: i, Kind: step.Kind, Cause: err})
		}

		send(i, StatusConfirming, handle.Hash, nil)
		if err := e.confirm(context.WithoutCancel(ctx), handle); err != nil {
			e.cfg.Metrics.ExecutionStep(string(step.Kind), "failed")
			return finish(i, StatusFailed, &model.StepExecutionError{Index: i, Kind: step.Kind, Cause: err})
		}
		e.cfg.Metrics.ExecutionStep(string(step.Kind), "confirmed")
		send(i, StatusConfirmed, handle.Hash, nil)
		log.WithFields(logrus.Fields{"step": i, "kind": step.Kind, "tx": handle.Hash.Hex()}).Debug("Step confirmed")
	}

	return finish(len(q.Steps), StatusDone, nil)
}

// validate re-checks freshness and live prices before anything is submitted
func (e *Executor) validate(ctx context.Context, q *model.Quote) error {
	now := e.cfg.Now()
	if now.After(q.Deadline) {
		return &model.QuoteChangedError{QuoteID: q.ID, Reason: "router deadline has passed"}
	}

	block, err := e.cfg.Blocks.BlockNumber(ctx, q.ChainID())
	if err != nil {
		return fmt.Errorf("validate quote %s: %w", q.ID, err)
	}
	if q.IsStale(block, now, e.cfg.Staleness) {
		return &model.QuoteChangedError{
			QuoteID: q.ID,
			Reason:  fmt.Sprintf("stale: fetched at block %d (%s ago), head is %d", q.FetchedAtBlock, now.Sub(q.FetchedAt).Round(time.Second), block),
		}
	}

	for i, hop := range q.Route {
		live, err := e.cfg.Pricer.LiveOutput(ctx, hop, q.Request.Direction)
		if err != nil {
			return fmt.Errorf("validate quote %s hop %d: %w", q.ID, i, err)
		}
		if live.Lt(hop.MinAmountOut) {
			return &model.QuoteChangedError{
				QuoteID: q.ID,
				Reason:  fmt.Sprintf("hop %d via %s now yields %s, below the minimum %s", i, hop.AmmID, live.ToBig(), hop.MinAmountOut.ToBig()),
			}
		}
	}
	return nil
}

// arrival is the balance a cross-chain step waits for
type arrival struct {
	token model.Token
	want  *uint256.Int
}

// expectedBalance is the balance once at least minIn has landed on top of baseline
func expectedBalance(baseline, minIn *uint256.Int) *uint256.Int {
	in := uint256.NewInt(1)
	if minIn != nil && !minIn.IsZero() {
		in = minIn
	}
	want, overflow := new(uint256.Int).AddOverflow(baseline, in)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return want
}

var errNotArrived = errors.New("balance below expected arrival")

// awaitArrival polls the wallet balance with growing intervals until a.want is reached or
// ArrivalTimeout passes. Read errors are retried like a short balance.
func (e *Executor) awaitArrival(ctx context.Context, owner common.Address, a arrival) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ArrivalPoll
	b.MaxInterval = 8 * e.cfg.ArrivalPoll
	b.MaxElapsedTime = e.cfg.ArrivalTimeout

	log := logrus.WithFields(logrus.Fields{"token": a.token.String(), "wallet": owner.Hex()})
	var last *uint256.Int
	err := backoff.Retry(func() error {
		balance, err := e.cfg.Balances.BalanceOf(ctx, a.token, owner)
		if err != nil {
			log.WithError(err).Debug("Balance read failed while awaiting funds")
			return err
		}
		last = balance
		if balance.Lt(a.want) {
			return errNotArrived
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	seen := "unknown"
	if last != nil {
		seen = last.ToBig().String()
	}
	return fmt.Errorf("%w: %s balance %s after %s, expected %s", ErrFundsNotArrived, a.token, seen, e.cfg.ArrivalTimeout, a.want.ToBig())
}

// confirm waits for the receipt, retrying only network timeouts
func (e *Executor) confirm(ctx context.Context, handle TxHandle) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.ConfirmBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			e.cfg.Metrics.ConfirmationRetry()
		}
		attempt++

		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
		receipt, err := e.cfg.Submitter.AwaitConfirmation(waitCtx, handle)
		switch {
		case err == nil && receipt.Status == ReceiptSuccess:
			return nil
		case err == nil:
			return backoff.Permanent(fmt.Errorf("%w: tx %s in block %d", ErrReverted, handle.Hash.Hex(), receipt.BlockNumber))
		case errors.Is(err, ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
			logrus.WithField("tx", handle.Hash.Hex()).WithError(err).Warn("Confirmation timed out")
			return fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(b, uint64(e.cfg.ConfirmRetries)))
}
