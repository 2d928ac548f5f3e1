package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching against the typed errors below
var (
	ErrConfig                = errors.New("config error")
	ErrUnsupportedRoute      = errors.New("unsupported route")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrStrategyTimeout       = errors.New("strategy timeout")
	ErrNoRoute               = errors.New("no route")
	ErrQuoteChanged          = errors.New("quote changed")
	ErrStepExecution         = errors.New("step execution failed")
	ErrWalletRejected        = errors.New("wallet rejected")
)

// ConfigError is fatal and raised while loading static configuration
type ConfigError struct {
	Entry  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: entry %q: %s", e.Entry, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// UnsupportedRouteError means the strategy cannot serve this vault/token pair
type UnsupportedRouteError struct {
	Strategy string
	Reason   string
}

func (e *UnsupportedRouteError) Error() string {
	return fmt.Sprintf("strategy %s: unsupported route: %s", e.Strategy, e.Reason)
}

func (e *UnsupportedRouteError) Is(target error) bool { return target == ErrUnsupportedRoute }

// InsufficientLiquidityError means reserves cannot satisfy the request
type InsufficientLiquidityError struct {
	Strategy string
	Reason   string
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("strategy %s: insufficient liquidity: %s", e.Strategy, e.Reason)
}

func (e *InsufficientLiquidityError) Is(target error) bool { return target == ErrInsufficientLiquidity }

// StrategyTimeoutError is raised when a strategy exceeds its quoting budget
type StrategyTimeoutError struct {
	Strategy string
	After    time.Duration
}

func (e *StrategyTimeoutError) Error() string {
	return fmt.Sprintf("strategy %s: timed out after %s", e.Strategy, e.After)
}

func (e *StrategyTimeoutError) Is(target error) bool { return target == ErrStrategyTimeout }

// NoRouteError is surfaced when aggregation yields no quote.
// Cause holds the most informative per-strategy failure, if any.
type NoRouteError struct {
	VaultID  string
	Failures map[string]error
	Cause    error
}

func (e *NoRouteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("no route for vault %s: %v", e.VaultID, e.Cause)
	}
	return fmt.Sprintf("no route for vault %s: no eligible strategies", e.VaultID)
}

func (e *NoRouteError) Is(target error) bool { return target == ErrNoRoute }

func (e *NoRouteError) Unwrap() error { return e.Cause }

// QuoteChangedError means the quote went stale or moved past slippage before execution.
// The caller must re-quote.
type QuoteChangedError struct {
	QuoteID string
	Reason  string
}

func (e *QuoteChangedError) Error() string {
	return fmt.Sprintf("quote %s changed: %s", e.QuoteID, e.Reason)
}

func (e *QuoteChangedError) Is(target error) bool { return target == ErrQuoteChanged }

// StepExecutionError carries the failing step index and underlying cause
type StepExecutionError struct {
	Index int
	Kind  StepKind
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Kind, e.Cause)
}

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// WalletRejectedError means the user declined to sign step Index
type WalletRejectedError struct {
	Index int
}

func (e *WalletRejectedError) Error() string {
	return fmt.Sprintf("wallet rejected step %d", e.Index)
}

func (e *WalletRejectedError) Is(target error) bool { return target == ErrWalletRejected }
