// Package validation checks strategy quotes for internal consistency before they are ranked.
package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/zap-quote-engine/internal/model"
)

// ErrInvalidQuote marks a quote that violates a structural rule
var ErrInvalidQuote = errors.New("invalid quote")

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxAge rejects quotes fetched longer ago than this; zero disables the check
	MaxAge time.Duration

	// Now is overridable for tests
	Now func() time.Time
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{MaxAge: time.Minute, Now: time.Now}
}

// CheckQuote verifies the rules every quote must satisfy regardless of strategy
func CheckQuote(q *model.Quote, opts ValidationOptions) error {
	if q == nil {
		return fmt.Errorf("%w: nil", ErrInvalidQuote)
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w %s from %s: %s", ErrInvalidQuote, q.ID, q.StrategyID, fmt.Sprintf(format, args...))
	}

	if q.ID == "" || q.StrategyID == "" {
		return fail("missing identity")
	}
	if q.OutputAmount == nil || q.MinOutputAmount == nil {
		return fail("missing output amounts")
	}
	if q.MinOutputAmount.IsZero() {
		return fail("zero minimum output")
	}
	if q.OutputAmount.Lt(q.MinOutputAmount) {
		return fail("minimum output %s above output %s", q.MinOutputAmount.ToBig(), q.OutputAmount.ToBig())
	}

	if len(q.Steps) == 0 {
		return fail("no steps")
	}
	for i, s := range q.Steps {
		if s.Index != i {
			return fail("step %d carries index %d", i, s.Index)
		}
		if s.DependsOnPrior != (i > 0) {
			return fail("step %d dependency flag is %t", i, s.DependsOnPrior)
		}
		if len(s.Data) == 0 {
			return fail("step %d has no calldata", i)
		}
	}

	for i, h := range q.Route {
		if h.AmountIn == nil || h.ExpectedAmountOut == nil || h.MinAmountOut == nil {
			return fail("hop %d has missing amounts", i)
		}
		if h.ExpectedAmountOut.Lt(h.MinAmountOut) {
			return fail("hop %d minimum above expected output", i)
		}
		if i > 0 && !q.Route[i-1].TokenOut.Equal(h.TokenIn) {
			return fail("hop %d does not continue from %s", i, q.Route[i-1].TokenOut)
		}
	}

	if !q.Deadline.After(q.FetchedAt) {
		return fail("deadline not after fetch time")
	}
	if opts.MaxAge > 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		if age := now().Sub(q.FetchedAt); age > opts.MaxAge {
			return fail("fetched %s ago", age.Round(time.Millisecond))
		}
	}
	return nil
}

// FilterInvalid drops quotes that fail CheckQuote, preserving order.
func FilterInvalid(quotes []*model.Quote, opts ValidationOptions) []*model.Quote {
	valid := make([]*model.Quote, 0, len(quotes))
	for _, q := range quotes {
		if err := CheckQuote(q, opts); err != nil {
			logrus.WithError(err).Warn("Filtered invalid quote")
			continue
		}
		valid = append(valid, q)
	}
	return valid
}
