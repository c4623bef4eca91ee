package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransient marks executor failures worth retrying (network, rate limit).
	ErrTransient = errors.New("transient exchange error")
	// ErrOrderRejected means the exchange refused the order as submitted.
	ErrOrderRejected = errors.New("order rejected by exchange")
	// ErrUnrecoverable covers failures retries cannot fix (auth, permissions).
	ErrUnrecoverable          = errors.New("unrecoverable exchange error")
	ErrMarginViolation        = errors.New("sell price below minimum margin")
	ErrAmbiguousExchangeState = errors.New("ambiguous exchange state")
	ErrIllegalTransition      = errors.New("illegal state transition")
	ErrNotReconciled          = errors.New("controller not reconciled")
	ErrFaulted                = errors.New("controller faulted")
	ErrNoActiveOrder          = errors.New("no active order")
	ErrOrderNotFound          = errors.New("order not found")
)

// MarginViolation carries the numbers behind a rejected sell price.
type MarginViolation struct {
	Proposed decimal.Decimal
	Minimum  decimal.Decimal
}

func (e *MarginViolation) Error() string {
	return fmt.Sprintf("sell price %s below minimum %s", e.Proposed, e.Minimum)
}

func (e *MarginViolation) Unwrap() error {
	return ErrMarginViolation
}
