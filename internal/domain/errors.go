package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrConflict         = errors.New("conflict")
)

// kindError attaches an actionable message to one of the sentinel kinds.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func Validationf(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) error {
	return &kindError{kind: ErrForbidden, msg: fmt.Sprintf(format, args...)}
}

func InvalidStatef(format string, args ...any) error {
	return &kindError{kind: ErrInvalidState, msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &kindError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// CapacityExceededError reports how much room was left so the caller can
// offer a corrected amount.
type CapacityExceededError struct {
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("contribution of %s exceeds remaining capacity of %s", e.Requested.StringFixed(2), e.Remaining.StringFixed(2))
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// RefundRequiredError signals that money was collected for a contribution
// the ledger refused to accrue. The contribution has already been marked failed.
type RefundRequiredError struct {
	Reference string
	Amount    decimal.Decimal
	Reason    string
	Cause     error
}

func (e *RefundRequiredError) Error() string {
	return fmt.Sprintf("refund required for %s (%s): %v", e.Reference, e.Reason, e.Cause)
}

func (e *RefundRequiredError) Unwrap() error { return e.Cause }
