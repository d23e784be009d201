package checkout

import (
	"errors"
	"strings"

	"posgateway/internal/domain"
)

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateSubmitting State = "submitting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the last submission has finished.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	ErrEmptyCart          = errors.New("cart is empty")
	ErrNoPaymentMethod    = errors.New("payment method is required")
	ErrInsufficientCash   = errors.New("cash tendered is less than the total")
	ErrSubmissionInFlight = errors.New("a submission is already in progress")
)

const (
	CodeEmptyCart        = "empty_cart"
	CodeNoPaymentMethod  = "no_payment_method"
	CodeInsufficientCash = "insufficient_cash"
)

// ValidationError is a local rejection raised before any network call.
type ValidationError struct {
	Code string
	Err  error
	// ShortfallCents is set for insufficient cash.
	ShortfallCents int64
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func IsCash(method *domain.PaymentMethod) bool {
	return method != nil && strings.EqualFold(strings.TrimSpace(method.Name), "cash")
}
