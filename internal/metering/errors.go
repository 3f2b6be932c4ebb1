package metering

import (
	"fmt"
	"net/http"
)

const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeOperationFailed     = "operation_failed"
	CodeBillingError        = "billing_error"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeAlreadyRefunded     = "already_refunded"
	CodeAccountNotFound     = "account_not_found"
	CodeInvalidRequest      = "invalid_request"
)

// Error is the failure shape of WithCredits. Status is the HTTP equivalent.
type Error struct {
	Code   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code string, err error) *Error {
	return &Error{Code: code, Status: statusFor(code), Err: err}
}

func statusFor(code string) int {
	switch code {
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeIdempotencyConflict, CodeAlreadyRefunded:
		return http.StatusConflict
	case CodeAccountNotFound:
		return http.StatusNotFound
	case CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
