package service

import "net/http"

// Error is a typed service error carrying a machine-readable code and the
// HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int

	// RetryAfterSeconds is set on rate-limit errors.
	RetryAfterSeconds int
	// ExpectedRaw and ReceivedRaw are set on amount-mismatch errors.
	ExpectedRaw string
	ReceivedRaw string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

func NewValidationError(message string) *Error {
	return &Error{Code: "invalid_request", Message: message, Status: http.StatusBadRequest}
}

func NewAuthError(message string) *Error {
	return &Error{Code: "unauthorized", Message: message, Status: http.StatusUnauthorized}
}

func NewRateLimitedError(retryAfterSeconds int) *Error {
	return &Error{
		Code:              "rate_limited",
		Message:           "rate limit exceeded",
		Status:            http.StatusTooManyRequests,
		RetryAfterSeconds: retryAfterSeconds,
	}
}

func NewUpstreamUnreachableError(message string) *Error {
	return &Error{Code: "upstream_unreachable", Message: message, Status: http.StatusBadGateway}
}

func NewConfigError(message string) *Error {
	return &Error{Code: "config_error", Message: message, Status: http.StatusInternalServerError}
}

// NewAmountMismatchError reports both sides of a failed exact-amount
// comparison so the caller can correct the transfer.
func NewAmountMismatchError(expectedRaw, receivedRaw string) *Error {
	return &Error{
		Code:        "amount_mismatch",
		Message:     "transferred amount does not match the expected exact amount",
		Status:      http.StatusConflict,
		ExpectedRaw: expectedRaw,
		ReceivedRaw: receivedRaw,
	}
}

func NewNoMatchError(message string) *Error {
	return &Error{Code: "no_match", Message: message, Status: http.StatusConflict}
}

func NewNotFoundError(message string) *Error {
	return &Error{Code: "not_found", Message: message, Status: http.StatusNotFound}
}

func NewAlreadyTerminalError(status string) *Error {
	return &Error{
		Code:    "already_terminal",
		Message: "session is already " + status + " and cannot progress further",
		Status:  http.StatusConflict,
	}
}

func NewLedgerFailureError(message string) *Error {
	return &Error{Code: "ledger_failure", Message: message, Status: http.StatusBadGateway}
}
