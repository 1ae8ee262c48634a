package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a venue-boundary failure for propagation policy.
type ErrorKind string

const (
	KindConfig         ErrorKind = "CONFIG"
	KindAuth           ErrorKind = "AUTH"
	KindRateLimit      ErrorKind = "RATE_LIMIT"
	KindValidation     ErrorKind = "VALIDATION"
	KindExchangeReject ErrorKind = "EXCHANGE_REJECT"
	KindTransport      ErrorKind = "TRANSPORT"
	KindState          ErrorKind = "STATE"
	KindInternal       ErrorKind = "INTERNAL"
)

// Venue error codes the bot dispatches on. These are the documented
// numeric codes, not message strings.
const (
	CodeWouldTriggerImmediately = -2021
	CodeInsufficientBalance     = -2019
	CodePositionSideMismatch    = -4061
	CodeReduceOnlyReject        = -2022
)

// APIError is a typed failure from the venue or from pre-flight checks.
type APIError struct {
	Kind       ErrorKind
	Code       int // venue error code, 0 if none
	HTTPStatus int // 0 for pre-flight failures
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError builds a typed error with no venue code.
func NewAPIError(kind ErrorKind, msg string) *APIError {
	return &APIError{Kind: kind, Message: msg}
}

// KindOf extracts the error kind, defaulting to TRANSPORT for plain
// network errors and INTERNAL otherwise.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransport
}

// CodeOf extracts the venue error code, 0 if none.
func CodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRateLimited reports whether the error is an HTTP 429/418.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimit
}

// classifyHTTP maps an HTTP status plus venue code to an error kind.
func classifyHTTP(status, code int) ErrorKind {
	switch status {
	case 401, 403:
		return KindAuth
	case 429, 418:
		return KindRateLimit
	}
	switch code {
	case CodeWouldTriggerImmediately, CodeInsufficientBalance,
		CodePositionSideMismatch, CodeReduceOnlyReject:
		return KindExchangeReject
	}
	if status >= 400 && status < 500 {
		return KindExchangeReject
	}
	return KindTransport
}
