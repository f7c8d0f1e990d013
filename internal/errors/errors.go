// Package errors defines the relay error taxonomy. Every failure surfaced to a
// caller is a *ServiceError carrying a Kind (configuration, validation,
// authorization, state) and a stable Code, so callers can branch on the exact
// failure instead of a boolean.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind groups error codes into the four caller-facing classes.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindInternal      Kind = "internal"
)

// ErrorCode is a stable machine-readable identifier.
type ErrorCode string

const (
	// Configuration
	CodeInvalidEndpoint     ErrorCode = "INVALID_ENDPOINT"
	CodeDomainNotFound      ErrorCode = "DOMAIN_NOT_FOUND"
	CodeDomainInactive      ErrorCode = "DOMAIN_INACTIVE"
	CodeDuplicateDomain     ErrorCode = "DUPLICATE_DOMAIN"
	CodeChannelNotSupported ErrorCode = "CHANNEL_NOT_SUPPORTED"

	// Validation
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeInvalidPrice        ErrorCode = "INVALID_PRICE"
	CodeOrderExpired        ErrorCode = "ORDER_EXPIRED"
	CodeTradeExpired        ErrorCode = "TRADE_EXPIRED"
	CodeArrayLengthMismatch ErrorCode = "ARRAY_LENGTH_MISMATCH"
	CodePayloadTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeParameterOutOfRange ErrorCode = "PARAMETER_OUT_OF_RANGE"
	CodeOrderAlreadyBridged ErrorCode = "ORDER_ALREADY_BRIDGED"
	CodeTradeAlreadySettled ErrorCode = "TRADE_ALREADY_SETTLED"
	CodePartiesMustDiffer   ErrorCode = "PARTIES_MUST_DIFFER"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"

	// Authorization
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// State
	CodeMessageNotFound        ErrorCode = "MESSAGE_NOT_FOUND"
	CodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	CodeMessageCannotBeRetried ErrorCode = "MESSAGE_CANNOT_BE_RETRIED"
	CodeDuplicateMessage       ErrorCode = "DUPLICATE_MESSAGE"

	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned by relay services.
type ServiceError struct {
	Kind       Kind                   `json:"kind"`
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches any ServiceError with the same code, so sentinels work with
// errors.Is regardless of message or details.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// New builds a ServiceError with the status derived from kind and code.
func New(kind Kind, code ErrorCode, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: statusFor(kind, code)}
}

// Wrap is New with an underlying cause.
func Wrap(kind Kind, code ErrorCode, message string, err error) *ServiceError {
	e := New(kind, code, message)
	e.Err = err
	return e
}

func statusFor(kind Kind, code ErrorCode) int {
	switch code {
	case CodeDomainNotFound, CodeMessageNotFound:
		return http.StatusNotFound
	case CodeUnauthorized, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	}
	switch kind {
	case KindConfiguration:
		return http.StatusUnprocessableEntity
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidEndpoint     = New(KindConfiguration, CodeInvalidEndpoint, "endpoint reference must be non-zero")
	ErrDomainNotFound      = New(KindConfiguration, CodeDomainNotFound, "domain not found")
	ErrDomainInactive      = New(KindConfiguration, CodeDomainInactive, "domain is inactive")
	ErrDuplicateDomain     = New(KindConfiguration, CodeDuplicateDomain, "domain already registered")
	ErrChannelNotSupported = New(KindConfiguration, CodeChannelNotSupported, "side channel not supported by domain")

	ErrInvalidAmount       = New(KindValidation, CodeInvalidAmount, "amount must be positive")
	ErrInvalidPrice        = New(KindValidation, CodeInvalidPrice, "price must be positive")
	ErrOrderExpired        = New(KindValidation, CodeOrderExpired, "order has expired")
	ErrTradeExpired        = New(KindValidation, CodeTradeExpired, "trade has expired")
	ErrArrayLengthMismatch = New(KindValidation, CodeArrayLengthMismatch, "array lengths must match")
	ErrPayloadTooLarge     = New(KindValidation, CodePayloadTooLarge, "payload exceeds domain maximum")
	ErrParameterOutOfRange = New(KindValidation, CodeParameterOutOfRange, "parameter out of range")
	ErrOrderAlreadyBridged = New(KindValidation, CodeOrderAlreadyBridged, "order already bridged")
	ErrTradeAlreadySettled = New(KindValidation, CodeTradeAlreadySettled, "trade already settled")
	ErrPartiesMustDiffer   = New(KindValidation, CodePartiesMustDiffer, "buyer and seller must differ")
	ErrInvalidInput        = New(KindValidation, CodeInvalidInput, "invalid input")

	ErrUnauthorized = New(KindAuthorization, CodeUnauthorized, "authentication required")
	ErrForbidden    = New(KindAuthorization, CodeForbidden, "caller lacks the required capability")

	ErrMessageNotFound        = New(KindState, CodeMessageNotFound, "message not found")
	ErrInvalidTransition      = New(KindState, CodeInvalidTransition, "invalid status transition")
	ErrMessageCannotBeRetried = New(KindState, CodeMessageCannotBeRetried, "only failed messages can be retried")
	ErrDuplicateMessage       = New(KindState, CodeDuplicateMessage, "message already exists")
)

// Invalid returns a validation error with a custom message.
func Invalid(message string) *ServiceError {
	return New(KindValidation, CodeInvalidInput, message)
}

// OutOfRange reports a tunable parameter outside its bounds.
func OutOfRange(param string, value, max interface{}) *ServiceError {
	return ErrParameterOutOfRange.WithDetails("parameter", param).WithDetails("value", value).WithDetails("max", max)
}

// Unauthorized reports a missing or malformed credential.
func Unauthorized(message string) *ServiceError {
	return New(KindAuthorization, CodeUnauthorized, message)
}

// Forbidden reports a caller lacking a capability.
func Forbidden(message string) *ServiceError {
	return New(KindAuthorization, CodeForbidden, message)
}

// InvalidToken wraps a JWT validation failure.
func InvalidToken(err error) *ServiceError {
	return Wrap(KindAuthorization, CodeInvalidToken, "invalid or expired token", err)
}

// RateLimitExceeded reports throttling.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(KindAuthorization, CodeRateLimitExceeded, "rate limit exceeded").
		WithDetails("limit", limit).WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, CodeInternal, message, err)
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}

// Is forwards to the standard library so callers need a single import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
