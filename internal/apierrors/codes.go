package apierrors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidAmount   ErrorCode = "invalid_amount"
	ErrCodeInvalidCurrency ErrorCode = "invalid_currency"
	ErrCodeInvalidAddress  ErrorCode = "invalid_address"
)

// Resource/State Errors (Session not found or in wrong state)
const (
	ErrCodeSessionNotFound ErrorCode = "session_not_found"
	ErrCodeSessionExpired  ErrorCode = "session_expired"
	ErrCodeSessionTerminal ErrorCode = "session_terminal"
	ErrCodeAddressInUse    ErrorCode = "address_in_use"
)

// Authorization Errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeRateLimited  ErrorCode = "rate_limited"
)

// External Service Errors (wallet signer, chain monitor)
const (
	ErrCodeSignerError  ErrorCode = "signer_error"
	ErrCodeMonitorError ErrorCode = "monitor_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
// Signer errors are deliberately not retryable: a timed-out transfer may have
// broadcast, and a blind client retry risks double spending.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeMonitorError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true

	// Validation, authorization, and permanent failures are NOT retryable
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidCurrency,
		ErrCodeInvalidAddress:
		return 400

	// 401 Unauthorized
	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found
	case ErrCodeSessionNotFound:
		return 404

	// 409 Conflict - Valid request, wrong state
	case ErrCodeSessionTerminal,
		ErrCodeAddressInUse:
		return 409

	// 410 Gone - Session deadline passed
	case ErrCodeSessionExpired:
		return 410

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - Upstream service failures
	case ErrCodeSignerError,
		ErrCodeMonitorError,
		ErrCodeNetworkError:
		return 502

	// 500 Internal Server Error
	case ErrCodeInternalError,
		ErrCodeDatabaseError:
		return 500

	default:
		return 500
	}
}
