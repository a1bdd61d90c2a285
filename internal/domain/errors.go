package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID      = "invalid"       // Malformed input
	EUNAUTHORIZED = "unauthorized"  // Authentication required
	EFORBIDDEN    = "forbidden"     // Permission denied
	ENOTFOUND     = "not_found"     // Resource not found
	ECONFLICT     = "conflict"      // Resource conflict (e.g., already subscribed)
	EREJECTED     = "rejected"      // Billing rule rejected the change
	ERATELIMIT    = "rate_limit"    // Rate limit exceeded
	EINTERNAL     = "internal"      // Internal server error
	EPAYMENT      = "payment"       // Payment declined by the gateway
	ETIMEOUT      = "timeout"       // Upstream gateway timed out
	EUNAVAILABLE  = "unavailable"   // Upstream gateway unavailable
	ECONFIG       = "configuration" // Deployment/configuration mismatch
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "subscription.change_tier")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
// Billing rule violations always report EREJECTED.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return EREJECTED
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL || e.Code == ECONFIG {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Op
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates an input error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Forbidden creates a permission error.
func Forbidden(op, message string) *Error {
	return &Error{
		Code:    EFORBIDDEN,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}

// =============================================================================
// Billing rule violations
// =============================================================================

// Reason identifies which billing rule rejected a change.
type Reason string

const (
	ReasonBelowUsage           Reason = "BELOW_USAGE"
	ReasonBelowBasePlan        Reason = "BELOW_BASE_PLAN"
	ReasonNoChangesSelected    Reason = "NO_CHANGES_SELECTED"
	ReasonTierNotPurchasable   Reason = "TIER_NOT_PURCHASABLE"
	ReasonNotWholeIncrement    Reason = "NOT_WHOLE_INCREMENT"
	ReasonNoBillingKey         Reason = "NO_BILLING_KEY"
	ReasonSubscriptionInactive Reason = "SUBSCRIPTION_INACTIVE"
)

// ValidationError is returned when a requested subscription change breaks a
// billing rule. Nothing has been written when one is returned.
type ValidationError struct {
	Op      string
	Reason  Reason
	Message string

	// Fields carries per-dimension detail, e.g. {"users": "12/10"}.
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Reject creates a ValidationError for the given reason.
func Reject(op string, reason Reason, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Op:      op,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithField attaches per-dimension detail and returns the same error.
func (e *ValidationError) WithField(field, detail string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = detail
	return e
}

// RejectionReason returns the reason of a ValidationError in err's chain,
// or the empty string.
func RejectionReason(err error) Reason {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ""
}

// IsRejected reports whether err is a ValidationError with the given reason.
func IsRejected(err error, reason Reason) bool {
	return RejectionReason(err) == reason
}

// =============================================================================
// Configuration errors
// =============================================================================

// ConfigurationError indicates the plan catalog and the request disagree in
// a way that valid input can never produce. It is fatal at startup.
type ConfigurationError struct {
	Subject string
	Detail  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("billing configuration: %s: %s", e.Subject, e.Detail)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ErrUnknownTier is wrapped by ConfigurationError values for unknown tiers.
var ErrUnknownTier = errors.New("unknown plan tier")
