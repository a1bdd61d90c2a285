package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/DukeRupert/academy-billing/internal/domain"
)

// ErrUserCancelled is returned when the customer closed the hosted flow.
// It is an outcome, not a failure.
var ErrUserCancelled = errors.New("billing: user cancelled")

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// ErrMalformedWebhook is returned when a verified webhook body cannot be
// decoded. Resending the same body will not help.
var ErrMalformedWebhook = errors.New("billing: malformed webhook payload")

// ErrTimeout is returned when a gateway call exceeded its deadline.
var ErrTimeout = errors.New("billing: gateway timeout")

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindDeclined    ErrorKind = "declined"
	KindRejected    ErrorKind = "rejected"
	KindUnavailable ErrorKind = "unavailable"
)

// GatewayError is a failure the gateway reported.
type GatewayError struct {
	Provider string
	Kind     ErrorKind
	Code     string
	Message  string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.Provider, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsDeclined reports whether err is a card decline.
func IsDeclined(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == KindDeclined
}

// IsRetryable reports whether err may succeed if the same request is sent
// again: timeouts and gateway outages, but not declines or rejections.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == KindUnavailable
	}
	return true
}

// classifyTransport maps a transport failure from a gateway call. Deadline
// errors become ErrTimeout so callers can tell them apart from declines.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	return &GatewayError{Provider: provider, Kind: KindUnavailable, Message: "gateway request failed", Err: err}
}

// ToDomain converts gateway outcomes into application errors for the HTTP
// layer. ErrUserCancelled is left for callers to handle as a non-error.
func ToDomain(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return domain.Wrap(err, domain.ETIMEOUT, op, "The payment gateway did not respond in time. Please try again.")
	case errors.Is(err, ErrUserCancelled):
		return err
	case errors.Is(err, ErrMalformedWebhook):
		return domain.Wrap(err, domain.EINVALID, op, "The webhook payload could not be decoded")
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case KindDeclined:
			return domain.Wrap(err, domain.EPAYMENT, op, "The payment was declined: "+ge.Message)
		case KindRejected:
			return domain.Wrap(err, domain.EPAYMENT, op, ge.Message)
		default:
			return domain.Wrap(err, domain.EUNAVAILABLE, op, "The payment gateway is unavailable. Please try again later.")
		}
	}
	return domain.Internal(err, op, "payment gateway call failed")
}
