// Package errs holds the sentinel errors every session-core operation reports.
// Handlers map them onto HTTP status codes; callers match them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotJoinable      = errors.New("session not joinable")
	ErrTransport        = errors.New("transport error")
	ErrDeliveryTimeout  = errors.New("delivery timeout")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidContent   = errors.New("invalid content")
	ErrRetryLimit       = errors.New("retry limit reached")
)

var known = []error{
	ErrNotAuthenticated,
	ErrNotFound,
	ErrCapacityExceeded,
	ErrNotJoinable,
	ErrTransport,
	ErrDeliveryTimeout,
	ErrUnauthorized,
	ErrInvalidContent,
	ErrRetryLimit,
}

// Classify returns err unchanged when it already carries one of the sentinels
// above, and wraps anything else as ErrTransport. Cancelled and expired
// contexts are transport errors too; errors.Is still finds the context error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Code returns a short stable name for err, used in API payloads and logs.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrNotJoinable):
		return "not_joinable"
	case errors.Is(err, ErrDeliveryTimeout):
		return "delivery_timeout"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, ErrRetryLimit):
		return "retry_limit"
	default:
		return "transport_error"
	}
}
