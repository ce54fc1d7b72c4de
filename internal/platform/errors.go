package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors the delivery pipeline classifies failures into.
// The retry policy engine consumes only these, never provider detail.
var (
	// ErrTransient covers network timeouts, connection resets, rate limiting
	// and service unavailability. Retryable per policy.
	ErrTransient = errors.New("transient platform error")

	// ErrPermanent covers auth/permission failures, not-found and bad-request.
	// Never retried; straight to dead-letter.
	ErrPermanent = errors.New("permanent platform error")

	// ErrValidation marks a malformed event rejected at the normalizer
	// boundary. Never queued, never retried.
	ErrValidation = errors.New("validation error")

	// ErrTimeout marks a handler that exceeded its hard deadline. Retryable.
	ErrTimeout = errors.New("handler timeout")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// ClassifyStatus maps an HTTP response status to the error taxonomy.
// Returns nil for 2xx.
func ClassifyStatus(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return WrapTransient(fmt.Errorf("%s: status %d", op, status))
	default:
		// 400/401/403/404 and the rest of 4xx: retrying will not help.
		return WrapPermanent(fmt.Errorf("%s: status %d", op, status))
	}
}

// ClassifyNetErr maps a transport-level error to the taxonomy.
// Network failures are transient by definition; context cancellation is
// passed through so shutdown is not misread as a platform failure.
func ClassifyNetErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return WrapTransient(fmt.Errorf("%s: %v", op, err))
	}
	return WrapTransient(fmt.Errorf("%s: %v", op, err))
}
