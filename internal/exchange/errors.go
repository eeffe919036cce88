package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CodeAuthFailed is Bithumb's invalid-apikey status. Callers latch on
// it: retrying with the same credentials can never succeed.
const CodeAuthFailed = "5300"

// APIError is a Bithumb application-level error: the HTTP exchange
// succeeded but the response carried a non-success status code.
type APIError struct {
	Code    string // Bithumb status code, e.g. "5100"
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bithumb error %s: %s", e.Code, e.Message)
}

// AuthFailure reports whether the code is credential-class: bad
// request signature, unregistered member, invalid API key, or missing
// permission (5100/5200/5300/5600). These fail identically on every
// attempt until the operator fixes the keys.
func (e *APIError) AuthFailure() bool {
	switch e.Code {
	case "5100", "5200", CodeAuthFailed, "5600":
		return true
	}
	return false
}

// Retryable reports whether retrying the same request can succeed.
func (e *APIError) Retryable() bool {
	return !e.AuthFailure()
}

// retryable reports whether err is worth another attempt: transport
// errors and retryable API errors are, expired contexts and permanent
// API errors are not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// withBackoff runs fn up to three times with 1s/2s/4s pauses between
// attempts. Each attempt runs fn fresh so signed requests pick up a new
// nonce. Stops early on non-retryable errors or context expiry.
func withBackoff(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	backoff := time.Second
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == 3 {
			return err
		}

		logger.Warn("retrying exchange call", "op", op, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
