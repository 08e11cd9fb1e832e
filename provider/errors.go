package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CallError is the classified outcome of a failed provider call. A response
// is classified exactly once, where it is read; everything downstream
// branches on the tags and never re-inspects status codes.
type CallError struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter time.Duration

	// Retryable marks transient failures worth another attempt.
	Retryable bool
	// Reauth marks credential failures that no retry can fix.
	Reauth bool
	// Quota marks exhaustion the provider asks us to back off from for a
	// provider-chosen duration rather than our own schedule.
	Quota bool

	cause error
}

func (e *CallError) Error() string {
	var b strings.Builder

	b.WriteString(e.Provider)
	b.WriteString(": ")

	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.cause != nil {
		b.WriteString(e.cause.Error())
	} else {
		b.WriteString("call failed")
	}

	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}

	return b.String()
}

func (e *CallError) Unwrap() error {
	return e.cause
}

// Classify wraps an arbitrary call error into a CallError. Errors that are
// already classified pass through unchanged. Network-level failures come out
// retryable; a cancelled context does not, so cancellation stops a sync
// instead of being retried.
func Classify(provider string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}

	out := &CallError{Provider: provider, cause: err}

	switch {
	case errors.Is(err, context.Canceled):
		out.Message = "call cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		out.Message = "call timed out"
		out.Retryable = true
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			out.Retryable = true
		}
	}

	return out
}

// FromResponse classifies a non-2xx provider response. The body is passed in
// because the caller has already drained it.
func FromResponse(provider string, resp *http.Response, body []byte) *CallError {
	ce := &CallError{
		Provider:   provider,
		Status:     resp.StatusCode,
		Message:    errorMessage(body, resp.Status),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		ce.Reauth = true
	case resp.StatusCode == http.StatusTooManyRequests:
		ce.Retryable = true
		ce.Quota = quotaExhausted(body)
	case resp.StatusCode == http.StatusForbidden && rateLimited(body):
		ce.Retryable = true
		ce.Quota = quotaExhausted(body)
	case resp.StatusCode >= 500:
		ce.Retryable = true
	}

	return ce
}

// rateLimited reports whether a 403 body is really a rate-limit response in
// disguise, which several providers send instead of a 429.
func rateLimited(body []byte) bool {
	s := strings.ToLower(string(body))

	return strings.Contains(s, "ratelimitexceeded") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "quota")
}

// quotaExhausted reports whether the body names a depleted quota pool rather
// than plain per-second throttling.
func quotaExhausted(body []byte) bool {
	s := strings.ToLower(string(body))

	return strings.Contains(s, "dailylimitexceeded") ||
		strings.Contains(s, "quotaexceeded") ||
		strings.Contains(s, "quota exceeded")
}

func errorMessage(body []byte, fallback string) string {
	const maxLen = 256

	s := strings.TrimSpace(string(body))
	if s == "" {
		return fallback
	}

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	return s
}

// parseRetryAfter handles both forms the header allows: delay seconds and an
// absolute HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}
