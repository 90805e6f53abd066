package tracker

import (
	"context"
	"errors"
	"strings"

	"github.com/onnwee/streamwatch/discord"
	"github.com/onnwee/streamwatch/holodex"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	if ec == ErrorClassFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifyError sorts dispatch and poll failures into retryable vs fatal.
// Typed client errors are authoritative; anything else falls back to
// substring matching. Unknown errors are treated as retryable so we do not
// give up too early; the bounded attempt count caps the damage.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}

	var dErr *discord.APIError
	if errors.As(err, &dErr) {
		if dErr.IsTransient() {
			return ErrorClassRetryable
		}
		return ErrorClassFatal
	}
	var rlErr *holodex.RateLimitError
	if errors.As(err, &rlErr) {
		return ErrorClassRetryable
	}
	var hErr *holodex.APIError
	if errors.As(err, &hErr) {
		if hErr.IsTransient() {
			return ErrorClassRetryable
		}
		return ErrorClassFatal
	}

	lower := strings.ToLower(err.Error())

	// Permanent: authorization and missing-resource failures.
	fatalPatterns := []string{
		"401", "403", "404",
		"unauthorized",
		"permission",
		"access denied",
		"unknown channel",
		"unknown guild",
		"not found",
		"deleted",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyError(err) == ErrorClassRetryable
}
