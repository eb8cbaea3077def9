package feed

import (
	"context"
	"errors"
	"strings"

	"linx/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics and logs.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryRejected    ErrorCategory = "rejected"
	ErrorCategoryBreakerOpen ErrorCategory = "breaker_open"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryEmptyFeed   ErrorCategory = "empty_feed"
	ErrorCategoryCache       ErrorCategory = "cache"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrorCategoryBreakerOpen
	}

	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}

	if errors.Is(err, ErrFeedRejected) {
		return ErrorCategoryRejected
	}

	if errors.Is(err, ErrMalformedFeed) {
		return ErrorCategoryParsing
	}

	if errors.Is(err, ErrEmptyFeed) {
		return ErrorCategoryEmptyFeed
	}

	errStr := err.Error()
	if errors.Is(err, ErrFeedUnavailable) {
		if strings.Contains(errStr, "timeout") {
			return ErrorCategoryTimeout
		}
		if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") ||
			strings.Contains(errStr, "no such host") {
			return ErrorCategoryNetwork
		}
		return ErrorCategoryUpstream5xx
	}

	if strings.Contains(errStr, "cache") {
		return ErrorCategoryCache
	}

	return ErrorCategoryUnknown
}
