package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/weather-forecast-api/internal/models"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryInvalidArgument ErrorCategory = "invalid_argument"
	ErrorCategoryRateLimited     ErrorCategory = "rate_limited"
	ErrorCategoryUpstream4xx     ErrorCategory = "upstream_4xx"
	ErrorCategoryUpstream5xx     ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing         ErrorCategory = "parsing"
	ErrorCategoryValidation      ErrorCategory = "validation"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, models.ErrInvalidArgument) {
		return ErrorCategoryInvalidArgument
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrMalformedResponse) {
		return ErrorCategoryParsing
	}
	if errors.Is(err, ErrConnection) {
		if strings.Contains(err.Error(), "timeout") {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	if errors.Is(err, models.ErrValidation) {
		return ErrorCategoryValidation
	}

	switch status := statusOf(err); {
	case status >= 500:
		return ErrorCategoryUpstream5xx
	case status >= 400:
		return ErrorCategoryUpstream4xx
	}

	return ErrorCategoryUnknown
}
