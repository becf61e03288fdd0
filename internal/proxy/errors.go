package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fleetgate/internal/fleet"
	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
)

type ErrorCode string

const (
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeMissingToken    ErrorCode = "MISSING_TOKEN"
	CodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	CodeRequestTimeout  ErrorCode = "REQUEST_TIMEOUT"
	CodeNetworkError    ErrorCode = "NETWORK_ERROR"
	CodeDNSError        ErrorCode = "DNS_ERROR"
	CodeSSLError        ErrorCode = "SSL_ERROR"
	CodeProxyProcessing ErrorCode = "PROXY_PROCESSING_ERROR"
)

type errorResponse struct {
	Error    string    `json:"error"`
	Code     ErrorCode `json:"error_code"`
	Message  string    `json:"message,omitempty"`
	WaitTime float64   `json:"waitTime,omitempty"` // seconds
}

// mapError folds every failure class into an HTTP status and error_code.
// Nothing here is fatal; callers always get a structured JSON body.
func mapError(err error) (int, ErrorCode) {
	switch {
	case errors.Is(err, fleet.ErrNotAuthenticated):
		return http.StatusUnauthorized, CodeMissingToken
	case errors.Is(err, governor.ErrDuplicateRequest),
		errors.Is(err, governor.ErrQueueFull):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, governor.ErrQueueCleared),
		errors.Is(err, governor.ErrShuttingDown):
		return http.StatusServiceUnavailable, CodeProxyProcessing
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeRequestTimeout
	}

	var apiErr *gps51.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return http.StatusTooManyRequests, CodeRateLimited
		case apiErr.Status != 0:
			// Upstream answered with a non-zero status: bad credentials,
			// bad params, and so on.
			return http.StatusBadGateway, CodeInvalidRequest
		default:
			// Transport failure; pick the sharpest code the error text
			// supports.
			return http.StatusBadGateway, transportCode(apiErr.Message)
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return http.StatusGatewayTimeout, CodeRequestTimeout
	}
	return http.StatusInternalServerError, CodeProxyProcessing
}

func transportCode(msg string) ErrorCode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such host"), strings.Contains(lower, "dns"):
		return CodeDNSError
	case strings.Contains(lower, "tls"), strings.Contains(lower, "certificate"), strings.Contains(lower, "x509"):
		return CodeSSLError
	default:
		return CodeNetworkError
	}
}
