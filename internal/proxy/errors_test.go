package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"fleetgate/internal/fleet"
	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"not authenticated", fleet.ErrNotAuthenticated, http.StatusUnauthorized, CodeMissingToken},
		{"duplicate", governor.ErrDuplicateRequest, http.StatusTooManyRequests, CodeRateLimited},
		{"queue full", governor.ErrQueueFull, http.StatusTooManyRequests, CodeRateLimited},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeRequestTimeout},
		{"upstream 8902", &gps51.Error{Status: 8902, Message: "throttled"}, http.StatusTooManyRequests, CodeRateLimited},
		{"upstream bad creds", &gps51.Error{Status: 1, Message: "bad credentials"}, http.StatusBadGateway, CodeInvalidRequest},
		{"dns failure", &gps51.Error{Message: "dial tcp: lookup api.gps51.com: no such host"}, http.StatusBadGateway, CodeDNSError},
		{"tls failure", &gps51.Error{Message: "x509: certificate signed by unknown authority"}, http.StatusBadGateway, CodeSSLError},
		{"plain network failure", &gps51.Error{Message: "connection refused"}, http.StatusBadGateway, CodeNetworkError},
		{"anything else", errors.New("boom"), http.StatusInternalServerError, CodeProxyProcessing},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, code := mapError(c.err)
			if status != c.wantStatus || code != c.wantCode {
				t.Errorf("mapError(%v) = %d/%s, want %d/%s", c.err, status, code, c.wantStatus, c.wantCode)
			}
		})
	}
}
