package gps51

import (
	"fmt"
	"strings"
)

// Error is a failure reported by the upstream API or the transport to it.
type Error struct {
	Status     int    // upstream status field, 0 when not present
	HTTPStatus int    // HTTP status of the response, 0 on transport failure
	Message    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gps51: status %d: %s", e.Status, e.Message)
	}
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("gps51: http %d: %s", e.HTTPStatus, e.Message)
	}
	return "gps51: " + e.Message
}

// RateLimited reports whether the error is the upstream telling us to slow
// down, either through its own 8902 status, HTTP 429, or a recognizable
// message.
func (e *Error) RateLimited() bool {
	if e.Status == StatusRateLimited || e.HTTPStatus == 429 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
