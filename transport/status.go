package transport

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/opd-ai/securelink/faults"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1024 * 1024

// mapStatus converts a non-2xx HTTP status into the matching fault
// type: 401/403 route to token refresh, other 4xx are caller mistakes
// surfaced verbatim, 5xx are retryable backend failures.
func mapStatus(op string, statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &faults.AuthError{
			Op:         op,
			StatusCode: statusCode,
			Reason:     "access token rejected",
		}
	case statusCode >= 500:
		return &faults.ServerError{Op: op, StatusCode: statusCode, Body: string(body)}
	case statusCode >= 400:
		return &faults.ValidationError{Op: op, StatusCode: statusCode, Message: string(body)}
	default:
		return nil
	}
}

// isTimeout reports whether a transport error was a deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
