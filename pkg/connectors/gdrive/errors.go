package gdrive

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// Sentinel errors returned by the client after classifying provider failures.
var (
	// ErrNotFound indicates the remote object vanished. Mid-walk this is not
	// an error condition: the branch of work simply ends.
	ErrNotFound = errors.New("gdrive: object not found")

	// ErrAuthRevoked indicates the token or permission backing the connector
	// was revoked. Retrying cannot succeed without external re-authorization.
	ErrAuthRevoked = errors.New("gdrive: authorization revoked")

	// ErrInvalidChange indicates a change-feed entry violated the provider's
	// API contract (required fields missing). Surfaced loudly, never swallowed.
	ErrInvalidChange = errors.New("gdrive: malformed change entry")
)

// classify maps a raw provider error onto the sentinel taxonomy. Errors that
// fall into no class are returned unchanged and treated as transient by
// IsTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusGone:
			return errors.Join(ErrNotFound, err)
		case http.StatusUnauthorized:
			return errors.Join(ErrAuthRevoked, err)
		case http.StatusForbidden:
			// 403 covers both revoked access and rate limiting; rate limit
			// reasons must stay retryable.
			if isRateLimitError(apiErr) {
				return err
			}
			return errors.Join(ErrAuthRevoked, err)
		}
	}

	return err
}

func isRateLimitError(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}

// IsNotFound reports whether err means the remote object no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthError reports whether err is a revoked-authorization failure,
// connector-fatal for the affected drive.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRevoked)
}

// IsTransient reports whether err is worth retrying: rate limits, 5xx,
// network failures and timeouts. Auth and not-found errors are never
// transient.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) || IsAuthError(err) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests {
			return true
		}
		if apiErr.Code == http.StatusForbidden {
			return isRateLimitError(apiErr)
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "timeout", "temporarily unavailable", "bad gateway"} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}

	return false
}
