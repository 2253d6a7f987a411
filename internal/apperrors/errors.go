// Package apperrors provides common static errors and error classification
// used throughout the application.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// HTTPError represents an HTTP error with a status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(statusCode int, body string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Body: body}
}

// Common static errors used throughout the application.
var (
	// ErrDriveTokenRequired is returned when a Drive API token is required but not provided.
	ErrDriveTokenRequired = errors.New("drive token required (--drive-token or DFY_DRIVE_TOKEN env var)")

	// ErrDriveFolderRequired is returned when no Drive folder ID is configured.
	ErrDriveFolderRequired = errors.New("drive folder required (--folder or DFY_DRIVE_FOLDER env var)")

	// ErrDifyNotConfigured is returned when the Dify API URL, key, or dataset is missing.
	ErrDifyNotConfigured = errors.New("dify not configured (set DFY_API_URL, DFY_API_KEY and DFY_DATASET)")

	// ErrMaxAttemptsExceeded is returned when the retry budget for an item step is exhausted.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrStoreUnavailable is returned when the metadata store cannot be read or written.
	// The orchestrator treats it as fatal for the current cycle.
	ErrStoreUnavailable = errors.New("metadata store unavailable")

	// ErrSnapshotUnavailable is returned when the remote tree cannot be listed.
	// The cycle is aborted without any store mutation.
	ErrSnapshotUnavailable = errors.New("remote snapshot unavailable")

	// ErrDocumentNotFound is returned when a sink document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrRemoteNotConfigured is returned when an archive git operation is attempted
	// without a remote configured.
	ErrRemoteNotConfigured = errors.New("no archive remote configured (set DFY_GIT_URL)")

	// ErrHTTPSPasswordRequired is returned when an HTTPS git URL is used without DFY_GIT_PASS.
	ErrHTTPSPasswordRequired = errors.New("DFY_GIT_PASS required for HTTPS URLs")

	// ErrInvalidRemovalPolicy is returned for removal policies other than "sink" or "local".
	ErrInvalidRemovalPolicy = errors.New(`removal policy must be "sink" or "local"`)

	// ErrCheckFailed is returned when one or more connectivity checks fail.
	ErrCheckFailed = errors.New("connectivity check failed")
)

// IsTransient reports whether err is worth retrying: rate limits, server-side
// failures, and network timeouts. Auth, permission, and not-found errors are
// permanent and must fail the item immediately. Context cancellation is never
// transient; it has to propagate.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return true
		case httpErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection-level failures (refused, reset, DNS) surface as *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
