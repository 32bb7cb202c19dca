package whip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrAlreadyConnected is returned by Connect when a session is already
	// connecting or connected.
	ErrAlreadyConnected = errors.New("ingest session already active")
	// ErrNoLiveTracks is returned by Connect when the media source carries no
	// usable live track.
	ErrNoLiveTracks = errors.New("media source has no live tracks")
	// ErrTransportFailed marks an ICE or peer transport failure.
	ErrTransportFailed = errors.New("transport failed")
	// ErrConnectTimeout marks a connect attempt that never reached the
	// connected state before its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrSessionClosed marks an unexpected transport closure before the
	// session was connected.
	ErrSessionClosed = errors.New("session closed before connecting")
)

// ConnectionError carries the upstream outcome of a failed offer exchange: the
// HTTP status (zero for transport-level failures) and a truncated body snippet
// for diagnostics.
type ConnectionError struct {
	Status  int
	Snippet string
	Err     error
}

func (e *ConnectionError) Error() string {
	switch {
	case e.Status != 0 && e.Snippet != "":
		return fmt.Sprintf("whip offer rejected: status %d: %s", e.Status, e.Snippet)
	case e.Status != 0:
		return fmt.Sprintf("whip offer rejected: status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("whip connection failed: %v", e.Err)
	default:
		return "whip connection failed"
	}
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// notReadyHints are body fragments an upstream emits while a freshly created
// stream is still warming up.
var notReadyHints = []string{"not ready", "warming up", "initializing", "starting"}

func bodySuggestsNotReady(body string) bool {
	lowered := strings.ToLower(body)
	for _, hint := range notReadyHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

// retryableStatus reports whether an upstream HTTP status indicates a
// transient condition worth retrying.
func retryableStatus(status int) bool {
	switch status {
	case 404, 409, 429:
		return true
	}
	return status >= 500 && status <= 599
}

// hardRejectStatus reports statuses that must never be retried: the caller is
// not authorized or the request itself is malformed.
func hardRejectStatus(status int) bool {
	switch status {
	case 400, 401, 403, 405, 413:
		return true
	}
	return false
}

// Retryable classifies a connect failure for the reconnection orchestrator.
// Transport-level failures (ICE failure, timeouts, network errors) and
// transient upstream statuses are retryable; hard rejections are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		if connErr.Status != 0 {
			if hardRejectStatus(connErr.Status) {
				return false
			}
			return retryableStatus(connErr.Status) || bodySuggestsNotReady(connErr.Snippet)
		}
		if connErr.Err != nil {
			return Retryable(connErr.Err)
		}
		return true
	}
	if errors.Is(err, ErrTransportFailed) || errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Plain transport errors from the HTTP client (connection refused, reset)
	// arrive as url.Error wrappers without a typed cause.
	message := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "eof"} {
		if strings.Contains(message, hint) {
			return true
		}
	}
	return false
}
