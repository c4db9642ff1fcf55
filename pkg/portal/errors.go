package portal

import "errors"

// Operation-level outcomes callers need to tell apart. Per-device failures
// are not operation errors; they are reported inline on each
// AcquiredUsbDevice.
var (
	// ErrCancelled indicates the request was cancelled, either locally by the
	// caller or by the user dismissing the broker's dialog.
	ErrCancelled = errors.New("portal: request cancelled")

	// ErrRequestFailed indicates the broker answered the request with a
	// non-success, non-cancellation status.
	ErrRequestFailed = errors.New("portal: request failed")

	// ErrSessionClosed indicates an operation on a session that was already
	// closed.
	ErrSessionClosed = errors.New("portal: session closed")
)
