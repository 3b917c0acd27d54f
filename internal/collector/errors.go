package collector

import "errors"

// Error taxonomy for the instrumentation pipeline. Partial pattern
// success is not an error: callers get an installed count. Errors are
// reserved for session-unreachable conditions.
var (
	// ErrAttachFailed reports a failed spawn/attach sequence; any
	// partially created state was unwound before this surfaced.
	ErrAttachFailed = errors.New("spawn or attach failed")

	// ErrConfirmationTimeout reports a missing install/watch
	// acknowledgment. Recoverable: the collector may still finish late,
	// so callers may retry or query current state.
	ErrConfirmationTimeout = errors.New("confirmation not received in time")

	// ErrWorkerDied reports a closed script channel. All further
	// commands for that session fail fast with this error.
	ErrWorkerDied = errors.New("session worker died")

	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrShuttingDown reports a coordinator that is no longer accepting
	// commands.
	ErrShuttingDown = errors.New("coordinator shutting down")
)
