package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// Lifecycle errors returned by the bridge. Match with errors.Is.
var (
	// ErrBusy is returned when a query is sent while another is in flight.
	// Recoverable: retry after the pending request completes.
	ErrBusy = errors.New("worker is busy with another request")
	// ErrSessionClosed is returned for any operation after the session has
	// been terminated. Fatal for the bridge; start a new one.
	ErrSessionClosed = errors.New("session closed")
	// ErrWorkerDied reports a worker that exited outside an orderly stop.
	ErrWorkerDied = errors.New("worker died")
	// ErrInitTimeout is returned when the worker does not signal ready in time.
	ErrInitTimeout = errors.New("worker did not become ready in time")
	// ErrCancelled resolves a pending request when the bridge is stopped.
	ErrCancelled = errors.New("request cancelled")
	// ErrNotReady is returned for a query sent before the ready handshake.
	ErrNotReady = errors.New("worker is not ready")
)

// WorkerExitError describes an unexpected worker exit.
// It matches ErrWorkerDied with errors.Is.
type WorkerExitError struct {
	// ExitCode is the process exit code, or -1 when killed by a signal.
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal string
	// StderrTail holds the last lines the worker wrote to stderr.
	StderrTail string
}

func (e *WorkerExitError) Error() string {
	var b strings.Builder
	b.WriteString("worker died")
	if e.Signal != "" {
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	} else {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
		fmt.Fprintf(&b, ": %s", tail)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrWorkerDied) hold for every WorkerExitError.
func (e *WorkerExitError) Is(target error) bool {
	return target == ErrWorkerDied
}

// WorkerError is an error reported by the worker in an error frame.
type WorkerError struct {
	// RequestID is the correlation id of the failed request.
	RequestID string
	// Message is the worker's error text.
	Message string
}

func (e *WorkerError) Error() string {
	return "worker error: " + e.Message
}

// IsLifecycleError returns true if err means the bridge can no longer
// serve queries (as opposed to a single failed request).
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrWorkerDied) ||
		errors.Is(err, ErrInitTimeout)
}

// IsWorkerError returns true if err was reported by the worker.
func IsWorkerError(err error) bool {
	var workerErr *WorkerError
	return errors.As(err, &workerErr)
}

// sessionClosedError wraps ErrSessionClosed with the termination cause.
type sessionClosedError struct {
	cause error
}

func (e *sessionClosedError) Error() string {
	if e.cause == nil {
		return ErrSessionClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionClosed, e.cause)
}

func (e *sessionClosedError) Is(target error) bool {
	return target == ErrSessionClosed
}

func (e *sessionClosedError) Unwrap() error {
	return e.cause
}
