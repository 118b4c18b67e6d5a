package history

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage failure classification.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("no space left on device")
	ErrTimeout          = errors.New("operation timed out")
	ErrThrottled        = errors.New("rate limited")
	ErrAuth             = errors.New("authentication failed")
	ErrAccessDenied     = errors.New("access denied")
	ErrNetwork          = errors.New("network error")
	ErrUnclassified     = errors.New("storage error")

	// ErrNoMetricsFound is returned when no metrics record exists for the
	// workspace.
	ErrNoMetricsFound = errors.New("no metrics records found")
)

// StorageError wraps a history store failure with its classification.
// errors.Is matches both the Kind sentinel and the underlying error.
type StorageError struct {
	Kind error
	// Op is the failed operation: init, write or read.
	Op string
	// Dataset is the history dataset involved.
	Dataset string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s %s: %v: %v", e.Op, e.Dataset, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func wrapStorageError(op, dataset string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classifyError(err), Op: op, Dataset: dataset, Err: err}
}

// classifyError maps an error to a sentinel by type, then by message.
// Backends (filesystem, S3, S3-compatible) disagree on error types, so the
// message patterns cover what each reports.
func classifyError(err error) error {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "accessdenied", "forbidden", "403"):
		return ErrAccessDenied
	case containsAny(msg, "permission denied", "access denied", "eacces"):
		return ErrPermissionDenied
	case containsAny(msg, "no such file", "does not exist", "not found", "enoent", "404", "nosuchkey", "nosuchbucket"):
		return ErrNotFound
	case containsAny(msg, "no space left", "disk full", "enospc", "quota exceeded"):
		return ErrDiskFull
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "slowdown", "rate exceeded", "throttl", "429", "toomanyrequests"):
		return ErrThrottled
	case containsAny(msg, "nocredentialproviders", "credentials", "invalidaccesskeyid",
		"signaturedoesnotmatch", "expiredtoken", "401", "unauthorized"):
		return ErrAuth
	case containsAny(msg, "connection refused", "no route to host", "network unreachable", "dial tcp", "no such host"):
		return ErrNetwork
	default:
		return ErrUnclassified
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
