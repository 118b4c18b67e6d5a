package runtime

import (
	"errors"

	"github.com/pithecene-io/codechat/types"
)

// Exit codes for one-shot queries (codechat ask).
const (
	ExitCodeDone        = 0 // done received
	ExitCodeWorkerError = 1 // worker reported an error frame
	ExitCodeWorkerDied  = 2 // worker exited, failed to start, or missed the ready deadline
	ExitCodeUnavailable = 3 // busy, not ready, closed or cancelled
)

// ExitCodeFor maps the error from Start, Query or Stream.Collect to an exit
// code. Worker death is checked first: a session closed by a dead worker
// reports ExitCodeWorkerDied rather than ExitCodeUnavailable.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitCodeDone
	case IsWorkerError(err):
		return ExitCodeWorkerError
	case errors.Is(err, ErrWorkerDied), errors.Is(err, ErrInitTimeout):
		return ExitCodeWorkerDied
	default:
		return ExitCodeUnavailable
	}
}

// outcomeFor maps a terminal event kind to an exchange outcome.
func outcomeFor(kind EventKind) types.ExchangeOutcome {
	switch kind {
	case EventDone:
		return types.OutcomeDone
	case EventError:
		return types.OutcomeError
	case EventWorkerDied:
		return types.OutcomeWorkerDied
	default:
		return types.OutcomeCancelled
	}
}

// outcomeMessage extracts the human-readable reason from a terminal error.
// Worker-reported errors keep the worker's own text.
func outcomeMessage(err error) string {
	if err == nil {
		return ""
	}
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		return workerErr.Message
	}
	return err.Error()
}
