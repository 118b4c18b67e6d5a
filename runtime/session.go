package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the session lifecycle state.
//
//	Starting ──ready──▶ Ready ──acquire──▶ Busy
//	                      ▲                  │
//	                      └─────release──────┘
//	any ──terminate──▶ Terminated (absorbing)
type State int

// Session states.
const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransitionFunc observes state changes. Called with the session lock
// released, so it may call back into the session.
type TransitionFunc func(from, to State, requestID string)

// Session tracks whether the worker can accept a request.
// At most one request is in flight; Terminated is absorbing.
type Session struct {
	mu      sync.Mutex
	state   State
	pending string
	cause   error
	// changed is closed and replaced on every transition.
	changed chan struct{}

	observeMu sync.Mutex
	observer  TransitionFunc
}

// NewSession creates a session in the Starting state.
func NewSession() *Session {
	return &Session{
		state:   StateStarting,
		changed: make(chan struct{}),
	}
}

// OnTransition registers a transition observer.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.observeMu.Lock()
	s.observer = fn
	s.observeMu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the correlation id of the in-flight request, if any.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Cause returns why the session was terminated, or nil.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Changed returns a channel closed on the next state transition.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// MarkReady moves Starting to Ready. Any other state is an error.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	switch s.state {
	case StateStarting:
		s.transitionLocked(StateReady)
		s.mu.Unlock()
		s.notify(StateStarting, StateReady, "")
		return nil
	case StateTerminated:
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot mark ready from %s", state)
	}
}

// Acquire moves Ready to Busy for request id.
//
// Errors:
//   - ErrBusy: another request is in flight
//   - ErrNotReady: the worker has not signalled ready yet
//   - ErrSessionClosed: the session is terminated (wraps the cause)
func (s *Session) Acquire(id string) error {
	if id == "" {
		return errors.New("acquire requires a request id")
	}

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.pending = id
		s.transitionLocked(StateBusy)
		s.mu.Unlock()
		s.notify(StateReady, StateBusy, id)
		return nil
	case StateBusy:
		s.mu.Unlock()
		return ErrBusy
	case StateStarting:
		s.mu.Unlock()
		return ErrNotReady
	default:
		err := s.closedErrLocked()
		s.mu.Unlock()
		return err
	}
}

// Release moves Busy back to Ready if id is the in-flight request.
// Returns false (and changes nothing) otherwise.
func (s *Session) Release(id string) bool {
	s.mu.Lock()
	if s.state != StateBusy || s.pending != id {
		s.mu.Unlock()
		return false
	}
	s.pending = ""
	s.transitionLocked(StateReady)
	s.mu.Unlock()
	s.notify(StateBusy, StateReady, id)
	return true
}

// Terminate moves any state to Terminated.
// Returns the id of the request that was in flight (if any) and whether this
// call performed the transition. Later calls change nothing.
func (s *Session) Terminate(cause error) (pendingID string, terminated bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return "", false
	}
	from := s.state
	pendingID = s.pending
	s.pending = ""
	s.cause = cause
	s.transitionLocked(StateTerminated)
	s.mu.Unlock()
	s.notify(from, StateTerminated, pendingID)
	return pendingID, true
}

// WaitIdle blocks until the session is Ready.
// Returns ErrSessionClosed if the session terminates first, or the context
// error if ctx ends.
func (s *Session) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		changed := s.changed
		var closedErr error
		if state == StateTerminated {
			closedErr = s.closedErrLocked()
		}
		s.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateTerminated:
			return closedErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ClosedError returns the error reported for operations on a terminated
// session: ErrSessionClosed wrapping the termination cause.
func (s *Session) ClosedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrLocked()
}

func (s *Session) closedErrLocked() error {
	return &sessionClosedError{cause: s.cause}
}

func (s *Session) transitionLocked(to State) {
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) notify(from, to State, id string) {
	s.observeMu.Lock()
	fn := s.observer
	s.observeMu.Unlock()
	if fn != nil {
		fn(from, to, id)
	}
}
