package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/codechat/ipc"
	"github.com/pithecene-io/codechat/log"
	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/types"
)

// SendPolicy decides what happens to a query sent while another is in flight.
type SendPolicy string

// Send policies.
const (
	// SendPolicyReject fails the query immediately with ErrBusy.
	SendPolicyReject SendPolicy = "reject"
	// SendPolicyQueue makes the caller wait, in arrival order, until the
	// session is Ready or the caller's context ends.
	SendPolicyQueue SendPolicy = "queue"
)

// ParseSendPolicy parses a send policy name. Empty selects reject.
func ParseSendPolicy(s string) (SendPolicy, error) {
	switch SendPolicy(strings.ToLower(s)) {
	case "", SendPolicyReject:
		return SendPolicyReject, nil
	case SendPolicyQueue:
		return SendPolicyQueue, nil
	default:
		return "", fmt.Errorf("invalid send policy: %q (must be reject or queue)", s)
	}
}

// FrameWriter writes one frame to the worker.
type FrameWriter interface {
	Write(msg types.Message) error
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	history []types.Turn
}

// WithHistory attaches prior turns to the query.
func WithHistory(turns []types.Turn) QueryOption {
	return func(o *queryOptions) {
		o.history = turns
	}
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Policy is the send policy (default SendPolicyReject).
	Policy SendPolicy
	// Logger receives routing diagnostics. Nil discards.
	Logger *log.Logger
	// Collector records query metrics. Nil disables.
	Collector *metrics.Collector
	// NewID generates correlation ids (default uuid v4).
	NewID func() string
}

type waiter struct {
	id string
}

// Router correlates worker frames with the single in-flight request.
type Router struct {
	session   *Session
	writer    FrameWriter
	policy    SendPolicy
	logger    *log.Logger
	collector *metrics.Collector
	newID     func() string

	mu      sync.Mutex
	pending *Stream
	// waiters holds queued callers in arrival order (SendPolicyQueue only).
	waiters []*waiter
	// wake is closed and replaced whenever the waiter queue changes.
	wake chan struct{}
}

// NewRouter creates a router over a session and frame writer.
func NewRouter(session *Session, writer FrameWriter, opts RouterOptions) *Router {
	if opts.Policy == "" {
		opts.Policy = SendPolicyReject
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Router{
		session:   session,
		writer:    writer,
		policy:    opts.Policy,
		logger:    opts.Logger,
		collector: opts.Collector,
		newID:     opts.NewID,
		wake:      make(chan struct{}),
	}
}

// Policy returns the router's send policy.
func (r *Router) Policy() SendPolicy {
	return r.policy
}

// Query sends a query and returns the stream its response arrives on.
//
// Errors:
//   - ErrBusy: a request is in flight (SendPolicyReject)
//   - ErrNotReady: the worker has not signalled ready (SendPolicyReject)
//   - ErrSessionClosed: the session is terminated
//   - context error: ctx ended while queued (SendPolicyQueue)
//   - ipc.ErrChannelClosed: the query frame could not be written
func (r *Router) Query(ctx context.Context, text string, opts ...QueryOption) (*Stream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("query text is empty")
	}

	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := r.newID()

	var err error
	if r.policy == SendPolicyQueue {
		err = r.acquireQueued(ctx, id)
	} else {
		err = r.session.Acquire(id)
	}
	if err != nil {
		if errors.Is(err, ErrBusy) {
			r.collector.IncQueryRejectedBusy()
		}
		return nil, err
	}

	stream := newStream(id, text)
	r.mu.Lock()
	r.pending = stream
	r.mu.Unlock()

	// The session may have terminated between Acquire and publishing the
	// stream, in which case nobody else will resolve it.
	if r.session.Pending() != id {
		r.mu.Lock()
		if r.pending == stream {
			r.pending = nil
		}
		r.mu.Unlock()
		return nil, r.session.ClosedError()
	}

	if err := r.writer.Write(types.NewQuery(id, text, o.history)); err != nil {
		r.mu.Lock()
		if r.pending == stream {
			r.pending = nil
		}
		r.mu.Unlock()
		r.session.Release(id)
		if r.session.State() == StateTerminated {
			return nil, r.session.ClosedError()
		}
		return nil, fmt.Errorf("send query: %w", err)
	}

	r.collector.IncQueryStarted()
	r.logger.Debug("query sent", map[string]any{
		"request_id": id,
		"history":    len(o.history),
	})
	return stream, nil
}

// acquireQueued waits its turn in the arrival queue, then acquires the session.
func (r *Router) acquireQueued(ctx context.Context, id string) error {
	me := &waiter{id: id}
	r.mu.Lock()
	r.waiters = append(r.waiters, me)
	r.mu.Unlock()
	defer r.removeWaiter(me)

	for {
		// Take both wakeup channels before checking, so a transition between
		// the check and the select is not missed.
		changed := r.session.Changed()
		r.mu.Lock()
		wake := r.wake
		head := r.waiters[0] == me
		r.mu.Unlock()

		if head {
			err := r.session.Acquire(id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNotReady) {
				return err
			}
		} else if r.session.State() == StateTerminated {
			return r.session.ClosedError()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-wake:
		}
	}
}

func (r *Router) removeWaiter(me *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w == me {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			break
		}
	}
	close(r.wake)
	r.wake = make(chan struct{})
}

// Queued returns the number of callers waiting under SendPolicyQueue.
func (r *Router) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Pending returns the in-flight stream, or nil.
func (r *Router) Pending() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// HandleFrame routes a chunk, done or error frame to the pending stream.
// Returns a *ipc.ProtocolError for frames that do not fit the exchange;
// such frames change nothing.
func (r *Router) HandleFrame(msg types.Message) error {
	switch msg.Type {
	case types.MessageTypeChunk:
		r.mu.Lock()
		stream := r.pending
		r.mu.Unlock()

		if err := matchPending(stream, msg); err != nil {
			return err
		}
		if stream.push(Event{Kind: EventChunk, Text: msg.Text}) {
			r.collector.IncChunk()
		}
		return nil

	case types.MessageTypeDone, types.MessageTypeError:
		r.mu.Lock()
		stream := r.pending
		if err := matchPending(stream, msg); err != nil {
			r.mu.Unlock()
			return err
		}
		r.pending = nil
		r.mu.Unlock()

		// Release first so State() is Ready by the time the consumer sees
		// the terminal event.
		r.session.Release(stream.id)

		if msg.Type == types.MessageTypeDone {
			stream.push(Event{Kind: EventDone})
			r.collector.IncQueryCompleted()
			r.logger.Debug("query completed", map[string]any{
				"request_id": stream.id,
				"chunks":     stream.Chunks(),
			})
		} else {
			stream.push(Event{Kind: EventError, Err: &WorkerError{RequestID: stream.id, Message: msg.Message}})
			r.collector.IncQueryFailed()
			r.logger.Warn("worker reported error", map[string]any{
				"request_id": stream.id,
				"message":    msg.Message,
			})
		}
		return nil

	default:
		return ipc.NewUnexpectedFrameError(fmt.Sprintf("router cannot handle %s frame", msg.Type))
	}
}

// matchPending checks that msg belongs to the in-flight request.
// An absent id is accepted for the in-flight request.
func matchPending(stream *Stream, msg types.Message) error {
	if stream == nil {
		return ipc.NewUnexpectedFrameError(fmt.Sprintf("%s frame with no pending request", msg.Type))
	}
	if msg.ID != "" && msg.ID != stream.id {
		return ipc.NewUnexpectedFrameError(fmt.Sprintf("%s frame for %q does not match pending request %q", msg.Type, msg.ID, stream.id))
	}
	return nil
}

// resolvePending ends the in-flight stream with a terminal event that did not
// come from the worker (worker_died or cancelled). Returns false if nothing
// was pending.
func (r *Router) resolvePending(kind EventKind, err error) bool {
	r.mu.Lock()
	stream := r.pending
	r.pending = nil
	r.mu.Unlock()

	if stream == nil {
		return false
	}
	if !stream.push(Event{Kind: kind, Err: err}) {
		return false
	}

	switch kind {
	case EventCancelled:
		r.collector.IncQueryCancelled()
	default:
		r.collector.IncQueryFailed()
	}
	r.logger.Debug("pending query resolved", map[string]any{
		"request_id": stream.id,
		"event":      kind.String(),
	})
	return true
}
