package runtime

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/codechat/types"
)

// EventKind classifies stream events.
type EventKind int

// Stream event kinds. Every stream ends with exactly one terminal event:
// done, error, worker_died or cancelled.
const (
	EventChunk EventKind = iota
	EventDone
	EventError
	EventWorkerDied
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventWorkerDied:
		return "worker_died"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for kinds that end a stream.
func (k EventKind) IsTerminal() bool {
	return k != EventChunk
}

// Event is one item of a response stream.
type Event struct {
	Kind EventKind
	// Text is the chunk text (chunk events only).
	Text string
	// Err is set on error, worker_died and cancelled events:
	// *WorkerError, *WorkerExitError and ErrCancelled respectively.
	Err error
}

// Stream delivers the response to one query as a finite, ordered sequence of
// events. It has a single consumer. Producers never block.
type Stream struct {
	id        string
	query     string
	startedAt time.Time

	mu       sync.Mutex
	queue    []Event
	buf      strings.Builder
	chunks   int
	terminal *Event
	finished bool // terminal event handed to the consumer
	endedAt  time.Time

	notify chan struct{}
	done   chan struct{}
}

func newStream(id, query string) *Stream {
	return &Stream{
		id:        id,
		query:     query,
		startedAt: time.Now(),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the request correlation id.
func (s *Stream) ID() string { return s.id }

// Query returns the query text.
func (s *Stream) Query() string { return s.query }

// push appends an event. Returns false if the stream already ended.
func (s *Stream) push(ev Event) bool {
	s.mu.Lock()
	if s.terminal != nil {
		s.mu.Unlock()
		return false
	}
	if ev.Kind == EventChunk {
		s.buf.WriteString(ev.Text)
		s.chunks++
	} else {
		term := ev
		s.terminal = &term
		s.endedAt = time.Now()
		close(s.done)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Recv returns the next event, blocking until one is available.
// After the terminal event has been returned, Recv returns io.EOF.
func (s *Stream) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if ev.Kind.IsTerminal() {
				s.finished = true
			}
			s.mu.Unlock()
			return ev, nil
		}
		finished := s.finished
		s.mu.Unlock()

		if finished {
			return Event{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Collect waits for the stream to end and returns the full answer.
// The error is nil for done, and the terminal event's error otherwise.
// Collect consumes the stream; later Recv calls return io.EOF.
func (s *Stream) Collect(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return s.Text(), ctx.Err()
	case <-s.done:
	}

	s.mu.Lock()
	s.queue = nil
	s.finished = true
	s.mu.Unlock()

	return s.Text(), s.Err()
}

// Done is closed once the terminal event has been pushed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Text returns the answer accumulated so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Chunks returns the number of chunks received so far.
func (s *Stream) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Terminal returns the terminal event, if the stream has ended.
func (s *Stream) Terminal() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return Event{}, false
	}
	return *s.terminal, true
}

// Err returns the terminal error, or nil if the stream ended with done or has
// not ended.
func (s *Stream) Err() error {
	ev, ok := s.Terminal()
	if !ok {
		return nil
	}
	return ev.Err
}

// Exchange summarizes the ended stream for history and notifications.
// Returns false if the stream has not ended.
func (s *Stream) Exchange() (types.Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return types.Exchange{}, false
	}

	ex := types.Exchange{
		ID:        s.id,
		Query:     s.query,
		Answer:    s.buf.String(),
		Outcome:   outcomeFor(s.terminal.Kind),
		Chunks:    s.chunks,
		StartedAt: s.startedAt,
		Duration:  s.endedAt.Sub(s.startedAt),
	}
	ex.Message = outcomeMessage(s.terminal.Err)
	return ex, true
}
