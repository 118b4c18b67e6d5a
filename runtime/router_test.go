package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/codechat/ipc"
	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/types"
)

// recordingWriter captures frames written by the router.
type recordingWriter struct {
	mu     sync.Mutex
	frames []types.Message
	err    error
}

func (w *recordingWriter) Write(msg types.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, msg)
	return nil
}

func (w *recordingWriter) last() types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("q-%d", n)
	}
}

func newReadyRouter(t *testing.T, policy SendPolicy) (*Router, *Session, *recordingWriter) {
	t.Helper()
	session := NewSession()
	if err := session.MarkReady(); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}
	w := &recordingWriter{}
	r := NewRouter(session, w, RouterOptions{
		Policy:    policy,
		Collector: metrics.NewCollector("ndjson", string(policy), "", "test"),
		NewID:     sequentialIDs(),
	})
	return r, session, w
}

func TestRouter_QueryWritesFrame(t *testing.T) {
	r, session, w := newReadyRouter(t, SendPolicyReject)

	history := []types.Turn{{Query: "a", Answer: "b"}}
	stream, err := r.Query(t.Context(), "explain utils.py", WithHistory(history))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	frame := w.last()
	if frame.Type != types.MessageTypeQuery || frame.ID != "q-1" || frame.Text != "explain utils.py" {
		t.Errorf("frame = %+v", frame)
	}
	if len(frame.History) != 1 {
		t.Errorf("History = %+v", frame.History)
	}
	if stream.ID() != "q-1" || session.Pending() != "q-1" {
		t.Errorf("stream id = %q pending = %q", stream.ID(), session.Pending())
	}
}

func TestRouter_EmptyQueryRejected(t *testing.T) {
	r, session, _ := newReadyRouter(t, SendPolicyReject)
	if _, err := r.Query(t.Context(), "   "); err == nil {
		t.Error("expected error for blank query")
	}
	if session.State() != StateReady {
		t.Errorf("blank query must not acquire the session, state = %s", session.State())
	}
}

func TestRouter_FrameSequence(t *testing.T) {
	r, session, _ := newReadyRouter(t, SendPolicyReject)

	stream, err := r.Query(t.Context(), "hi")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	for _, msg := range []types.Message{
		types.NewChunk("q-1", "Hel"),
		types.NewChunk("", "lo"),
		types.NewDone("q-1"),
	} {
		if err := r.HandleFrame(msg); err != nil {
			t.Fatalf("HandleFrame(%s) = %v", msg.Type, err)
		}
	}

	if session.State() != StateReady {
		t.Errorf("state after done = %s, want ready", session.State())
	}

	answer, err := stream.Collect(t.Context())
	if err != nil || answer != "Hello" {
		t.Errorf("Collect = %q, %v", answer, err)
	}
	if r.Pending() != nil {
		t.Error("router should drop the stream after completion")
	}
}

func TestRouter_ReleasedBeforeTerminalDelivered(t *testing.T) {
	r, session, _ := newReadyRouter(t, SendPolicyReject)

	stream, err := r.Query(t.Context(), "hi")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	stateAtTerminal := make(chan State, 1)
	go func() {
		for {
			ev, err := stream.Recv(context.Background())
			if err != nil {
				return
			}
			if ev.Kind.IsTerminal() {
				stateAtTerminal <- session.State()
				return
			}
		}
	}()

	_ = r.HandleFrame(types.NewDone(""))

	select {
	case st := <-stateAtTerminal:
		if st != StateReady {
			t.Errorf("state seen at terminal event = %s, want ready", st)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal event not delivered")
	}
}

func TestRouter_UnexpectedFrames(t *testing.T) {
	r, session, _ := newReadyRouter(t, SendPolicyReject)

	// Nothing pending.
	for _, msg := range []types.Message{types.NewChunk("", "x"), types.NewDone(""), types.NewError("", "boom")} {
		err := r.HandleFrame(msg)
		var protoErr *ipc.ProtocolError
		if !errors.As(err, &protoErr) || protoErr.Kind != ipc.ProtocolErrorUnexpected {
			t.Errorf("HandleFrame(%s) with nothing pending = %v, want unexpected", msg.Type, err)
		}
	}

	stream, err := r.Query(t.Context(), "hi")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	// Mismatched ids change nothing.
	if err := r.HandleFrame(types.NewChunk("q-999", "stale")); err == nil {
		t.Error("stale chunk should be reported")
	}
	if err := r.HandleFrame(types.NewDone("q-999")); err == nil {
		t.Error("stale done should be reported")
	}
	if session.State() != StateBusy {
		t.Errorf("stale done must not release the session, state = %s", session.State())
	}
	if stream.Text() != "" {
		t.Errorf("stale chunk leaked into stream: %q", stream.Text())
	}

	if err := r.HandleFrame(types.NewStatus("x")); err == nil {
		t.Error("router should refuse status frames")
	}
}

func TestRouter_RejectPolicy(t *testing.T) {
	r, _, _ := newReadyRouter(t, SendPolicyReject)

	if _, err := r.Query(t.Context(), "first"); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if _, err := r.Query(t.Context(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Query = %v, want ErrBusy", err)
	}
	if r.Pending().ID() != "q-1" {
		t.Errorf("pending = %q, want q-1", r.Pending().ID())
	}
	if r.collector.Snapshot().QueriesRejectedBusy != 1 {
		t.Error("rejection should be counted")
	}
}

func TestRouter_QueuePolicyOrdering(t *testing.T) {
	r, _, w := newReadyRouter(t, SendPolicyQueue)

	if _, err := r.Query(t.Context(), "first"); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	sent := make(chan string, 3)
	for i, text := range []string{"second", "third", "fourth"} {
		go func() {
			s, err := r.Query(t.Context(), text)
			if err != nil {
				t.Errorf("queued Query(%s) = %v", text, err)
				return
			}
			sent <- s.Query()
		}()
		deadline := time.Now().Add(time.Second)
		for r.Queued() != i+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	want := []string{"second", "third", "fourth"}
	for _, text := range want {
		// Complete the in-flight request; the head waiter goes next.
		_ = r.HandleFrame(types.NewDone(""))
		select {
		case got := <-sent:
			if got != text {
				t.Fatalf("sent %q, want %q", got, text)
			}
		case <-time.After(time.Second):
			t.Fatalf("%q was never sent", text)
		}
	}

	if got := w.last().Text; got != "fourth" {
		t.Errorf("last frame = %q, want fourth", got)
	}
}

func TestRouter_QueuedWaiterSeesTermination(t *testing.T) {
	r, session, _ := newReadyRouter(t, SendPolicyQueue)
	if _, err := r.Query(t.Context(), "first"); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := r.Query(t.Context(), "second")
		errs <- err
	}()
	deadline := time.Now().Add(time.Second)
	for r.Queued() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	session.Terminate(errors.New("worker exited"))
	r.resolvePending(EventWorkerDied, &WorkerExitError{ExitCode: 1})

	select {
	case err := <-errs:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("queued Query = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter not woken by termination")
	}
}

func TestRouter_WriteFailureReleasesSession(t *testing.T) {
	r, session, w := newReadyRouter(t, SendPolicyReject)
	w.err = ipc.ErrChannelClosed

	_, err := r.Query(t.Context(), "hi")
	if !errors.Is(err, ipc.ErrChannelClosed) {
		t.Fatalf("Query = %v, want ErrChannelClosed", err)
	}
	if session.State() != StateReady {
		t.Errorf("state = %s, want ready after failed write", session.State())
	}
	if r.Pending() != nil {
		t.Error("failed query must not stay pending")
	}
}

func TestRouter_ResolvePendingOnce(t *testing.T) {
	r, _, _ := newReadyRouter(t, SendPolicyReject)
	stream, err := r.Query(t.Context(), "hi")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if !r.resolvePending(EventCancelled, ErrCancelled) {
		t.Fatal("resolvePending should resolve the pending stream")
	}
	if r.resolvePending(EventWorkerDied, ErrWorkerDied) {
		t.Error("second resolvePending should find nothing")
	}

	events := 0
	for {
		ev, err := stream.Recv(t.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		events++
		if ev.Kind != EventCancelled {
			t.Errorf("event = %s, want cancelled", ev.Kind)
		}
	}
	if events != 1 {
		t.Errorf("got %d events, want exactly 1 terminal", events)
	}
}

func TestParseSendPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SendPolicy
		wantErr bool
	}{
		{"", SendPolicyReject, false},
		{"reject", SendPolicyReject, false},
		{"Queue", SendPolicyQueue, false},
		{"drop", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSendPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSendPolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}
