package panel

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pithecene-io/codechat/ipc"
	"github.com/pithecene-io/codechat/runtime"
	"github.com/pithecene-io/codechat/types"
)

// fakeWorker is an in-process worker speaking NDJSON over pipes.
// It announces ready after the first init and answers queries with answer.
type fakeWorker struct {
	answer func(q types.Message, send func(types.Message))

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	exited   chan struct{}
	exitOnce sync.Once

	// hold, when set, stops the read loop after the handshake until closed.
	hold chan struct{}

	mu      sync.Mutex
	inits   [][]types.FileRef
	queries []types.Message
}

func newFakeWorker(answer func(q types.Message, send func(types.Message))) *fakeWorker {
	w := &fakeWorker{answer: answer, exited: make(chan struct{})}
	w.stdinR, w.stdinW = io.Pipe()
	w.stdoutR, w.stdoutW = io.Pipe()
	w.stderrR, w.stderrW = io.Pipe()
	return w
}

// echoAnswer replies with chunks "A" and "B" then done.
func echoAnswer(q types.Message, send func(types.Message)) {
	send(types.NewChunk(q.ID, "A"))
	send(types.NewChunk(q.ID, "B"))
	send(types.NewDone(q.ID))
}

func (w *fakeWorker) factory() runtime.WorkerFactory {
	return func(*runtime.WorkerConfig) runtime.Worker { return w }
}

func (w *fakeWorker) Start(context.Context) error {
	go w.run()
	return nil
}

func (w *fakeWorker) run() {
	defer w.exit()

	codec := ipc.NDJSONCodec{}
	var mu sync.Mutex
	send := func(msg types.Message) {
		frame, err := codec.Encode(&msg)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.stdoutW.Write(frame)
	}

	reader := codec.NewReader(w.stdinR)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			return
		}
		msg, err := codec.Decode(payload)
		if err != nil {
			continue
		}
		switch msg.Type {
		case types.MessageTypeInit:
			w.mu.Lock()
			w.inits = append(w.inits, msg.Files)
			first := len(w.inits) == 1
			w.mu.Unlock()
			if first {
				send(types.NewStatus("indexing"))
				send(types.NewStatus(types.StatusReady))
				if w.hold != nil {
					<-w.hold
				}
			}
		case types.MessageTypeQuery:
			w.mu.Lock()
			w.queries = append(w.queries, *msg)
			w.mu.Unlock()
			// Answer off the read loop so held answers do not block stdin.
			go w.answer(*msg, send)
		}
	}
}

func (w *fakeWorker) exit() {
	w.exitOnce.Do(func() {
		_ = w.stdoutW.Close()
		_ = w.stderrW.Close()
		close(w.exited)
	})
}

func (w *fakeWorker) Stdin() io.WriteCloser { return w.stdinW }
func (w *fakeWorker) Stdout() io.Reader     { return w.stdoutR }
func (w *fakeWorker) Stderr() io.Reader     { return w.stderrR }

func (w *fakeWorker) Wait() (*runtime.ExitResult, error) {
	<-w.exited
	return &runtime.ExitResult{ExitCode: 0}, nil
}

func (w *fakeWorker) Kill() error {
	_ = w.stdinR.CloseWithError(errors.New("killed"))
	return nil
}

func (w *fakeWorker) Pid() int { return 4242 }

func (w *fakeWorker) initCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inits)
}

func (w *fakeWorker) lastInit() []types.FileRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inits[len(w.inits)-1]
}

func (w *fakeWorker) query(i int) types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queries[i]
}

// failingWorker cannot be spawned.
type failingWorker struct{ fakeWorker }

func (*failingWorker) Start(context.Context) error { return errors.New("exec: python3: not found") }
