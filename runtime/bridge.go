package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/codechat/ipc"
	"github.com/pithecene-io/codechat/log"
	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/types"
)

// Bridge defaults.
const (
	DefaultReadyTimeout    = 60 * time.Second
	DefaultStopGrace       = 2 * time.Second
	DefaultStderrTailLines = 20
)

// errStopped is the termination cause recorded by Stop.
var errStopped = errors.New("bridge stopped")

// Config configures a Bridge.
type Config struct {
	// Worker describes the subprocess to spawn.
	Worker WorkerConfig
	// Framing selects the frame codec (default ndjson).
	Framing ipc.Framing
	// ReadyTimeout bounds the wait for status{ready} after init
	// (default DefaultReadyTimeout).
	ReadyTimeout time.Duration
	// StopGrace is how long Stop waits for the worker to exit after closing
	// its stdin before killing it (default DefaultStopGrace).
	StopGrace time.Duration
	// SendPolicy decides what happens to queries sent while Busy
	// (default SendPolicyReject).
	SendPolicy SendPolicy
	// SessionID identifies the session in logs (default: random uuid).
	SessionID string
	// StderrTailLines is how many stderr lines are kept for exit errors
	// (default DefaultStderrTailLines).
	StderrTailLines int
	// Logger receives bridge diagnostics. Nil discards.
	Logger *log.Logger
	// Collector records bridge metrics. Nil disables.
	Collector *metrics.Collector
	// WorkerFactory overrides worker creation (for testing).
	// If nil, uses NewWorkerProcess.
	WorkerFactory WorkerFactory
	// OnStatus receives non-ready status texts (progress messages).
	// Called from the read loop; must not block.
	OnStatus func(text string)
}

// Bridge supervises one worker subprocess and exposes a request/response API
// over its framed stdio.
//
// Lifecycle: NewBridge → Start → Query* → Stop. A bridge is single-use; once
// its session is Terminated every operation fails with ErrSessionClosed.
type Bridge struct {
	config    Config
	codec     ipc.Codec
	logger    *log.Logger
	collector *metrics.Collector
	session   *Session
	router    *Router
	stderr    *tailBuffer

	mu       sync.Mutex
	started  bool
	stopping bool
	worker   Worker
	channel  *ipc.Channel

	readyOnce sync.Once
	ready     chan struct{}

	exitOnce   sync.Once
	exited     chan struct{}
	exitResult *ExitResult
	exitErr    error

	stopOnce sync.Once
}

// NewBridge validates config and creates a bridge in the Starting state.
func NewBridge(config Config) (*Bridge, error) {
	if config.Worker.Command == "" {
		return nil, errors.New("worker command is required")
	}
	codec, err := ipc.NewCodec(config.Framing)
	if err != nil {
		return nil, err
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.StopGrace <= 0 {
		config.StopGrace = DefaultStopGrace
	}
	if config.StderrTailLines <= 0 {
		config.StderrTailLines = DefaultStderrTailLines
	}
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	if config.WorkerFactory == nil {
		config.WorkerFactory = NewWorkerProcess
	}
	if config.OnStatus == nil {
		config.OnStatus = func(string) {}
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	b := &Bridge{
		config:    config,
		codec:     codec,
		logger:    logger,
		collector: config.Collector,
		session:   NewSession(),
		stderr:    newTailBuffer(config.StderrTailLines),
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
	}
	b.router = NewRouter(b.session, frameWriterFunc(b.send), RouterOptions{
		Policy:    config.SendPolicy,
		Logger:    logger,
		Collector: config.Collector,
	})
	b.session.OnTransition(func(from, to State, id string) {
		b.logger.Debug("session transition", map[string]any{
			"from":       from.String(),
			"to":         to.String(),
			"request_id": id,
		})
	})
	return b, nil
}

type frameWriterFunc func(types.Message) error

func (f frameWriterFunc) Write(msg types.Message) error { return f(msg) }

// SessionID returns the session identifier.
func (b *Bridge) SessionID() string {
	return b.config.SessionID
}

// State returns the session state.
func (b *Bridge) State() State {
	return b.session.State()
}

// Policy returns the send policy in effect.
func (b *Bridge) Policy() SendPolicy {
	return b.router.Policy()
}

// Start spawns the worker, sends init with the workspace snapshot and waits
// for the worker's ready signal.
//
// Errors (the session is Terminated in every case):
//   - ErrWorkerDied: spawn failed, or the worker exited before ready
//   - ErrInitTimeout: no ready within ReadyTimeout; the worker is killed and reaped
//   - ErrSessionClosed: Stop was called first
//   - context error: ctx ended first; the worker is killed and reaped
func (b *Bridge) Start(ctx context.Context, files []types.FileRef) error {
	// Stop marks the bridge started, so a terminated session is checked first.
	if b.session.State() == StateTerminated {
		b.markExited(nil, nil)
		return b.session.ClosedError()
	}

	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	worker := b.config.WorkerFactory(&b.config.Worker)
	if err := worker.Start(ctx); err != nil {
		b.collector.IncWorkerStartFailure()
		startErr := fmt.Errorf("%w: spawn %s: %w", ErrWorkerDied, b.config.Worker.Name(), err)
		b.session.Terminate(startErr)
		b.markExited(nil, startErr)
		b.logger.Error("failed to start worker", map[string]any{
			"command": b.config.Worker.Command,
			"error":   err.Error(),
		})
		return startErr
	}

	channel := ipc.NewChannel(worker.Stdout(), worker.Stdin(), b.codec)
	channel.OnFrame(b.handleFrame)
	channel.OnError(b.handleProtocolError)

	b.mu.Lock()
	b.worker = worker
	b.channel = channel
	stopping := b.stopping
	b.mu.Unlock()

	b.collector.IncWorkerStarted()
	b.logger.Info("worker started", map[string]any{
		"pid":     worker.Pid(),
		"framing": string(b.codec.Framing()),
		"files":   len(files),
	})

	stderrDone := make(chan struct{})
	go b.drainStderr(worker.Stderr(), stderrDone)
	// The read loop must outlive Start's ctx; it ends at worker EOF.
	go func() { _ = channel.Run(context.WithoutCancel(ctx)) }()
	go b.monitor(worker, channel, stderrDone)

	if stopping {
		// Stop ran while the worker was being spawned and is waiting for it
		// to exit.
		_ = worker.Kill()
	}

	if err := channel.Write(types.NewInit(files)); err != nil {
		b.logger.Warn("failed to send init", map[string]any{"error": err.Error()})
		// The worker is gone or going; the exit branch below reports it.
	}

	timer := time.NewTimer(b.config.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-b.ready:
		return nil

	case <-b.exited:
		b.collector.IncWorkerStartFailure()
		if b.stoppedByOwner() {
			return b.session.ClosedError()
		}
		return fmt.Errorf("worker exited before ready: %w", b.ExitErr())

	case <-timer.C:
		b.collector.IncInitTimeout()
		b.session.Terminate(ErrInitTimeout)
		b.logger.Error("worker did not become ready", map[string]any{
			"timeout": b.config.ReadyTimeout.String(),
		})
		b.killAndReap()
		return ErrInitTimeout

	case <-ctx.Done():
		b.session.Terminate(ctx.Err())
		b.killAndReap()
		return ctx.Err()
	}
}

// Query sends a query to the worker. See Router.Query.
func (b *Bridge) Query(ctx context.Context, text string, opts ...QueryOption) (*Stream, error) {
	return b.router.Query(ctx, text, opts...)
}

// UpdateFiles sends a fresh workspace snapshot while the session is Ready.
// The session is held Busy while the init frame is written so no query
// interleaves with it.
func (b *Bridge) UpdateFiles(_ context.Context, files []types.FileRef) error {
	id := "refresh-" + uuid.NewString()
	if err := b.session.Acquire(id); err != nil {
		return err
	}
	defer b.session.Release(id)

	if err := b.send(types.NewInit(files)); err != nil {
		return fmt.Errorf("send file refresh: %w", err)
	}
	b.collector.IncFileRefresh()
	b.logger.Info("workspace snapshot refreshed", map[string]any{"files": len(files)})
	return nil
}

// Stop terminates the session, cancels the pending request and shuts the
// worker down: stdin is closed, and the worker is killed if it has not
// exited within StopGrace (or when ctx ends). Safe to call more than once
// and before Start.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopping = true
		worker := b.worker
		channel := b.channel
		neverStarted := !b.started
		b.started = true
		b.mu.Unlock()

		b.session.Terminate(errStopped)
		b.router.resolvePending(EventCancelled, ErrCancelled)

		if worker == nil {
			if neverStarted {
				b.markExited(nil, nil)
			}
			<-b.exited
			return
		}

		if err := channel.CloseWrite(); err != nil {
			b.logger.Debug("closing worker stdin failed", map[string]any{"error": err.Error()})
		}

		timer := time.NewTimer(b.config.StopGrace)
		defer timer.Stop()

		select {
		case <-b.exited:
			return
		case <-timer.C:
			b.logger.Warn("worker did not exit after stdin closed, killing", map[string]any{
				"grace": b.config.StopGrace.String(),
			})
		case <-ctx.Done():
		}
		b.killAndReap()
		b.logger.Info("bridge stopped", nil)
	})
	return nil
}

// Exited is closed once the worker has exited and been reaped (or could not
// be spawned).
func (b *Bridge) Exited() <-chan struct{} {
	return b.exited
}

// ExitResult returns how the worker exited, or nil if it has not exited or
// never started.
func (b *Bridge) ExitResult() *ExitResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitResult
}

// ExitErr returns the worker exit error (a *WorkerExitError), the spawn
// error, or nil.
func (b *Bridge) ExitErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

// StderrTail returns the last lines the worker wrote to stderr.
func (b *Bridge) StderrTail() string {
	return b.stderr.String()
}

func (b *Bridge) send(msg types.Message) error {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return ipc.ErrChannelClosed
	}
	return channel.Write(msg)
}

func (b *Bridge) stoppedByOwner() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

func (b *Bridge) killAndReap() {
	b.mu.Lock()
	worker := b.worker
	b.mu.Unlock()
	if worker != nil {
		if err := worker.Kill(); err != nil {
			b.logger.Warn("failed to kill worker", map[string]any{"error": err.Error()})
		}
	}
	<-b.exited
}

func (b *Bridge) markExited(result *ExitResult, err error) {
	b.exitOnce.Do(func() {
		b.mu.Lock()
		b.exitResult = result
		b.exitErr = err
		b.mu.Unlock()
		close(b.exited)
	})
}

// monitor reaps the worker once its output ends and resolves the session.
func (b *Bridge) monitor(worker Worker, channel *ipc.Channel, stderrDone <-chan struct{}) {
	// Finish reading stdout before Wait: Wait closes the pipes.
	<-channel.Done()
	if err := channel.Err(); err != nil {
		b.logger.Error("worker output unreadable, killing worker", map[string]any{"error": err.Error()})
		_ = worker.Kill()
	}
	<-stderrDone

	result, waitErr := worker.Wait()
	if waitErr != nil {
		b.logger.Error("worker wait failed", map[string]any{"error": waitErr.Error()})
		result = &ExitResult{ExitCode: -1}
	}

	exitErr := &WorkerExitError{
		ExitCode:   result.ExitCode,
		Signal:     result.Signal,
		StderrTail: b.stderr.String(),
	}

	if _, first := b.session.Terminate(exitErr); first {
		// Neither Stop nor Start ended the session: the worker died on its own.
		b.collector.IncWorkerDeath()
		b.router.resolvePending(EventWorkerDied, exitErr)
		b.logger.Error("worker exited unexpectedly", map[string]any{
			"exit_code": result.ExitCode,
			"signal":    result.Signal,
		})
	} else {
		b.logger.Info("worker exited", map[string]any{
			"exit_code": result.ExitCode,
			"signal":    result.Signal,
		})
	}

	_ = channel.CloseWrite()
	b.markExited(result, exitErr)
}

// handleFrame dispatches one worker frame. Called from the read loop.
func (b *Bridge) handleFrame(msg types.Message) {
	switch msg.Type {
	case types.MessageTypeStatus:
		if msg.IsReady() {
			b.handleReady()
			return
		}
		b.logger.Debug("worker status", map[string]any{"text": msg.Text})
		b.config.OnStatus(msg.Text)

	case types.MessageTypeInit, types.MessageTypeQuery:
		b.handleProtocolError(ipc.NewUnexpectedFrameError(
			fmt.Sprintf("worker sent host-direction %s frame", msg.Type)))

	case types.MessageTypeError:
		if b.session.State() == StateStarting {
			// Startup errors are reported but do not end the handshake; the
			// ready timeout or the worker's exit does.
			b.logger.Warn("worker reported error during startup", map[string]any{
				"message": msg.Message,
			})
			return
		}
		b.route(msg)

	default:
		b.route(msg)
	}
}

func (b *Bridge) route(msg types.Message) {
	if err := b.router.HandleFrame(msg); err != nil {
		b.handleProtocolError(err)
	}
}

func (b *Bridge) handleReady() {
	err := b.session.MarkReady()
	switch {
	case err == nil:
		b.readyOnce.Do(func() { close(b.ready) })
		b.logger.Info("worker ready", nil)
	case b.session.State() == StateTerminated:
		// Ready after timeout or stop: nothing to do.
	default:
		// Re-announced readiness (e.g. after a file refresh).
		b.logger.Debug("worker re-signalled ready", map[string]any{
			"state": b.session.State().String(),
		})
	}
}

// handleProtocolError logs and counts a malformed or unexpected frame.
func (b *Bridge) handleProtocolError(err error) {
	kind := "unknown"
	fields := map[string]any{"error": err.Error()}

	var protoErr *ipc.ProtocolError
	if errors.As(err, &protoErr) {
		kind = protoErr.Kind.String()
		if len(protoErr.Raw) > 0 {
			fields["raw"] = string(protoErr.Raw)
		}
	}
	fields["kind"] = kind

	b.collector.IncProtocolError(kind)
	b.logger.Warn("protocol error", fields)
}

// drainStderr logs worker stderr lines at debug level and keeps a tail.
func (b *Bridge) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.stderr.add(line)
		b.logger.Debug("worker stderr", map[string]any{"line": line})
	}
	// Keep draining on scanner failure (overlong line) so the worker never
	// blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
