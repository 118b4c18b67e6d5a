// Package panel drives a chat panel from a worker bridge.
//
// The panel speaks a small JSON vocabulary. It receives commands
//
//	{"command": "query", "text": "..."}
//
// and is sent events
//
//	{"type": "ready"|"processing"|"stream"|"streamComplete"|"error", "content": "..."}
//
// A Controller owns one bridge session: it snapshots the workspace, starts the
// worker, attaches recent history to each query, records finished exchanges
// and refreshes the worker's files when the workspace changes.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/codechat/adapter"
	"github.com/pithecene-io/codechat/history"
	"github.com/pithecene-io/codechat/log"
	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/runtime"
	"github.com/pithecene-io/codechat/types"
	"github.com/pithecene-io/codechat/workspace"
)

// EventType tags events sent to the panel.
type EventType string

// Panel event types.
const (
	EventReady          EventType = "ready"
	EventProcessing     EventType = "processing"
	EventStream         EventType = "stream"
	EventStreamComplete EventType = "streamComplete"
	EventError          EventType = "error"
)

// Event is one message to the panel. Processing events with content carry
// worker status text such as indexing progress.
type Event struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
}

// CommandQuery asks the worker a question.
const CommandQuery = "query"

// Command is one message from the panel.
type Command struct {
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

// DecodeCommand parses a JSON panel command.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, errors.New("invalid command: missing command field")
	}
	return cmd, nil
}

// DefaultEventBuffer is the default capacity of the events channel.
const DefaultEventBuffer = 256

// Config configures a Controller.
type Config struct {
	// Bridge configures the worker session. SessionID defaults to a new
	// uuid; OnStatus is chained after the panel's own status handler.
	Bridge runtime.Config
	// Workspace supplies the file snapshot (required).
	Workspace *workspace.Enumerator
	// Watcher triggers file refreshes when set. The caller owns and closes it.
	Watcher *workspace.Watcher
	// History stores exchanges and supplies recent turns when set.
	History *history.Store
	// Adapter is notified of every finished exchange when set.
	// The caller owns and closes it.
	Adapter adapter.Adapter
	// EventBuffer is the events channel capacity (default DefaultEventBuffer).
	EventBuffer int
}

// Controller connects one panel to one worker session.
type Controller struct {
	cfg       Config
	bridge    *runtime.Bridge
	logger    *log.Logger
	collector *metrics.Collector
	workspace string

	events chan Event
	closed chan struct{}

	closing        atomic.Bool
	watching       atomic.Bool
	refreshPending atomic.Bool

	stopWatch chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
}

// New creates a controller and its bridge. Nothing is spawned until Open.
func New(cfg Config) (*Controller, error) {
	if cfg.Workspace == nil {
		return nil, errors.New("panel requires a workspace enumerator")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Bridge.SessionID == "" {
		cfg.Bridge.SessionID = uuid.NewString()
	}

	logger := cfg.Bridge.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		collector: cfg.Bridge.Collector,
		events:    make(chan Event, cfg.EventBuffer),
		closed:    make(chan struct{}),
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	if cfg.History != nil {
		c.workspace = cfg.History.Workspace()
	} else {
		c.workspace = history.WorkspaceKey(cfg.Workspace.Root())
	}

	next := cfg.Bridge.OnStatus
	cfg.Bridge.OnStatus = func(text string) {
		c.tryEmit(Event{Type: EventProcessing, Content: text})
		if next != nil {
			next(text)
		}
	}

	bridge, err := runtime.NewBridge(cfg.Bridge)
	if err != nil {
		return nil, err
	}
	c.bridge = bridge
	return c, nil
}

// SessionID returns the bridge session id.
func (c *Controller) SessionID() string {
	return c.bridge.SessionID()
}

// Workspace returns the workspace key exchanges are recorded under.
func (c *Controller) Workspace() string {
	return c.workspace
}

// Bridge returns the underlying bridge.
func (c *Controller) Bridge() *runtime.Bridge {
	return c.bridge
}

// Events delivers panel events. The channel is never closed; stop reading
// once Close returns.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Open loads history, snapshots the workspace and starts the worker.
// It emits ready on success and error otherwise.
func (c *Controller) Open(ctx context.Context) error {
	if c.cfg.History != nil {
		if err := c.cfg.History.Load(ctx); err != nil {
			c.logger.Warn("failed to load history", map[string]any{"error": err.Error()})
		}
	}

	files, err := c.cfg.Workspace.Snapshot(ctx)
	if err != nil {
		c.emit(Event{Type: EventError, Content: err.Error()})
		return err
	}

	if err := c.bridge.Start(ctx, files); err != nil {
		c.emit(Event{Type: EventError, Content: startFailure(err, c.bridge.StderrTail())})
		return err
	}

	go c.watchExit()
	if c.cfg.Watcher != nil {
		c.watching.Store(true)
		go c.watchFiles()
	}

	c.emit(Event{Type: EventReady, Content: fmt.Sprintf("%d files", len(files))})
	return nil
}

// Handle executes one panel command.
func (c *Controller) Handle(ctx context.Context, cmd Command) error {
	switch cmd.Command {
	case CommandQuery:
		_, err := c.Ask(ctx, cmd.Text)
		return err
	default:
		err := fmt.Errorf("unknown command %q", cmd.Command)
		c.emit(Event{Type: EventError, Content: err.Error()})
		return err
	}
}

// Ask sends a query with recent history attached and relays the response as
// panel events. The finished exchange is recorded and published. The error
// is the query rejection or the stream's terminal error.
func (c *Controller) Ask(ctx context.Context, text string) (types.Exchange, error) {
	c.emit(Event{Type: EventProcessing})

	var turns []types.Turn
	if c.cfg.History != nil {
		turns = c.cfg.History.Recent(0)
	}

	stream, err := c.bridge.Query(ctx, text, runtime.WithHistory(turns))
	if err != nil {
		c.emit(Event{Type: EventError, Content: err.Error()})
		return types.Exchange{}, err
	}

	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			// ctx ended; the request stays in flight until the worker answers.
			c.emit(Event{Type: EventError, Content: err.Error()})
			return types.Exchange{}, err
		}
		if ev.Kind == runtime.EventChunk {
			c.emit(Event{Type: EventStream, Content: ev.Text})
			continue
		}
		break
	}

	ex, _ := stream.Exchange()
	ex.SessionID = c.SessionID()
	ex.Workspace = c.workspace

	if ex.Outcome == types.OutcomeDone {
		c.emit(Event{Type: EventStreamComplete})
	} else {
		c.emit(Event{Type: EventError, Content: ex.Message})
	}

	c.record(context.WithoutCancel(ctx), ex)

	if c.refreshPending.CompareAndSwap(true, false) {
		if err := c.sendFiles(ctx); err != nil {
			c.logger.Warn("deferred file refresh failed", map[string]any{"error": err.Error()})
		}
	}

	return ex, stream.Err()
}

// record stores and publishes a finished exchange. Failures are logged; they
// never fail the query.
func (c *Controller) record(ctx context.Context, ex types.Exchange) {
	if c.cfg.History != nil {
		if err := c.cfg.History.Append(ctx, ex); err != nil {
			c.logger.Warn("failed to record exchange", map[string]any{
				"exchange_id": ex.ID,
				"error":       err.Error(),
			})
		}
	}
	if c.cfg.Adapter != nil {
		if err := c.cfg.Adapter.Publish(ctx, adapter.NewExchangeCompletedEvent(&ex)); err != nil {
			c.logger.Warn("failed to publish exchange", map[string]any{
				"exchange_id": ex.ID,
				"error":       err.Error(),
			})
		}
	}
}

// Refresh sends a fresh workspace snapshot to the worker. While a query is
// in flight the refresh is deferred until it completes.
func (c *Controller) Refresh(ctx context.Context) error {
	c.refreshPending.Store(false)
	return c.sendFiles(ctx)
}

// sendFiles snapshots the workspace and sends it. The pending flag is
// cleared by the caller before the snapshot; it is only ever set here, so
// a change deferred while this send is in flight stays pending.
func (c *Controller) sendFiles(ctx context.Context) error {
	files, err := c.cfg.Workspace.Snapshot(ctx)
	if err != nil {
		c.refreshPending.Store(true)
		return err
	}
	err = c.bridge.UpdateFiles(ctx, files)
	if errors.Is(err, runtime.ErrBusy) {
		c.refreshPending.Store(true)
		c.logger.Debug("file refresh deferred while busy", nil)
		return nil
	}
	return err
}

func (c *Controller) watchFiles() {
	defer close(c.watchDone)
	for {
		select {
		case <-c.stopWatch:
			return
		case changed, ok := <-c.cfg.Watcher.Changes():
			if !ok {
				return
			}
			c.logger.Debug("workspace changed", map[string]any{"paths": changed})
			if err := c.Refresh(context.Background()); err != nil {
				c.logger.Warn("file refresh failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// watchExit reports a worker that exits while the panel is open.
func (c *Controller) watchExit() {
	<-c.bridge.Exited()
	if c.closing.Load() {
		return
	}
	msg := "worker exited"
	if err := c.bridge.ExitErr(); err != nil {
		msg = err.Error()
	}
	c.emit(Event{Type: EventError, Content: msg})
}

// Close stops the worker and, when history is configured, stores the
// session's metrics snapshot. Safe to call more than once.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stopWatch)

		err = c.bridge.Stop(ctx)

		if c.watching.Load() {
			<-c.watchDone
		}

		if c.cfg.History != nil && c.collector != nil {
			if werr := c.cfg.History.WriteMetrics(ctx, c.collector.Snapshot(), time.Now()); werr != nil {
				c.logger.Warn("failed to store session metrics", map[string]any{"error": werr.Error()})
			}
		}
		close(c.closed)
	})
	return err
}

// emit delivers an event, waiting for room until the controller is closed.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// tryEmit delivers an event only if there is room. Used from the bridge's
// read loop, which must not block.
func (c *Controller) tryEmit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("panel event dropped", map[string]any{"type": string(ev.Type)})
	}
}

// startFailure formats a start error with the last worker stderr line.
func startFailure(err error, stderrTail string) string {
	msg := "worker failed to start: " + err.Error()
	if errors.Is(err, runtime.ErrWorkerDied) {
		// The exit error already carries the stderr tail.
		return msg
	}
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		lines := strings.Split(tail, "\n")
		msg += " (" + lines[len(lines)-1] + ")"
	}
	return msg
}
