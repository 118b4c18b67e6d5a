// Package metrics provides per-session bridge metrics.
//
// The Collector accumulates counters for one bridge session. It is a leaf
// package with no internal dependencies, so protocol error kinds are recorded
// by name rather than by ipc type.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Worker lifecycle
	WorkersStarted      int64 `json:"workers_started" yaml:"workers_started"`
	WorkerStartFailures int64 `json:"worker_start_failures" yaml:"worker_start_failures"`
	InitTimeouts        int64 `json:"init_timeouts" yaml:"init_timeouts"`
	WorkerDeaths        int64 `json:"worker_deaths" yaml:"worker_deaths"`

	// Queries
	QueriesStarted      int64 `json:"queries_started" yaml:"queries_started"`
	QueriesCompleted    int64 `json:"queries_completed" yaml:"queries_completed"`
	QueriesFailed       int64 `json:"queries_failed" yaml:"queries_failed"`
	QueriesRejectedBusy int64 `json:"queries_rejected_busy" yaml:"queries_rejected_busy"`
	QueriesCancelled    int64 `json:"queries_cancelled" yaml:"queries_cancelled"`
	ChunksReceived      int64 `json:"chunks_received" yaml:"chunks_received"`
	FileRefreshes       int64 `json:"file_refreshes" yaml:"file_refreshes"`

	// Protocol
	ProtocolErrors       int64            `json:"protocol_errors" yaml:"protocol_errors"`
	ProtocolErrorsByKind map[string]int64 `json:"protocol_errors_by_kind,omitempty" yaml:"protocol_errors_by_kind,omitempty"`

	// History store
	HistoryWriteSuccess int64 `json:"history_write_success" yaml:"history_write_success"`
	HistoryWriteFailure int64 `json:"history_write_failure" yaml:"history_write_failure"`

	// Dimensions (informational, set at construction)
	Framing        string `json:"framing" yaml:"framing"`
	SendPolicy     string `json:"send_policy" yaml:"send_policy"`
	HistoryBackend string `json:"history_backend" yaml:"history_backend"`
	SessionID      string `json:"session_id" yaml:"session_id"`
}

// Collector accumulates metrics during a single bridge session.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	workersStarted      int64
	workerStartFailures int64
	initTimeouts        int64
	workerDeaths        int64

	queriesStarted      int64
	queriesCompleted    int64
	queriesFailed       int64
	queriesRejectedBusy int64
	queriesCancelled    int64
	chunksReceived      int64
	fileRefreshes       int64

	protocolErrors       int64
	protocolErrorsByKind map[string]int64

	historyWriteSuccess int64
	historyWriteFailure int64

	framing        string
	sendPolicy     string
	historyBackend string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(framing, sendPolicy, historyBackend, sessionID string) *Collector {
	return &Collector{
		protocolErrorsByKind: make(map[string]int64),
		framing:              framing,
		sendPolicy:           sendPolicy,
		historyBackend:       historyBackend,
		sessionID:            sessionID,
	}
}

func (c *Collector) inc(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// --- Worker lifecycle ---

// IncWorkerStarted records a successful worker spawn.
func (c *Collector) IncWorkerStarted() {
	if c == nil {
		return
	}
	c.inc(&c.workersStarted)
}

// IncWorkerStartFailure records a worker that could not be spawned or died
// before signalling ready.
func (c *Collector) IncWorkerStartFailure() {
	if c == nil {
		return
	}
	c.inc(&c.workerStartFailures)
}

// IncInitTimeout records a worker killed for missing the ready deadline.
func (c *Collector) IncInitTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.initTimeouts)
}

// IncWorkerDeath records an unexpected worker exit.
func (c *Collector) IncWorkerDeath() {
	if c == nil {
		return
	}
	c.inc(&c.workerDeaths)
}

// --- Queries ---

// IncQueryStarted records a query frame sent to the worker.
func (c *Collector) IncQueryStarted() {
	if c == nil {
		return
	}
	c.inc(&c.queriesStarted)
}

// IncQueryCompleted records a query ended by done.
func (c *Collector) IncQueryCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.queriesCompleted)
}

// IncQueryFailed records a query ended by a worker error or worker death.
func (c *Collector) IncQueryFailed() {
	if c == nil {
		return
	}
	c.inc(&c.queriesFailed)
}

// IncQueryRejectedBusy records a query refused because another was in flight.
func (c *Collector) IncQueryRejectedBusy() {
	if c == nil {
		return
	}
	c.inc(&c.queriesRejectedBusy)
}

// IncQueryCancelled records a query resolved by bridge shutdown.
func (c *Collector) IncQueryCancelled() {
	if c == nil {
		return
	}
	c.inc(&c.queriesCancelled)
}

// IncChunk records one chunk delivered to a stream.
func (c *Collector) IncChunk() {
	if c == nil {
		return
	}
	c.inc(&c.chunksReceived)
}

// IncFileRefresh records a workspace snapshot re-sent to the worker.
func (c *Collector) IncFileRefresh() {
	if c == nil {
		return
	}
	c.inc(&c.fileRefreshes)
}

// --- Protocol ---

// IncProtocolError records a malformed or unexpected frame of the given kind.
func (c *Collector) IncProtocolError(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.protocolErrors++
	c.protocolErrorsByKind[kind]++
	c.mu.Unlock()
}

// --- History store ---
// History counters are per-call: one exchange write is one success.

// IncHistoryWriteSuccess records a successful history write.
func (c *Collector) IncHistoryWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.historyWriteSuccess)
}

// IncHistoryWriteFailure records a failed history write.
func (c *Collector) IncHistoryWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.historyWriteFailure)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := make(map[string]int64, len(c.protocolErrorsByKind))
	for k, v := range c.protocolErrorsByKind {
		byKind[k] = v
	}

	return Snapshot{
		WorkersStarted:      c.workersStarted,
		WorkerStartFailures: c.workerStartFailures,
		InitTimeouts:        c.initTimeouts,
		WorkerDeaths:        c.workerDeaths,

		QueriesStarted:      c.queriesStarted,
		QueriesCompleted:    c.queriesCompleted,
		QueriesFailed:       c.queriesFailed,
		QueriesRejectedBusy: c.queriesRejectedBusy,
		QueriesCancelled:    c.queriesCancelled,
		ChunksReceived:      c.chunksReceived,
		FileRefreshes:       c.fileRefreshes,

		ProtocolErrors:       c.protocolErrors,
		ProtocolErrorsByKind: byKind,

		HistoryWriteSuccess: c.historyWriteSuccess,
		HistoryWriteFailure: c.historyWriteFailure,

		Framing:        c.framing,
		SendPolicy:     c.sendPolicy,
		HistoryBackend: c.historyBackend,
		SessionID:      c.sessionID,
	}
}
