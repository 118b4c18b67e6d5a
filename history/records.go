package history

import (
	"time"

	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/types"
)

// Record kind discriminators. record_kind is also the last partition key.
const (
	RecordKindExchange = "exchange"
	RecordKindMetrics  = "metrics"
)

// dayFormat is the layout of the day partition key.
const dayFormat = "2006-01-02"

// ExchangeRecord is the storage format for one completed query.
type ExchangeRecord struct {
	RecordKind string `json:"record_kind"`

	ID         string `json:"id"`
	Query      string `json:"query"`
	Answer     string `json:"answer"`
	Outcome    string `json:"outcome"`
	Message    string `json:"message,omitempty"`
	Chunks     int    `json:"chunks"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`

	// Partition keys
	Workspace string `json:"workspace"`
	Day       string `json:"day"`
	SessionID string `json:"session_id"`
}

// toExchangeRecordMap converts an exchange to a map for Lode storage.
// Lode HiveLayout requires records as map[string]any.
func toExchangeRecordMap(ex *types.Exchange, workspace string) map[string]any {
	started := ex.StartedAt.UTC()
	m := map[string]any{
		"record_kind": RecordKindExchange,
		"id":          ex.ID,
		"query":       ex.Query,
		"answer":      ex.Answer,
		"outcome":     string(ex.Outcome),
		"chunks":      ex.Chunks,
		"started_at":  started.Format(time.RFC3339Nano),
		"duration_ms": ex.Duration.Milliseconds(),
		"workspace":   workspace,
		"day":         started.Format(dayFormat),
		"session_id":  ex.SessionID,
	}
	if ex.Message != "" {
		m["message"] = ex.Message
	}
	return m
}

// fromExchangeRecordMap rebuilds an exchange from a stored record.
// Returns false if the record is not an exchange.
func fromExchangeRecordMap(m map[string]any) (types.Exchange, bool) {
	if toString(m["record_kind"]) != RecordKindExchange {
		return types.Exchange{}, false
	}
	started, _ := time.Parse(time.RFC3339Nano, toString(m["started_at"]))
	return types.Exchange{
		ID:        toString(m["id"]),
		SessionID: toString(m["session_id"]),
		Workspace: toString(m["workspace"]),
		Query:     toString(m["query"]),
		Answer:    toString(m["answer"]),
		Outcome:   types.ExchangeOutcome(toString(m["outcome"])),
		Message:   toString(m["message"]),
		Chunks:    int(toInt64(m["chunks"])),
		StartedAt: started,
		Duration:  time.Duration(toInt64(m["duration_ms"])) * time.Millisecond,
	}, true
}

// toMetricsRecordMap converts a session metrics snapshot to a map for storage.
func toMetricsRecordMap(snap metrics.Snapshot, workspace string, completedAt time.Time) map[string]any {
	completed := completedAt.UTC()
	m := map[string]any{
		"record_kind":           RecordKindMetrics,
		"completed_at":          completed.Format(time.RFC3339Nano),
		"workers_started":       snap.WorkersStarted,
		"worker_start_failures": snap.WorkerStartFailures,
		"init_timeouts":         snap.InitTimeouts,
		"worker_deaths":         snap.WorkerDeaths,
		"queries_started":       snap.QueriesStarted,
		"queries_completed":     snap.QueriesCompleted,
		"queries_failed":        snap.QueriesFailed,
		"queries_rejected_busy": snap.QueriesRejectedBusy,
		"queries_cancelled":     snap.QueriesCancelled,
		"chunks_received":       snap.ChunksReceived,
		"file_refreshes":        snap.FileRefreshes,
		"protocol_errors":       snap.ProtocolErrors,
		"history_write_success": snap.HistoryWriteSuccess,
		"history_write_failure": snap.HistoryWriteFailure,
		"framing":               snap.Framing,
		"send_policy":           snap.SendPolicy,
		"history_backend":       snap.HistoryBackend,
		"workspace":             workspace,
		"day":                   completed.Format(dayFormat),
		"session_id":            snap.SessionID,
	}
	if len(snap.ProtocolErrorsByKind) > 0 {
		byKind := make(map[string]any, len(snap.ProtocolErrorsByKind))
		for k, v := range snap.ProtocolErrorsByKind {
			byKind[k] = v
		}
		m["protocol_errors_by_kind"] = byKind
	}
	return m
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// toInt64 converts a decoded number to int64. JSONL decoding yields float64.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
