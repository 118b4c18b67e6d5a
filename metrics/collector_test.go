package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("ndjson", "reject", "fs", "s-001")

	c.IncWorkerStarted()
	c.IncWorkerStartFailure()
	c.IncWorkerStartFailure()
	c.IncInitTimeout()
	c.IncWorkerDeath()
	c.IncQueryStarted()
	c.IncQueryStarted()
	c.IncQueryStarted()
	c.IncQueryCompleted()
	c.IncQueryFailed()
	c.IncQueryRejectedBusy()
	c.IncQueryCancelled()
	c.IncChunk()
	c.IncChunk()
	c.IncFileRefresh()
	c.IncProtocolError("decode")
	c.IncProtocolError("decode")
	c.IncProtocolError("unexpected")
	c.IncHistoryWriteSuccess()
	c.IncHistoryWriteFailure()

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"WorkersStarted", s.WorkersStarted, 1},
		{"WorkerStartFailures", s.WorkerStartFailures, 2},
		{"InitTimeouts", s.InitTimeouts, 1},
		{"WorkerDeaths", s.WorkerDeaths, 1},
		{"QueriesStarted", s.QueriesStarted, 3},
		{"QueriesCompleted", s.QueriesCompleted, 1},
		{"QueriesFailed", s.QueriesFailed, 1},
		{"QueriesRejectedBusy", s.QueriesRejectedBusy, 1},
		{"QueriesCancelled", s.QueriesCancelled, 1},
		{"ChunksReceived", s.ChunksReceived, 2},
		{"FileRefreshes", s.FileRefreshes, 1},
		{"ProtocolErrors", s.ProtocolErrors, 3},
		{"ProtocolErrorsByKind[decode]", s.ProtocolErrorsByKind["decode"], 2},
		{"ProtocolErrorsByKind[unexpected]", s.ProtocolErrorsByKind["unexpected"], 1},
		{"HistoryWriteSuccess", s.HistoryWriteSuccess, 1},
		{"HistoryWriteFailure", s.HistoryWriteFailure, 1},
	}
	for _, chk := range checks {
		if chk.got != chk.want {
			t.Errorf("%s = %d, want %d", chk.name, chk.got, chk.want)
		}
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("msgpack", "queue", "s3", "s-42")
	s := c.Snapshot()

	if s.Framing != "msgpack" {
		t.Errorf("Framing = %q, want %q", s.Framing, "msgpack")
	}
	if s.SendPolicy != "queue" {
		t.Errorf("SendPolicy = %q, want %q", s.SendPolicy, "queue")
	}
	if s.HistoryBackend != "s3" {
		t.Errorf("HistoryBackend = %q, want %q", s.HistoryBackend, "s3")
	}
	if s.SessionID != "s-42" {
		t.Errorf("SessionID = %q, want %q", s.SessionID, "s-42")
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("ndjson", "reject", "fs", "s-001")
	c.IncQueryStarted()
	c.IncProtocolError("decode")

	s1 := c.Snapshot()

	c.IncQueryCompleted()
	c.IncProtocolError("decode")
	s1.ProtocolErrorsByKind["injected"] = 1

	if s1.QueriesCompleted != 0 {
		t.Errorf("s1.QueriesCompleted = %d, want 0 (snapshot should be frozen)", s1.QueriesCompleted)
	}
	if s1.ProtocolErrorsByKind["decode"] != 1 {
		t.Errorf("s1 decode errors = %d, want 1", s1.ProtocolErrorsByKind["decode"])
	}

	s2 := c.Snapshot()
	if s2.QueriesCompleted != 1 {
		t.Errorf("s2.QueriesCompleted = %d, want 1", s2.QueriesCompleted)
	}
	if s2.ProtocolErrorsByKind["decode"] != 2 {
		t.Errorf("s2 decode errors = %d, want 2", s2.ProtocolErrorsByKind["decode"])
	}
	if _, exists := s2.ProtocolErrorsByKind["injected"]; exists {
		t.Error("collector should be isolated from snapshot map mutation")
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	// None of these should panic
	c.IncWorkerStarted()
	c.IncWorkerStartFailure()
	c.IncInitTimeout()
	c.IncWorkerDeath()
	c.IncQueryStarted()
	c.IncQueryCompleted()
	c.IncQueryFailed()
	c.IncQueryRejectedBusy()
	c.IncQueryCancelled()
	c.IncChunk()
	c.IncFileRefresh()
	c.IncProtocolError("decode")
	c.IncHistoryWriteSuccess()
	c.IncHistoryWriteFailure()

	s := c.Snapshot()
	if s.QueriesStarted != 0 {
		t.Errorf("nil collector snapshot QueriesStarted = %d, want 0", s.QueriesStarted)
	}
	if s.ProtocolErrorsByKind != nil {
		t.Errorf("nil collector snapshot ProtocolErrorsByKind should be nil, got %v", s.ProtocolErrorsByKind)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("ndjson", "reject", "fs", "s-001")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncChunk()
				c.IncProtocolError("invalid")
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.ChunksReceived != want {
		t.Errorf("ChunksReceived = %d, want %d", s.ChunksReceived, want)
	}
	if s.ProtocolErrorsByKind["invalid"] != want {
		t.Errorf("invalid errors = %d, want %d", s.ProtocolErrorsByKind["invalid"], want)
	}
}
