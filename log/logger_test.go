package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogger_IncludesSessionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Context{SessionID: "s-1", Worker: "rag.py"}, &buf, zapcore.DebugLevel)

	logger.Info("worker ready", map[string]any{"pid": 42})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["session_id"] != "s-1" {
		t.Errorf("session_id = %v, want s-1", entry["session_id"])
	}
	if entry["worker"] != "rag.py" {
		t.Errorf("worker = %v, want rag.py", entry["worker"])
	}
	if _, ok := entry["workspace"]; ok {
		t.Error("empty workspace should be omitted")
	}
	if entry["message"] != "worker ready" || entry["level"] != "info" {
		t.Errorf("unexpected entry: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["pid"] != float64(42) {
		t.Errorf("fields = %v", entry["fields"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Context{}, &buf, zapcore.WarnLevel)

	logger.Debug("stderr line", nil)
	logger.Info("started", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}

	logger.Warn("protocol error", nil)
	if buf.Len() == 0 {
		t.Error("warn entry should be written")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(Context{}, &buf, zapcore.DebugLevel).With("request_id", "q-9")

	logger.Sugar().Infof("query %d", 1)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["request_id"] != "q-9" || entry["message"] != "query 1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Error("discarded", map[string]any{"x": 1})
	logger.Sugar().Warnf("discarded %s", "too")
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("warn"); err != nil || lvl != zapcore.WarnLevel {
		t.Errorf("ParseLevel(warn) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
