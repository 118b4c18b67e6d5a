package types

import "time"

// FileRef is a snapshot of one workspace file.
// It is immutable once sent to the worker.
type FileRef struct {
	// Path is the file path relative to the workspace root, slash separated.
	Path string `json:"path" msgpack:"path" yaml:"path"`
	// Content is the file text at snapshot time.
	Content string `json:"content" msgpack:"content" yaml:"-"`
	// Language is the language tag derived from the file extension.
	Language string `json:"language" msgpack:"language" yaml:"language"`
}

// Turn is one prior question/answer pair sent as query history.
type Turn struct {
	Query  string `json:"query" msgpack:"query"`
	Answer string `json:"answer" msgpack:"answer"`
}

// ExchangeOutcome classifies how a query ended.
type ExchangeOutcome string

// Exchange outcome constants.
const (
	OutcomeDone       ExchangeOutcome = "done"
	OutcomeError      ExchangeOutcome = "error"
	OutcomeWorkerDied ExchangeOutcome = "worker_died"
	OutcomeCancelled  ExchangeOutcome = "cancelled"
)

// Exchange is a completed query with its accumulated answer.
// Exchanges feed conversation history and completion notifications.
type Exchange struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Workspace string          `json:"workspace"`
	Query     string          `json:"query"`
	Answer    string          `json:"answer"`
	Outcome   ExchangeOutcome `json:"outcome"`
	Message   string          `json:"message,omitempty"`
	Chunks    int             `json:"chunks"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Turn returns the exchange as query history.
func (e *Exchange) Turn() Turn {
	return Turn{Query: e.Query, Answer: e.Answer}
}
