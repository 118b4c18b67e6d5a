// Package history persists conversation exchanges and session metrics in a
// Lode dataset, and serves the recent turns attached to each query.
//
// Records are JSONL, Hive-partitioned by workspace/day/session_id/record_kind.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/types"
)

// Defaults.
const (
	DefaultDataset = "codechat"
	// DefaultRecent is how many turns are attached to a query.
	DefaultRecent = 5
	// MaxTurns is how many turns are kept in memory.
	MaxTurns = 10
)

// Backend names.
const (
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

var partitionKeys = []string{"workspace", "day", "session_id", "record_kind"}

// Config configures a Store.
type Config struct {
	// Dataset is the Lode dataset id (default DefaultDataset).
	Dataset string
	// Workspace is the workspace partition key; see WorkspaceKey.
	Workspace string
	// Recent is the default number of turns returned by Recent
	// (default DefaultRecent, capped at MaxTurns).
	Recent int
	// Collector counts write outcomes. Nil disables.
	Collector *metrics.Collector
}

// WorkspaceKey derives a partition-safe key from a workspace root:
// the directory name plus a short hash of the absolute path.
func WorkspaceKey(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	sum := sha256.Sum256([]byte(abs))
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, filepath.Base(abs))
	return name + "-" + hex.EncodeToString(sum[:4])
}

// Store is a Lode-backed conversation history for one workspace.
// Completed turns are also kept in memory, newest last, up to MaxTurns.
type Store struct {
	dataset lode.Dataset
	cfg     Config
	backend string

	mu    sync.Mutex
	turns []types.Turn
}

// NewFSStore opens a history store on the local filesystem under root.
func NewFSStore(cfg Config, root string) (*Store, error) {
	return NewStoreWithFactory(cfg, lode.NewFSFactory(root), BackendFS)
}

// NewMemoryStore opens an in-memory history store.
func NewMemoryStore(cfg Config) (*Store, error) {
	return NewStoreWithFactory(cfg, lode.NewMemoryFactory(), BackendMemory)
}

// NewStoreWithFactory opens a history store over any Lode store factory.
func NewStoreWithFactory(cfg Config, factory lode.StoreFactory, backend string) (*Store, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.Workspace == "" {
		return nil, errors.New("history workspace key is required")
	}
	if cfg.Recent <= 0 {
		cfg.Recent = DefaultRecent
	}
	cfg.Recent = min(cfg.Recent, MaxTurns)

	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, wrapStorageError("init", cfg.Dataset, err)
	}

	return &Store{dataset: ds, cfg: cfg, backend: backend}, nil
}

// Backend returns the storage backend name.
func (s *Store) Backend() string {
	return s.backend
}

// Workspace returns the workspace partition key.
func (s *Store) Workspace() string {
	return s.cfg.Workspace
}

// Load fills the in-memory turns from the most recent successful exchanges
// already stored for the workspace.
func (s *Store) Load(ctx context.Context) error {
	exchanges, err := s.List(ctx, MaxTurns, types.OutcomeDone)
	if err != nil {
		return err
	}
	turns := make([]types.Turn, 0, len(exchanges))
	for i := len(exchanges) - 1; i >= 0; i-- {
		turns = append(turns, exchanges[i].Turn())
	}

	s.mu.Lock()
	s.turns = turns
	s.mu.Unlock()
	return nil
}

// Append stores a finished exchange. Only exchanges that ended with done
// become turns; the rest are kept for the record.
func (s *Store) Append(ctx context.Context, ex types.Exchange) error {
	ex.Workspace = s.cfg.Workspace
	record := toExchangeRecordMap(&ex, s.cfg.Workspace)

	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		s.cfg.Collector.IncHistoryWriteFailure()
		return wrapStorageError("write", s.cfg.Dataset, err)
	}
	s.cfg.Collector.IncHistoryWriteSuccess()

	if ex.Outcome == types.OutcomeDone {
		s.mu.Lock()
		s.turns = append(s.turns, ex.Turn())
		if over := len(s.turns) - MaxTurns; over > 0 {
			s.turns = slices.Delete(s.turns, 0, over)
		}
		s.mu.Unlock()
	}
	return nil
}

// Recent returns up to n of the newest turns, oldest first.
// n <= 0 selects the configured default.
func (s *Store) Recent(n int) []types.Turn {
	if n <= 0 {
		n = s.cfg.Recent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(n, len(s.turns))
	return slices.Clone(s.turns[len(s.turns)-n:])
}

// List reads stored exchanges for the workspace, newest first.
// limit <= 0 returns all; outcomes filters when non-empty.
func (s *Store) List(ctx context.Context, limit int, outcomes ...types.ExchangeOutcome) ([]types.Exchange, error) {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return nil, wrapStorageError("read", s.cfg.Dataset, err)
	}

	var exchanges []types.Exchange
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "workspace", s.cfg.Workspace) ||
			!snapshotMatches(snap, "record_kind", RecordKindExchange) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrapStorageError("read", s.cfg.Dataset, err)
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || toString(record["workspace"]) != s.cfg.Workspace {
				continue
			}
			ex, ok := fromExchangeRecordMap(record)
			if !ok {
				continue
			}
			if len(outcomes) > 0 && !slices.Contains(outcomes, ex.Outcome) {
				continue
			}
			exchanges = append(exchanges, ex)
		}
	}

	slices.SortStableFunc(exchanges, func(a, b types.Exchange) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(exchanges) > limit {
		exchanges = exchanges[:limit]
	}
	return exchanges, nil
}

// WriteMetrics stores a session metrics snapshot.
func (s *Store) WriteMetrics(ctx context.Context, snap metrics.Snapshot, completedAt time.Time) error {
	record := toMetricsRecordMap(snap, s.cfg.Workspace, completedAt)
	if _, err := s.dataset.Write(ctx, []any{record}, lode.Metadata{}); err != nil {
		return wrapStorageError("write", s.cfg.Dataset, err)
	}
	return nil
}

// LatestMetrics returns the newest metrics record for the workspace, or
// ErrNoMetricsFound.
func (s *Store) LatestMetrics(ctx context.Context) (map[string]any, error) {
	snapshots, err := s.dataset.Snapshots(ctx)
	if err != nil {
		return nil, wrapStorageError("read", s.cfg.Dataset, err)
	}

	var latest map[string]any
	var latestAt time.Time
	for _, snap := range snapshots {
		if !snapshotMatches(snap, "workspace", s.cfg.Workspace) ||
			!snapshotMatches(snap, "record_kind", RecordKindMetrics) {
			continue
		}
		data, err := s.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrapStorageError("read", s.cfg.Dataset, err)
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || toString(record["record_kind"]) != RecordKindMetrics {
				continue
			}
			at, _ := time.Parse(time.RFC3339Nano, toString(record["completed_at"]))
			if latest == nil || !at.Before(latestAt) {
				latest, latestAt = record, at
			}
		}
	}
	if latest == nil {
		return nil, ErrNoMetricsFound
	}
	return latest, nil
}

// snapshotMatches checks whether any file in the snapshot manifest has the
// exact key=value path segment. Record fields stay authoritative; this only
// avoids reading unrelated snapshots.
func snapshotMatches(snap *lode.DatasetSnapshot, key, value string) bool {
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		if slices.Contains(strings.Split(f.Path, "/"), segment) {
			return true
		}
	}
	return false
}
