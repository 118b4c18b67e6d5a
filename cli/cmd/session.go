package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/pithecene-io/codechat/adapter"
	"github.com/pithecene-io/codechat/adapter/redis"
	"github.com/pithecene-io/codechat/adapter/webhook"
	"github.com/pithecene-io/codechat/history"
	"github.com/pithecene-io/codechat/log"
	"github.com/pithecene-io/codechat/metrics"
	"github.com/pithecene-io/codechat/panel"
	"github.com/pithecene-io/codechat/runtime"
	"github.com/pithecene-io/codechat/workspace"
)

// defaultAdapterRetries applies when the config does not set retries.
const defaultAdapterRetries = 3

// session bundles everything one chat or ask invocation owns.
type session struct {
	settings  *settings
	logger    *log.Logger
	collector *metrics.Collector
	enum      *workspace.Enumerator
	watcher   *workspace.Watcher
	history   *history.Store
	adapter   adapter.Adapter
	panel     *panel.Controller
}

// sessionOptions vary between commands.
type sessionOptions struct {
	// logOut receives JSON logs; nil discards them.
	logOut io.Writer
	// watch starts a workspace watcher (when enabled in settings).
	watch bool
	// factory overrides worker creation (for testing).
	factory runtime.WorkerFactory
}

// openSession builds a panel controller and its collaborators. Nothing is
// spawned until the panel is opened. On error everything built so far is
// released.
func openSession(ctx context.Context, s *settings, opts sessionOptions) (_ *session, err error) {
	sessionID := uuid.NewString()
	sess := &session{settings: s}
	defer func() {
		if err != nil {
			_ = sess.Close(context.WithoutCancel(ctx))
		}
	}()

	sess.logger = log.NewNop()
	if opts.logOut != nil {
		sess.logger = log.NewLoggerWithWriter(log.Context{
			SessionID: sessionID,
			Worker:    s.worker.Name(),
			Workspace: history.WorkspaceKey(s.root),
		}, opts.logOut, s.logLevel)
	}
	sess.collector = metrics.NewCollector(string(s.framing), string(s.sendPolicy), s.history.backend, sessionID)

	wsOpts := s.workspace
	wsOpts.Logger = sess.logger
	sess.enum, err = workspace.NewEnumerator(wsOpts)
	if err != nil {
		return nil, err
	}

	if opts.watch && s.watch {
		sess.watcher, err = workspace.NewWatcher(sess.enum, s.debounce, sess.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch workspace: %w", err)
		}
	}

	sess.history, err = buildHistory(ctx, s, sess.collector)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	sess.adapter, err = buildAdapter(s.adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	sess.panel, err = panel.New(panel.Config{
		Bridge: runtime.Config{
			Worker:        s.worker,
			Framing:       s.framing,
			ReadyTimeout:  s.readyTimeout,
			StopGrace:     s.stopGrace,
			SendPolicy:    s.sendPolicy,
			SessionID:     sessionID,
			Logger:        sess.logger,
			Collector:     sess.collector,
			WorkerFactory: opts.factory,
		},
		Workspace: sess.enum,
		Watcher:   sess.watcher,
		History:   sess.history,
		Adapter:   sess.adapter,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Close stops the worker, then releases the watcher, adapter and cache.
func (s *session) Close(ctx context.Context) error {
	var errs []error
	if s.panel != nil {
		errs = append(errs, s.panel.Close(ctx))
	}
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.adapter != nil {
		errs = append(errs, s.adapter.Close())
	}
	if s.enum != nil {
		s.enum.Close()
	}
	if s.logger != nil {
		// Sync fails on terminals; nothing to do about it.
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}

// buildHistory opens the configured history store for the workspace.
// Returns nil when history is disabled with backend "none".
func buildHistory(ctx context.Context, s *settings, collector *metrics.Collector) (*history.Store, error) {
	cfg := history.Config{
		Dataset:   s.history.dataset,
		Workspace: history.WorkspaceKey(s.root),
		Recent:    s.history.recent,
		Collector: collector,
	}

	switch s.history.backend {
	case history.BackendFS, "":
		if err := os.MkdirAll(s.history.path, 0o755); err != nil {
			return nil, err
		}
		return history.NewFSStore(cfg, s.history.path)
	case history.BackendS3:
		if s.history.path == "" {
			return nil, errors.New("s3 history requires --history-path bucket/prefix")
		}
		bucket, prefix := history.ParseS3Path(s.history.path)
		return history.NewS3Store(ctx, cfg, history.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       s.history.region,
			Endpoint:     s.history.endpoint,
			UsePathStyle: s.history.pathStyle,
		})
	case history.BackendMemory:
		return history.NewMemoryStore(cfg)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown history backend: %s (must be fs, s3, memory or none)", s.history.backend)
	}
}

// buildAdapter creates the configured notification adapter, or nil.
func buildAdapter(choice adapterChoice) (adapter.Adapter, error) {
	retries := defaultAdapterRetries
	if choice.retries != nil {
		retries = *choice.retries
	}

	switch choice.kind {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     choice.url,
			Headers: choice.headers,
			Timeout: choice.timeout,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:     choice.url,
			Channel: choice.channel,
			Timeout: choice.timeout,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s (must be webhook or redis)", choice.kind)
	}
}
