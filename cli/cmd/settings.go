package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/codechat/cli/config"
	"github.com/pithecene-io/codechat/history"
	"github.com/pithecene-io/codechat/ipc"
	"github.com/pithecene-io/codechat/runtime"
	"github.com/pithecene-io/codechat/workspace"
)

// historyDir is the default fs history location, relative to the workspace.
// Dot directories are never enumerated, so history stays out of snapshots.
const historyDir = ".codechat/history"

// settings is the resolved configuration: flags over codechat.yaml over
// built-in defaults.
type settings struct {
	root     string
	logLevel zapcore.Level

	worker       runtime.WorkerConfig
	framing      ipc.Framing
	sendPolicy   runtime.SendPolicy
	readyTimeout time.Duration
	stopGrace    time.Duration

	workspace workspace.Options
	watch     bool
	debounce  time.Duration

	history historyChoice
	adapter adapterChoice
}

// historyChoice holds the resolved history store configuration.
type historyChoice struct {
	backend   string
	path      string
	dataset   string
	region    string
	endpoint  string
	pathStyle bool
	recent    int
}

// adapterChoice holds the resolved adapter configuration.
type adapterChoice struct {
	kind    string
	url     string
	channel string
	headers map[string]string
	timeout time.Duration
	retries *int
}

// loadConfig reads --config, or codechat.yaml in the workspace when present.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	dir := c.String("workspace")
	if dir == "" {
		dir = "."
	}
	return config.LoadDefault(dir)
}

// resolveSettings merges flags, the config file and defaults. Flags that a
// command does not declare resolve to their config value or default.
func resolveSettings(c *cli.Context) (*settings, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	root := resolveString(c, "workspace", configVal(cfg, func(c *config.Config) string { return c.Workspace.Root }))
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}

	level, err := zapcore.ParseLevel(resolveString(c, "log-level", configVal(cfg, func(c *config.Config) string { return c.LogLevel })))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	s := &settings{root: root, logLevel: level}

	if err := s.resolveWorker(c, cfg); err != nil {
		return nil, err
	}
	s.resolveWorkspace(c, cfg)
	s.resolveHistory(c, cfg)
	s.resolveAdapter(c, cfg)
	return s, nil
}

func (s *settings) resolveWorker(c *cli.Context, cfg *config.Config) error {
	wc := configVal(cfg, func(c *config.Config) config.WorkerConfig { return c.Worker })

	framing, err := ipc.ParseFraming(resolveString(c, "framing", wc.Framing))
	if err != nil {
		return fmt.Errorf("invalid --framing: %w", err)
	}
	policy, err := runtime.ParseSendPolicy(resolveString(c, "send-policy", configVal(cfg, func(c *config.Config) string { return c.SendPolicy })))
	if err != nil {
		return fmt.Errorf("invalid --send-policy: %w", err)
	}

	command := resolveString(c, "worker", wc.Command)
	if command == "" {
		command = "python3"
	}
	dir := wc.Dir
	if dir == "" {
		dir = s.root
	}

	s.worker = runtime.WorkerConfig{
		Command:    command,
		Script:     resolveString(c, "script", wc.Script),
		Args:       wc.Args,
		Env:        wc.WorkerEnv(),
		Dir:        dir,
		Unbuffered: wc.Unbuffered == nil || *wc.Unbuffered,
	}
	s.framing = framing
	s.sendPolicy = policy
	s.readyTimeout = resolveDuration(c, "ready-timeout", wc.ReadyTimeout)
	s.stopGrace = wc.StopGrace.Duration
	return nil
}

func (s *settings) resolveWorkspace(c *cli.Context, cfg *config.Config) {
	ws := configVal(cfg, func(c *config.Config) config.WorkspaceConfig { return c.Workspace })
	s.workspace = workspace.Options{
		Root:         s.root,
		Extensions:   ws.Extensions,
		Ignore:       ws.Ignore,
		MaxFileBytes: ws.MaxFileBytes,
		CacheTTL:     ws.CacheTTL.Duration,
	}
	s.watch = resolveBool(c, "watch", ws.Watch, true)
	s.debounce = ws.Debounce.Duration
}

func (s *settings) resolveHistory(c *cli.Context, cfg *config.Config) {
	hc := configVal(cfg, func(c *config.Config) config.HistoryConfig { return c.History })
	s.history = historyChoice{
		backend:   resolveString(c, "history-backend", hc.Backend),
		path:      resolveString(c, "history-path", hc.Path),
		dataset:   hc.Dataset,
		region:    resolveString(c, "history-s3-region", hc.Region),
		endpoint:  hc.Endpoint,
		pathStyle: hc.S3PathStyle,
		recent:    hc.Recent,
	}
	if s.history.backend == "" {
		s.history.backend = history.BackendFS
	}
	if s.history.backend == history.BackendFS && s.history.path == "" {
		s.history.path = filepath.Join(s.root, filepath.FromSlash(historyDir))
	}
}

func (s *settings) resolveAdapter(c *cli.Context, cfg *config.Config) {
	ac := configVal(cfg, func(c *config.Config) config.AdapterConfig { return c.Adapter })
	s.adapter = adapterChoice{
		kind:    resolveString(c, "adapter", ac.Type),
		url:     resolveString(c, "adapter-url", ac.URL),
		channel: ac.Channel,
		headers: ac.Headers,
		timeout: ac.Timeout.Duration,
		retries: ac.Retries,
	}
}
