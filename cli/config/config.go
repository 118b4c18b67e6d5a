package config

import (
	"fmt"
	"time"
)

// Config represents a codechat.yaml file. Every value is optional and acts
// as a default for the matching command-line flag; flags always win.
type Config struct {
	Worker     WorkerConfig    `yaml:"worker"`
	SendPolicy string          `yaml:"send_policy"`
	LogLevel   string          `yaml:"log_level"`
	Workspace  WorkspaceConfig `yaml:"workspace"`
	History    HistoryConfig   `yaml:"history"`
	Adapter    AdapterConfig   `yaml:"adapter"`
}

// WorkerConfig describes the worker subprocess.
type WorkerConfig struct {
	Command      string            `yaml:"command"`
	Script       string            `yaml:"script"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Dir          string            `yaml:"dir"`
	ReadyTimeout Duration          `yaml:"ready_timeout"`
	StopGrace    Duration          `yaml:"stop_grace"`
	// Unbuffered is a pointer so an explicit false can be told from unset.
	Unbuffered *bool  `yaml:"unbuffered,omitempty"`
	Framing    string `yaml:"framing"`
}

// WorkspaceConfig controls which files are sent to the worker.
type WorkspaceConfig struct {
	Root         string   `yaml:"root"`
	Extensions   []string `yaml:"extensions,omitempty"`
	Ignore       []string `yaml:"ignore,omitempty"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
	Watch        *bool    `yaml:"watch,omitempty"`
	Debounce     Duration `yaml:"debounce"`
	CacheTTL     Duration `yaml:"cache_ttl"`
}

// HistoryConfig selects where conversation history is kept.
type HistoryConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Dataset     string `yaml:"dataset"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	Recent      int    `yaml:"recent"`
}

// AdapterConfig configures exchange completion notifications.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// WorkerEnv returns the worker env map as sorted KEY=VALUE entries.
func (w *WorkerConfig) WorkerEnv() []string {
	return sortedPairs(w.Env)
}

// Duration wraps time.Duration so YAML can say "60s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string. An empty string leaves the
// duration unset.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}
