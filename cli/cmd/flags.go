// Package cmd provides CLI commands for the codechat binary.
package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/config"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// ReadOnlyFlags returns the shared flags for commands that render results.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// WorkspaceFlags locate the workspace and its codechat.yaml.
func WorkspaceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to config file (default: <workspace>/codechat.yaml if present)",
		},
		&cli.StringFlag{
			Name:    "workspace",
			Aliases: []string{"w"},
			Usage:   "Workspace root directory",
			Value:   ".",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "warn",
		},
	}
}

// HistoryFlags select the conversation history backend.
func HistoryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "history-backend",
			Usage: "History backend: fs, s3, memory or none",
			Value: "fs",
		},
		&cli.StringFlag{
			Name:  "history-path",
			Usage: "History location (fs: directory, s3: bucket/prefix; default: <workspace>/.codechat/history)",
		},
		&cli.StringFlag{
			Name:  "history-s3-region",
			Usage: "AWS region for the s3 backend (optional, uses default chain)",
		},
	}
}

// SessionFlags configure the worker session used by chat and ask.
func SessionFlags() []cli.Flag {
	flags := append(WorkspaceFlags(),
		&cli.StringFlag{
			Name:  "worker",
			Usage: "Worker interpreter or binary",
			Value: "python3",
		},
		&cli.StringFlag{
			Name:  "script",
			Usage: "Worker script passed as the first argument",
		},
		&cli.StringFlag{
			Name:  "framing",
			Usage: "Worker stdio framing: ndjson or msgpack",
			Value: "ndjson",
		},
		&cli.StringFlag{
			Name:  "send-policy",
			Usage: "Queries sent while busy: reject or queue",
			Value: "reject",
		},
		&cli.DurationFlag{
			Name:  "ready-timeout",
			Usage: "How long to wait for the worker to report ready",
			Value: 60 * time.Second,
		},
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "Exchange notification adapter: webhook or redis",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Adapter endpoint URL",
		},
	)
	return append(flags, HistoryFlags()...)
}

// resolveString returns the flag value when set on the command line, else
// the config value when non-empty, else the flag's default.
func resolveString(c *cli.Context, name, configValue string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if configValue != "" {
		return configValue
	}
	return c.String(name)
}

// resolveDuration applies the same precedence to durations.
func resolveDuration(c *cli.Context, name string, configValue config.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	if configValue.Duration > 0 {
		return configValue.Duration
	}
	return c.Duration(name)
}

// resolveBool lets a set flag override an explicit config value.
func resolveBool(c *cli.Context, name string, configValue *bool, def bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	if configValue != nil {
		return *configValue
	}
	return def
}

// configVal reads a field from an optional config file.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return get(cfg)
}
