// Package main provides the codechat CLI entrypoint.
//
// Usage:
//
//	codechat [chat] [options]
//	codechat ask [options] <question>
//	codechat files|history|version [options]
//
// Exit codes for `ask`:
//   - 0: answered (done)
//   - 1: worker error
//   - 2: worker died or failed to start
//   - 3: session busy, closed or cancelled
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/cmd"
	"github.com/pithecene-io/codechat/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "codechat",
		Usage:          "Chat with a code assistant worker about your workspace",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		DefaultCommand: "chat",
		ExitErrHandler: func(_ *cli.Context, err error) {
			if code, ok := exitCode(err, os.Stderr); ok {
				os.Exit(code)
			}
		},
		Commands: []*cli.Command{
			cmd.ChatCommand(),
			cmd.AskCommand(),
			cmd.FilesCommand(),
			cmd.HistoryCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already exited for every non-nil error.
		os.Exit(1)
	}
}

// exitCode reports the process exit code for a command error and prints its
// message to w. cli.Exit codes pass through; any other error exits 1.
// ok is false for a nil error.
func exitCode(err error, w io.Writer) (code int, ok bool) {
	if err == nil {
		return 0, false
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() is empty or "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code, true
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1, true
}
