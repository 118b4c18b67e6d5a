package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/tui"
	"github.com/pithecene-io/codechat/runtime"
)

// closeTimeout bounds session shutdown after the command finishes.
const closeTimeout = 10 * time.Second

// ChatCommand returns the chat command, the default when no command is given.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat about the workspace in an interactive panel",
		Flags: append(SessionFlags(),
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Refresh the worker's files when the workspace changes",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Headless mode: read JSON commands on stdin, write JSON events to stdout",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs to this file (interactive mode logs nowhere by default)",
			},
		),
		Action: chatAction,
	}
}

func chatAction(c *cli.Context) error {
	s, err := resolveSettings(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	headless := c.Bool("json")

	// Logs share stderr only in headless mode; the panel owns the terminal.
	var logOut io.Writer
	if headless {
		logOut = os.Stderr
	}
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to open log file: %v", err), 1)
		}
		defer func() { _ = f.Close() }()
		logOut = f
	}

	sess, err := openSession(ctx, s, sessionOptions{logOut: logOut, watch: true})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			sess.logger.Warn("session close failed", map[string]any{"error": err.Error()})
		}
	}()

	if headless {
		if err := sess.panel.Open(ctx); err != nil {
			// The failure was already sent as an error event; flush it.
			_ = sess.panel.Serve(ctx, strings.NewReader(""), os.Stdout)
			return cli.Exit("", runtime.ExitCodeFor(err))
		}
		if err := sess.panel.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	// Start the worker behind the panel so startup progress is visible.
	go func() { _ = sess.panel.Open(ctx) }()
	return tui.Run(ctx, sess.panel, s.root)
}
