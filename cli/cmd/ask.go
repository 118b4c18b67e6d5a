package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/render"
	"github.com/pithecene-io/codechat/panel"
	"github.com/pithecene-io/codechat/runtime"
)

// AskCommand returns the one-shot ask command.
//
// Exit codes:
//   - 0: the worker answered (done)
//   - 1: the worker reported an error
//   - 2: the worker died, failed to start or never became ready
//   - 3: the session was busy, closed or cancelled
func AskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask one question and stream the answer to stdout",
		ArgsUsage: "<question>",
		Flags: append(SessionFlags(),
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Print session metrics to stderr when done",
			},
			FormatFlag,
		),
		Action: askAction,
	}
}

func askAction(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return cli.Exit("question required", 1)
	}

	s, err := resolveSettings(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, s, sessionOptions{logOut: os.Stderr})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	askErr := runAsk(ctx, sess.panel, question, os.Stdout, os.Stderr)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := sess.Close(closeCtx); err != nil {
		sess.logger.Warn("session close failed", map[string]any{"error": err.Error()})
	}

	if c.Bool("stats") {
		format, err := render.ParseFormat(c.String("format"))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		if format == "" {
			format = render.FormatTable
		}
		if err := render.NewRendererWithWriter(format, os.Stderr).Render(sess.collector.Snapshot()); err != nil {
			return err
		}
	}

	if code := runtime.ExitCodeFor(askErr); code != runtime.ExitCodeDone {
		// The cause was already printed from the panel's error event.
		return cli.Exit("", code)
	}
	return nil
}

// runAsk opens the panel, asks one question and copies the answer to out
// as it streams. Errors reported by the panel go to errOut.
func runAsk(ctx context.Context, p *panel.Controller, question string, out, errOut io.Writer) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay(p.Events(), stop, out, errOut)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	if err := p.Open(ctx); err != nil {
		return err
	}
	_, err := p.Ask(ctx, question)
	return err
}

// relay prints panel events until stop is closed and nothing is buffered.
func relay(events <-chan panel.Event, stop <-chan struct{}, out, errOut io.Writer) {
	write := func(ev panel.Event) {
		switch ev.Type {
		case panel.EventStream:
			_, _ = io.WriteString(out, ev.Content)
		case panel.EventStreamComplete:
			_, _ = io.WriteString(out, "\n")
		case panel.EventError:
			_, _ = fmt.Fprintf(errOut, "error: %s\n", ev.Content)
		}
	}
	for {
		select {
		case ev := <-events:
			write(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					write(ev)
				default:
					return
				}
			}
		}
	}
}
