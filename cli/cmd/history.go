package cmd

import (
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/render"
	"github.com/pithecene-io/codechat/types"
)

// historyRow is the table view of one exchange.
type historyRow struct {
	Started  time.Time     `json:"started_at" yaml:"started_at"`
	Outcome  string        `json:"outcome" yaml:"outcome"`
	Query    string        `json:"query" yaml:"query"`
	Answer   string        `json:"answer" yaml:"answer"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// previewRunes bounds query and answer text in table rows.
const previewRunes = 60

// HistoryCommand returns the history command.
func HistoryCommand() *cli.Command {
	flags := append(WorkspaceFlags(), HistoryFlags()...)
	flags = append(flags, ReadOnlyFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of exchanges to return, newest first (0 = no limit)",
			Value: 20,
		},
		&cli.StringSliceFlag{
			Name:  "outcome",
			Usage: "Filter by outcome: done, error, worker_died, cancelled",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "Show the metrics of the last finished session instead",
		},
	)
	return &cli.Command{
		Name:   "history",
		Usage:  "List recent exchanges for the workspace",
		Flags:  flags,
		Action: historyAction,
	}
}

func historyAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	s, err := resolveSettings(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	store, err := buildHistory(c.Context, s, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if store == nil {
		return cli.Exit("history is disabled (backend none)", 1)
	}

	if c.Bool("metrics") {
		record, err := store.LatestMetrics(c.Context)
		if err != nil {
			return err
		}
		if record == nil {
			return cli.Exit("no session metrics recorded", 1)
		}
		return r.Render(record)
	}

	var outcomes []types.ExchangeOutcome
	for _, o := range c.StringSlice("outcome") {
		outcomes = append(outcomes, types.ExchangeOutcome(o))
	}

	exchanges, err := store.List(c.Context, c.Int("limit"), outcomes...)
	if err != nil {
		return err
	}

	if r.Format() != render.FormatTable {
		return r.Render(exchanges)
	}
	return r.Render(historyRows(exchanges))
}

func historyRows(exchanges []types.Exchange) []historyRow {
	rows := make([]historyRow, 0, len(exchanges))
	for i := range exchanges {
		ex := &exchanges[i]
		answer := ex.Answer
		if ex.Outcome != types.OutcomeDone && ex.Message != "" {
			answer = ex.Message
		}
		rows = append(rows, historyRow{
			Started:  ex.StartedAt,
			Outcome:  string(ex.Outcome),
			Query:    preview(ex.Query),
			Answer:   preview(answer),
			Duration: ex.Duration.Round(time.Millisecond),
		})
	}
	return rows
}

// preview flattens text to one line and truncates it.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewRunes {
		return string(r[:previewRunes-1]) + "…"
	}
	return s
}
