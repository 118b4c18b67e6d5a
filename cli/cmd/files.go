package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/codechat/cli/render"
	"github.com/pithecene-io/codechat/workspace"
)

// fileRow is one entry in the files listing.
type fileRow struct {
	Path     string `json:"path" yaml:"path"`
	Language string `json:"language" yaml:"language"`
	Bytes    int    `json:"bytes" yaml:"bytes"`
}

// listWarningThreshold is the number of files above which we suggest
// narrowing the workspace.
const listWarningThreshold = 500

// FilesCommand returns the files command: the snapshot the worker would get.
func FilesCommand() *cli.Command {
	return &cli.Command{
		Name:   "files",
		Usage:  "List the workspace files sent to the worker",
		Flags:  append(WorkspaceFlags(), ReadOnlyFlags()...),
		Action: filesAction,
	}
}

func filesAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	s, err := resolveSettings(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	enum, err := workspace.NewEnumerator(s.workspace)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer enum.Close()

	files, err := enum.Snapshot(c.Context)
	if err != nil {
		return err
	}

	rows := make([]fileRow, 0, len(files))
	for _, f := range files {
		rows = append(rows, fileRow{Path: f.Path, Language: f.Language, Bytes: len(f.Content)})
	}

	// Warn on large workspaces (TTY only to avoid noise in pipelines).
	if len(rows) > listWarningThreshold && render.IsTerminal(os.Stderr) {
		fmt.Fprintf(os.Stderr, "Warning: %d files will be sent to the worker. Consider workspace.extensions or workspace.ignore.\n\n", len(rows))
	}

	return r.Render(rows)
}
