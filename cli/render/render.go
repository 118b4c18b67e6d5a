// Package render formats codechat command output.
//
// Format selection:
//   - --format always wins; unknown formats are errors
//   - otherwise table on a terminal, json when piped
//
// --no-color, or a non-terminal stdout, turns off table header styling.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format name. The empty string means "choose for me".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatTable, FormatYAML, "":
		return f, nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Tabular is implemented by values that lay themselves out as a table.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// Renderer writes values in one format.
type Renderer struct {
	format Format
	color  bool
	out    io.Writer
}

// NewRenderer creates a renderer for stdout from the --format and
// --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	tty := IsTerminal(os.Stdout)
	if format == "" {
		format = FormatJSON
		if tty {
			format = FormatTable
		}
	}
	return &Renderer{
		format: format,
		color:  tty && !c.Bool("no-color"),
		out:    os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer over any writer, without color.
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render writes data in the selected format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderTable(data any) error {
	if t, ok := data.(Tabular); ok {
		return r.writeRows(t.Headers(), t.Rows())
	}

	v := reflect.Indirect(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(r.out, "(no results)")
			return err
		}
		headers := structHeaders(reflect.Indirect(v.Index(0)).Type())
		rows := make([][]string, 0, v.Len())
		for i := range v.Len() {
			rows = append(rows, structRow(reflect.Indirect(v.Index(i))))
		}
		return r.writeRows(headers, rows)

	case reflect.Struct:
		return r.writePairs(structHeaders(v.Type()), structRow(v))

	case reflect.Map:
		keys := make([]string, 0, v.Len())
		values := make(map[string]string, v.Len())
		for iter := v.MapRange(); iter.Next(); {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			values[k] = formatValue(iter.Value())
		}
		slices.Sort(keys)
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = values[k]
		}
		return r.writePairs(keys, vals)

	default:
		_, err := fmt.Fprintln(r.out, formatValue(v))
		return err
	}
}

func (r *Renderer) writeRows(headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, r.header(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func (r *Renderer) writePairs(keys, values []string) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for i, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", r.header(k+":"), values[i])
	}
	return w.Flush()
}

func (r *Renderer) header(s string) string {
	if !r.color {
		return s
	}
	return headerStyle.Render(s)
}

// structHeaders names exported fields by json tag, skipping json:"-".
func structHeaders(t reflect.Type) []string {
	if t.Kind() != reflect.Struct {
		return []string{"value"}
	}
	var headers []string
	for i := range t.NumField() {
		if name, ok := fieldName(t.Field(i)); ok {
			headers = append(headers, name)
		}
	}
	return headers
}

func structRow(v reflect.Value) []string {
	if v.Kind() != reflect.Struct {
		return []string{formatValue(v)}
	}
	var row []string
	for i := range v.NumField() {
		if _, ok := fieldName(v.Type().Field(i)); ok {
			row = append(row, formatValue(v.Field(i)))
		}
	}
	return row
}

func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch tag {
	case "-":
		return "", false
	case "":
		return strings.ToLower(f.Name), true
	default:
		return tag, true
	}
}

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	switch x := v.Interface().(type) {
	case time.Time:
		return x.Format(time.RFC3339)
	case time.Duration:
		return x.String()
	case fmt.Stringer:
		return x.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
