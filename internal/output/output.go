// Package output renders command results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

// Format defines the output format for CLI commands.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// ParseFormat parses a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatTable, FormatYAML, FormatJSON:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// Tabular is data that can render itself as a table.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

// Aligned optionally marks right-aligned columns of a Tabular.
type Aligned interface {
	RightAligned() []int
}

// Table is a ready-made Tabular.
type Table struct {
	Head  []string
	Body  [][]string
	Right []int
}

func (t Table) Headers() []string   { return t.Head }
func (t Table) Rows() [][]string    { return t.Body }
func (t Table) RightAligned() []int { return t.Right }

// Write writes data to w in the given format. Table output requires data to
// implement Tabular; anything else falls back to YAML.
func Write(w io.Writer, format Format, data any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	case FormatTable:
		t, ok := data.(Tabular)
		if !ok {
			return Write(w, FormatYAML, data)
		}
		var right []int
		if a, ok := data.(Aligned); ok {
			right = a.RightAligned()
		}
		_, err := fmt.Fprintln(w, RenderTable(t.Headers(), t.Rows(), right))
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// RenderTable renders rows under headers. Columns listed in right (0-based)
// are right-aligned.
func RenderTable(headers []string, rows [][]string, right []int) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	isRight := make(map[int]bool, len(right))
	for _, i := range right {
		isRight[i] = true
	}
	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if isRight[i] {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}
