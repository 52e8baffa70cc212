package style

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column defines a table column.
type Column struct {
	Name  string
	Width int
	Align lipgloss.Position
}

// Table renders fixed-width rows under a header.
type Table struct {
	styler  Styler
	columns []Column
	rows    [][]string
	indent  string
}

// NewTable creates a table rendered with r.
func NewTable(r Styler, columns ...Column) *Table {
	return &Table{styler: r, columns: columns, indent: "  "}
}

// SetIndent sets the left indent.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// AddRow appends a row; missing cells are blank.
func (t *Table) AddRow(values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	return t
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}
	var sb strings.Builder

	header := make([]string, len(t.columns))
	total := 0
	for i, col := range t.columns {
		header[i] = t.styler.Render(Bold, cell(col.Name, col))
		total += col.Width
	}
	total += len(t.columns) - 1
	sb.WriteString(t.indent + strings.Join(header, " ") + "\n")
	sb.WriteString(t.indent + t.styler.Render(Dim, strings.Repeat("─", total)) + "\n")

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			cells[i] = cell(row[i], col)
		}
		sb.WriteString(t.indent + strings.Join(cells, " ") + "\n")
	}
	return sb.String()
}

// cell truncates or pads text to the column width.
func cell(text string, col Column) string {
	if col.Width <= 0 {
		return text
	}
	if lipgloss.Width(text) > col.Width {
		r := []rune(text)
		if col.Width > 3 && len(r) > col.Width-3 {
			text = string(r[:col.Width-3]) + "..."
		} else {
			text = string(r[:min(len(r), col.Width)])
		}
	}
	return lipgloss.PlaceHorizontal(col.Width, col.Align, text)
}
