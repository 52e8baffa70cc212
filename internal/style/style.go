// Package style provides terminal styling for CLI output using lipgloss.
// Colors are only emitted when stdout is a terminal.
package style

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	Accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// Status markers
const (
	IconOK   = "✓"
	IconFail = "✗"
)

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Styler renders styles only when its output is a terminal.
type Styler struct {
	color bool
}

// For returns a styler for output written to w.
func For(w io.Writer) Styler {
	return Styler{color: IsTTY(w)}
}

// Render applies s to text when color is enabled.
func (r Styler) Render(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}

// OK formats a success line.
func (r Styler) OK(text string) string {
	return r.Render(Success, IconOK) + " " + text
}

// Fail formats a failure line.
func (r Styler) Fail(text string) string {
	return r.Render(Error, IconFail) + " " + text
}
