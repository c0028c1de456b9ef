package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/yllada/xvpn-control/common"
)

// styles holds the terminal styles. The zero value renders plain text.
type styles struct {
	enabled bool
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(enabled bool) styles {
	if !enabled {
		return styles{}
	}
	return styles{
		enabled: true,
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

func (s styles) render(style lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return style.Render(text)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// validFormat reports whether format is a known output format.
func validFormat(format string) bool {
	return common.StringInSlice(format, []string{common.OutputTable, common.OutputJSON, common.OutputYAML})
}

// render writes v as JSON or YAML. For the table format it calls table
// with a tabwriter that is flushed afterwards.
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case common.OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case common.OutputYAML:
		plain, err := toPlain(v)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(plain); err != nil {
			return err
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

// toPlain round-trips v through JSON so YAML output uses the json field
// names and helper numbers come out as numbers.
func toPlain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error serializing output: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error serializing output: %w", err)
	}
	return out, nil
}

// yesNo formats a flag for tables.
func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// dash replaces an empty table cell.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
