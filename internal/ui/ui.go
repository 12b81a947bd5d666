// Package ui holds the lipgloss styles bpctl prints with.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// MaxWidth is the maximum width for styled output.
const MaxWidth = 80

// Colors.
var (
	Green  = lipgloss.Color("2")
	Red    = lipgloss.Color("1")
	Yellow = lipgloss.Color("3")
	Subtle = lipgloss.Color("8")
)

var (
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Subtle).
			Padding(0, 1).
			MarginBottom(1)
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(Subtle)
)

func mark(color lipgloss.Color, symbol, msg string) string {
	return lipgloss.NewStyle().Foreground(color).Render(symbol) + " " + msg
}

// Result renders a test result with a colored dot: green for a pass, red
// for a failure or error, yellow for anything still open.
func Result(result string) string {
	switch strings.ToLower(result) {
	case "passed", "pass":
		return mark(Green, "●", result)
	case "failed", "fail", "error", "canceled":
		return mark(Red, "●", result)
	case "":
		return mark(Subtle, "●", "unknown")
	default:
		return mark(Yellow, "●", result)
	}
}

// Section renders content inside a bordered box with a bold title.
func Section(title, content string, width int) string {
	width = min(width, MaxWidth)
	return sectionStyle.Width(max(width-4, 40)).Render(titleStyle.Render(title) + "\n" + content)
}

// StepOK returns a green checkmark step line.
func StepOK(msg string) string { return mark(Green, "✔", msg) }

// StepFail returns a red cross step line.
func StepFail(msg string) string { return mark(Red, "✘", msg) }

// Warn returns a yellow warning line (caller writes to stderr).
func Warn(msg string) string { return mark(Yellow, "⚠", msg) }

// Error returns a red error line (caller writes to stderr).
func Error(msg string) string { return mark(Red, "✘", msg) }

// Elapsed formats a step duration the way step lines show it.
func Elapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("(%dms)", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("(%.1fs)", d.Seconds())
	default:
		return "(" + d.Round(time.Second).String() + ")"
	}
}

// Table renders rows under subtle headers, each column padded to its
// widest cell.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len(cell))
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			parts[i] = fmt.Sprintf("%-*s", w, cell)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines := []string{headerStyle.Render(line(headers))}
	for _, row := range rows {
		lines = append(lines, line(row))
	}
	return strings.Join(lines, "\n")
}

// Field renders a "key: value" line with the key column aligned.
func Field(key, value string) string {
	return fmt.Sprintf("%-14s %s", key+":", value)
}
