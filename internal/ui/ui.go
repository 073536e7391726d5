// Package ui styles terminal output for the odi CLI. Styling follows
// the ambient color profile, so piped output and NO_COLOR environments
// come out plain.
package ui

import (
	"os"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/odi-tracker/odi/internal/core"
)

var (
	colorPass   = lipgloss.Color("42")
	colorWarn   = lipgloss.Color("214")
	colorError  = lipgloss.Color("196")
	colorAccent = lipgloss.Color("39")
	colorMuted  = lipgloss.Color("245")
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(colorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// NoColor turns all styling off for the rest of the process. The CLI
// wires this to --no-color.
func NoColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles failures.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderAccent styles headings and progress markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold styles emphasis.
func RenderBold(s string) string { return boldStyle.Render(s) }

// RenderStatus colors an issue status: open green, in progress amber,
// closed muted.
func RenderStatus(s core.Status) string {
	switch s {
	case core.StatusOpen:
		return passStyle.Render(string(s))
	case core.StatusInProgress:
		return warnStyle.Render(string(s))
	case core.StatusClosed:
		return mutedStyle.Render(string(s))
	default:
		return string(s)
	}
}

// RenderPriority colors a priority: critical red, high amber, low
// muted, medium plain.
func RenderPriority(p core.Priority) string {
	switch p {
	case core.PriorityCritical:
		return errorStyle.Render(string(p))
	case core.PriorityHigh:
		return warnStyle.Render(string(p))
	case core.PriorityLow:
		return mutedStyle.Render(string(p))
	default:
		return string(p)
	}
}

// Width returns the terminal width, or 80 when stdout is not a
// terminal.
func Width() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// Truncate caps s at max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
