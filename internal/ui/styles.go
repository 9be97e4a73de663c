// Package ui provides terminal styling for magpie CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/magpielab/magpie/internal/types"
)

// Ayu theme color palette, adaptive between light and dark terminals.
var (
	ColorGood = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorBad = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

// Status styles, consistent across all commands.
var (
	GoodStyle   = lipgloss.NewStyle().Foreground(ColorGood)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	BadStyle    = lipgloss.NewStyle().Foreground(ColorBad)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

// Status icons.
const (
	IconDone    = "✓"
	IconRunning = "…"
	IconFailed  = "✗"
)

// RenderStatus colors a report status: green for completed, red for
// failed, yellow for everything still moving.
func RenderStatus(s types.ReportStatus) string {
	if !UseColor() {
		return string(s)
	}
	switch s {
	case types.ReportCompleted:
		return GoodStyle.Render(string(s))
	case types.ReportFailed:
		return BadStyle.Render(string(s))
	default:
		return WarnStyle.Render(string(s))
	}
}

// RenderGood renders text in the pass color.
func RenderGood(s string) string {
	if !UseColor() {
		return s
	}
	return GoodStyle.Render(s)
}

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string {
	if !UseColor() {
		return s
	}
	return WarnStyle.Render(s)
}

// RenderBad renders text in the failure color.
func RenderBad(s string) string {
	if !UseColor() {
		return s
	}
	return BadStyle.Render(s)
}

// RenderMuted renders text in the muted color.
func RenderMuted(s string) string {
	if !UseColor() {
		return s
	}
	return MutedStyle.Render(s)
}

// RenderAccent renders text in the accent color.
func RenderAccent(s string) string {
	if !UseColor() {
		return s
	}
	return AccentStyle.Render(s)
}

// RenderHeader renders a bold section header.
func RenderHeader(s string) string {
	if !UseColor() {
		return s
	}
	return HeaderStyle.Render(s)
}
