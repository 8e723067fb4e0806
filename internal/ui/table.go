// Package ui provides lipgloss table styling for kg's terminal output.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

// Palette, matched to the teacher's muted-accent scheme.
var (
	ColorAccent = lipgloss.Color("12")
	ColorWarn   = lipgloss.Color("3")
	ColorPass   = lipgloss.Color("10")
	ColorMuted  = lipgloss.Color("8")
)

// Table Styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent).
		Align(lipgloss.Center)

	TableWarningStyle = lipgloss.NewStyle().
		Foreground(ColorWarn)

	TableSuccessStyle = lipgloss.NewStyle().
		Foreground(ColorPass)

	TableHintStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)

	TableBorderStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

// NewSearchTable creates a new table with default search styling
func NewSearchTable(width int) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width)
}

// ShouldUseColor reports whether stdout's detected color profile supports
// more than plain ASCII, honoring NO_COLOR (https://no-color.org/).
func ShouldUseColor() bool {
	if termenv.EnvNoColor() {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}
