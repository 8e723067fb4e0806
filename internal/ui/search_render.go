package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// SearchRow is one ranked hit, enough to render a result table row.
type SearchRow struct {
	Slug string
	Text string
}

// RenderResults renders a search result table for query.
func RenderResults(query string, results []SearchRow, width int) string {
	rows := [][]string{
		{fmt.Sprintf("Found %d bullets:", len(results)), ""},
	}

	maxTextWidth := width - 24
	if maxTextWidth < 10 {
		maxTextWidth = 10
	}
	for i, r := range results {
		text := r.Text
		if len(text) > maxTextWidth {
			text = text[:maxTextWidth-3] + "..."
		}
		rows = append(rows, []string{fmt.Sprintf("%d. [%s]", i+1, r.Slug), text})
	}

	return NewSearchTable(width).
		Headers("🔍 Search", fmt.Sprintf("%q", query)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch row {
			case table.HeaderRow:
				return TableHeaderStyle
			case 0:
				return TableHintStyle
			default:
				return lipgloss.NewStyle().Padding(0, 1)
			}
		}).
		String()
}

// RenderNoResults renders a no-results table, optionally offering suggestion
// as a "did you mean" hint for a likely typo in query.
func RenderNoResults(query, suggestion string, width int) string {
	rows := [][]string{
		{"⚠️ No bullets found.", ""},
	}
	if suggestion != "" {
		rows = append(rows, []string{"💡 Did you mean:", suggestion})
	}

	return NewSearchTable(width).
		Headers("🔍 Search", fmt.Sprintf("%q", query)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row == 0:
				return TableWarningStyle
			default:
				return TableHintStyle.Bold(true)
			}
		}).
		String()
}
