package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders rows in padded columns under a bold header. Cells may
// already be styled; widths are measured without escape codes.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	b.WriteString(renderRow(header, widths, boldStyle))
	for _, row := range rows {
		b.WriteByte('\n')
		b.WriteString(renderRow(row, widths, lipgloss.NewStyle()))
	}
	return b.String()
}

func renderRow(cells []string, widths []int, style lipgloss.Style) string {
	parts := make([]string, 0, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		cellStyle := style.Width(w)
		if i < len(widths)-1 {
			cellStyle = cellStyle.PaddingRight(2).Width(w + 2)
		}
		parts = append(parts, cellStyle.Render(cell))
	}
	return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
}
