package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/scanfleet/internal/models"
)

const tablePadding = 2

var (
	headerStyle = lipgloss.NewStyle().Bold(true)

	statusStyles = map[models.NodeStatus]lipgloss.Style{
		models.NodeStatusOnline:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		models.NodeStatusDeploying: lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		models.NodeStatusUpdating:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		models.NodeStatusOutdated:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		models.NodeStatusOffline:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		models.NodeStatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

// writeTable aligns cells by display width, so styled and wide cells line up.
func writeTable(out io.Writer, headers []string, rows [][]string, styled bool) error {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	measure := func(row []string) {
		for idx, cell := range row {
			if w := runewidth.StringWidth(stripANSI(cell)); w > widths[idx] {
				widths[idx] = w
			}
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	writer := bufio.NewWriter(out)
	writeRow := func(row []string, header bool) {
		for idx := 0; idx < colCount; idx++ {
			cell := ""
			if idx < len(row) {
				cell = row[idx]
			}
			padding := widths[idx] - runewidth.StringWidth(stripANSI(cell))
			if header && styled {
				cell = headerStyle.Render(cell)
			}
			writer.WriteString(cell)
			if idx < colCount-1 {
				writer.WriteString(strings.Repeat(" ", max(padding, 0)+tablePadding))
			}
		}
		writer.WriteString("\n")
	}

	if len(headers) > 0 {
		writeRow(headers, true)
	}
	for _, row := range rows {
		writeRow(row, false)
	}
	return writer.Flush()
}

func nodeRows(nodes []*models.Node, styled bool, now time.Time) [][]string {
	rows := make([][]string, 0, len(nodes))
	for _, node := range nodes {
		address := node.IPAddress
		if node.IsLocal {
			address = "local"
		}
		cpu, mem := "-", "-"
		if node.Info != nil {
			cpu = fmt.Sprintf("%.1f%%", node.Info.CPUPercent)
			mem = fmt.Sprintf("%.1f%%", node.Info.MemoryPercent)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", node.ID),
			node.Name,
			address,
			formatStatus(node.Status, styled),
			cpu,
			mem,
			orDash(node.LastVersion),
			formatAge(node.LastHeartbeatAt, now),
		})
	}
	return rows
}

func formatStatus(status models.NodeStatus, styled bool) string {
	if !styled {
		return string(status)
	}
	style, ok := statusStyles[status]
	if !ok {
		return string(status)
	}
	return style.Render(string(status))
}

func formatAge(ts *time.Time, now time.Time) string {
	if ts == nil {
		return "never"
	}
	age := now.Sub(*ts)
	switch {
	case age < time.Second:
		return "just now"
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return ts.Local().Format("2006-01-02 15:04")
	}
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func stripANSI(value string) string {
	if value == "" {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != 0x1b || i+1 >= len(value) || value[i+1] != '[' {
			b.WriteByte(value[i])
			continue
		}
		i += 2
		for i < len(value) {
			ch := value[i]
			if ch >= 0x40 && ch <= 0x7e {
				break
			}
			i++
		}
	}
	return b.String()
}
