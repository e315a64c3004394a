package chat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/tui"
)

const maxLogLines = 1000

type logsModel struct {
	viewport viewport.Model
	lines    []string
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 6)}
}

func (l *logsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) add(e eventbus.Event) {
	l.lines = append(l.lines, formatLogEntry(e))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	l.viewport.GotoBottom()
}

func formatLogEntry(e eventbus.Event) string {
	ts := e.Timestamp.Format("15:04:05")

	var entry map[string]any
	if err := e.Decode(&entry); err != nil {
		return fmt.Sprintf("  %s %s", ts, tui.Dimmed.Render(string(e.Data)))
	}
	level, _ := entry["level"].(string)
	message, _ := entry["msg"].(string)

	var attrs []string
	for k, v := range entry {
		if k == "level" || k == "msg" || k == "time" {
			continue
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(attrs)

	line := fmt.Sprintf("  %s %s  %s", ts, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), message)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
