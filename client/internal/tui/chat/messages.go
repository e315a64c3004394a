package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/drivewhip/crmlink/client/internal/tui"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

const maxMessages = 500

type messagesModel struct {
	viewport   viewport.Model
	items      []string
	autoScroll bool
}

func newMessages() messagesModel {
	return messagesModel{viewport: viewport.New(80, 15), autoScroll: true}
}

func (m *messagesModel) SetSize(width, height int) {
	m.viewport.Width = width
	m.viewport.Height = height
}

func (m *messagesModel) add(cm protocol.ChatMessage, received time.Time) {
	m.items = append(m.items, formatMessage(cm, received))
	if len(m.items) > maxMessages {
		m.items = m.items[len(m.items)-maxMessages:]
	}
	m.viewport.SetContent(strings.Join(m.items, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func formatMessage(cm protocol.ChatMessage, received time.Time) string {
	ts := received.Local().Format("15:04:05")
	if t, err := time.Parse(time.RFC3339Nano, cm.SentAtUTC); err == nil {
		ts = t.Local().Format("15:04:05")
	}

	meta := fmt.Sprintf("%s  %s → %s", ts, cm.From, cm.To)
	if cm.ApplicantID != nil {
		meta += fmt.Sprintf("  applicant %d", *cm.ApplicantID)
	}
	if cm.Status != "" {
		meta += "  [" + cm.Status + "]"
	}

	style := tui.Inbound
	if cm.Direction == protocol.DirectionOutbound {
		style = tui.Outbound
	}
	return "  " + tui.Dimmed.Render(meta) + "\n" + style.Render(cm.Body)
}

func (m messagesModel) Update(msg tea.Msg) (messagesModel, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch km.String() {
		case "G":
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case "g":
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case "j", "down", "k", "up":
			m.autoScroll = false
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m messagesModel) View() string {
	if len(m.items) == 0 {
		return tui.Dimmed.Render("  Waiting for messages…")
	}
	return m.viewport.View()
}
