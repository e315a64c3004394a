// Package chat is the live conversation viewer: joined rooms, incoming and
// outgoing messages, toasts and client logs, all fed from the event bus.
package chat

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/tui"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

// Panel identifies which panel is focused.
type Panel int

const (
	PanelMessages Panel = iota
	PanelLogs
)

// Model is the root chat viewer model.
type Model struct {
	header   headerModel
	messages messagesModel
	logs     logsModel
	help     helpModel
	spinner  spinner.Model

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a viewer for the signed-in user watching phones.
func NewModel(user string, phones []string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(tui.ColorAccent)

	return Model{
		header:   newHeader(user, phones),
		messages: newMessages(),
		logs:     newLogs(),
		help:     newHelp(),
		spinner:  sp,
	}
}

// EventMsg wraps an event from the bus.
type EventMsg eventbus.Event

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		msgH, logH := m.panelHeights()
		m.messages.SetSize(msg.Width-4, msgH)
		m.logs.SetSize(msg.Width-4, logH)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelMessages {
				m.activePanel = PanelLogs
			} else {
				m.activePanel = PanelMessages
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.handleEvent(eventbus.Event(msg))
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelMessages:
		m.messages, cmd = m.messages.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.ChatMessage:
		var cm protocol.ChatMessage
		if e.Decode(&cm) == nil {
			m.messages.add(cm, e.Timestamp)
		}
	case eventbus.RealtimeState:
		var sd eventbus.StateData
		if e.Decode(&sd) == nil {
			m.header.setState(sd)
		}
	case eventbus.Toast:
		var td eventbus.ToastData
		if e.Decode(&td) == nil {
			m.header.setToast(td)
		}
	case eventbus.SessionChanged:
		var p protocol.UserProfile
		if e.Decode(&p) == nil {
			m.header.user = p.DisplayName()
		}
	case eventbus.SessionCleared:
		m.header.setToast(eventbus.ToastData{Level: "warning", Message: "Signed out"})
	case eventbus.LogEntry:
		m.logs.add(e)
	}
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	msgStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)
	logStyle := msgStyle

	if m.activePanel == PanelMessages {
		msgStyle = msgStyle.BorderForeground(tui.ColorPrimary)
	} else {
		logStyle = logStyle.BorderForeground(tui.ColorPrimary)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.header.View(m.width, m.spinner.View()),
		msgStyle.Render(tui.Subtitle.Render(" Messages")+"\n"+m.messages.View()),
		logStyle.Render(tui.Subtitle.Render(" Logs")+"\n"+m.logs.View()),
		m.help.bar(),
	)
}

// Quitting reports whether the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) panelHeights() (messages, logs int) {
	// Header, help bar and two bordered panels with titles.
	avail := m.height - 5 - 1 - 6
	if avail < 10 {
		avail = 10
	}
	logs = avail / 3
	return avail - logs, logs
}
