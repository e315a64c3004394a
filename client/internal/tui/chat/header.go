package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/tui"
)

type headerModel struct {
	user   string
	phones []string
	state  string
	rooms  int
	toast  eventbus.ToastData
}

func newHeader(user string, phones []string) headerModel {
	return headerModel{user: user, phones: phones, state: "disconnected"}
}

func (h *headerModel) setState(sd eventbus.StateData) {
	h.state = sd.State
	h.rooms = sd.Rooms
}

func (h *headerModel) setToast(td eventbus.ToastData) {
	h.toast = td
}

func (h headerModel) View(width int, spin string) string {
	left := tui.Title.Render("crmlink chat")

	status := tui.StateDot(h.state) + " " + tui.StateText(h.state)
	if h.state == "connecting" || h.state == "reconnecting" {
		status = spin + " " + tui.StateText(h.state)
	}
	right := fmt.Sprintf("%s  rooms: %d", status, h.rooms)

	info := fmt.Sprintf("  User: %s   Phones: %s", h.user, strings.Join(h.phones, ", "))
	if h.toast.Message != "" {
		info += "\n  " + tui.ToastStyle(h.toast.Level).Render(h.toast.Message)
	}

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(max(width-2, 20)).
		Padding(0, 1)

	return style.Render(firstRow + "\n" + tui.Description.Render(info))
}
