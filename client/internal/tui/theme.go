// Package tui provides shared theme and styles for the crmlink terminal UI.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#2563EB") // blue
	ColorSecondary = lipgloss.Color("#0EA5E9") // sky
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle avoids colliding with the builtin error.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Inbound and Outbound color chat bubbles by direction.
	Inbound = lipgloss.NewStyle().
		Foreground(ColorText).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 1)

	Outbound = lipgloss.NewStyle().
			Foreground(ColorText).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(0, 1)
)

// StateDot returns a colored dot for a realtime connection state.
func StateDot(state string) string {
	switch state {
	case "connected":
		return Success.Render("●")
	case "connecting", "reconnecting":
		return WarningStyle.Render("●")
	default:
		return ErrorStyle.Render("●")
	}
}

// StateText returns a colored label for a realtime connection state.
func StateText(state string) string {
	if state == "" {
		state = "disconnected"
	}
	switch state {
	case "connected":
		return Success.Render(state)
	case "connecting", "reconnecting":
		return WarningStyle.Render(state)
	default:
		return ErrorStyle.Render(state)
	}
}

// LogLevelStyle returns a style for the given slog level name.
func LogLevelStyle(level string) lipgloss.Style {
	switch level {
	case "DEBUG":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "INFO":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "WARN":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "ERROR":
		return lipgloss.NewStyle().Foreground(ColorError)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}

// ToastStyle returns a style for a toast level.
func ToastStyle(level string) lipgloss.Style {
	switch level {
	case "error":
		return ErrorStyle.Bold(true)
	case "warning":
		return WarningStyle.Bold(true)
	default:
		return Success
	}
}
