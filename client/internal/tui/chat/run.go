package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
)

// Run shows the viewer until the user quits or ctx is canceled. Bus events
// are forwarded to the program as EventMsg.
func Run(ctx context.Context, bus *eventbus.Bus, user string, phones []string) error {
	m := NewModel(user, phones)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	go func() {
		for evt := range ch {
			p.Send(EventMsg(evt))
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
