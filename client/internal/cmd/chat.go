package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/realtime"
	"github.com/drivewhip/crmlink/client/internal/session"
	"github.com/drivewhip/crmlink/client/internal/tui/chat"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

func newChatCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "chat [phone...]",
		Short: "Follow live SMS conversations for one or more phones",
		Long:  "Join the chat rooms of the given phones (or the last phone used) and show messages as they arrive. Rooms are left on exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions{printToasts: plain}
			if !plain {
				opts.logOut = io.Discard
				opts.busLogs = true
			}
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			profile, ok := a.session.Profile(ctx)
			if !ok {
				return session.ErrNotSignedIn
			}

			phones, err := chatPhones(ctx, a.session, args)
			if err != nil {
				return err
			}

			// Subscribe before joining so no early message is missed.
			var events chan eventbus.Event
			if plain {
				events = a.bus.Subscribe(eventbus.ChatMessage, eventbus.RealtimeState)
			}

			for _, phone := range phones {
				if err := a.realtime.JoinPhone(ctx, phone); err != nil {
					leaveAll(a, phones)
					return err
				}
			}
			if err := a.session.SetLastPhone(ctx, phones[0]); err != nil {
				a.logger.Warn("remember phone", "error", err)
			}
			defer leaveAll(a, phones)

			go followSession(ctx, a, cancel)

			if !plain {
				return chat.Run(ctx, a.bus, profile.DisplayName(), phones)
			}
			return printEvents(ctx, cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "print messages as lines instead of the interactive viewer")
	return cmd
}

// chatPhones canonicalizes the requested phones, falling back to the last
// phone used.
func chatPhones(ctx context.Context, sess *session.Authority, args []string) ([]string, error) {
	if len(args) == 0 {
		if last, ok := sess.LastPhone(ctx); ok && last != "" {
			args = []string{last}
		}
	}
	phones := make([]string, 0, len(args))
	for _, arg := range args {
		p, ok := realtime.NormalizePhone(arg)
		if !ok {
			return nil, fmt.Errorf("invalid phone %q", arg)
		}
		phones = append(phones, p)
	}
	if len(phones) == 0 {
		return nil, errors.New("no phone given and none remembered")
	}
	return phones, nil
}

func leaveAll(a *app, phones []string) {
	ctx := context.Background()
	for _, phone := range phones {
		_ = a.realtime.LeavePhone(ctx, phone)
	}
}

// followSession publishes profile changes and cancels the chat when the
// session is cleared, here or by another process sharing the session store.
func followSession(ctx context.Context, a *app, cancel context.CancelFunc) {
	for p := range a.session.Watch(ctx) {
		if p == nil {
			a.logger.Warn("session cleared, leaving chat")
			cancel()
			return
		}
		a.bus.PublishType(eventbus.SessionChanged, p)
	}
}

func printEvents(ctx context.Context, w io.Writer, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case eventbus.ChatMessage:
				var cm protocol.ChatMessage
				if err := evt.Decode(&cm); err != nil {
					continue
				}
				ts := cm.SentAtUTC
				if ts == "" {
					ts = evt.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
				}
				_, _ = fmt.Fprintf(w, "%s %-8s %s -> %s: %s\n", ts, cm.Direction, cm.From, cm.To, cm.Body)
			case eventbus.RealtimeState:
				var sd eventbus.StateData
				if err := evt.Decode(&sd); err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "-- %s (%d rooms)\n", sd.State, sd.Rooms)
			}
		}
	}
}
