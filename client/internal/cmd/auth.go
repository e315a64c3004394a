package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivewhip/crmlink/client/internal/session"
	"github.com/drivewhip/crmlink/pkg/cli"
)

func newLoginCmd() *cobra.Command {
	var user string
	var service bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and cache the session",
		Long:  "Sign in with a user name and password (prompted), or with the service account of the active environment when --service is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			var password string
			if service {
				env := a.cfg.Active()
				if env.ServiceUser == "" || env.ServiceSecret == "" {
					return fmt.Errorf("environment %s has no service account configured", a.cfg.Environment)
				}
				user, password = env.ServiceUser, env.ServiceSecret
			} else {
				p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
				user, password, err = p.Credentials(user, "")
				if err != nil {
					return err
				}
			}

			profile, err := a.gateway.SignIn(cmd.Context(), user, password)
			if err != nil {
				return fmt.Errorf("sign in: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Signed in as %s", profile.DisplayName())
			if profile.Role != "" {
				_, _ = fmt.Fprintf(out, " (%s)", profile.Role)
			}
			_, _ = fmt.Fprintf(out, " on %s\n", a.cfg.Environment)
			return nil
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "user name (prompted when empty)")
	cmd.Flags().BoolVar(&service, "service", false, "sign in with the environment's service account")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the cached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.gateway.ClearCachedAuth(cmd.Context()); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			profile, ok := a.session.Profile(ctx)
			if !ok {
				return session.ErrNotSignedIn
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "User:        %s\n", profile.User)
			_, _ = fmt.Fprintf(out, "Name:        %s\n", profile.DisplayName())
			_, _ = fmt.Fprintf(out, "Role:        %s\n", profile.Role)
			_, _ = fmt.Fprintf(out, "Active:      %v\n", profile.Active)
			_, _ = fmt.Fprintf(out, "Environment: %s\n", a.cfg.Environment)

			claims, err := a.session.TokenClaims(ctx)
			switch {
			case errors.Is(err, session.ErrNoToken):
				_, _ = fmt.Fprintln(out, "Token:       none")
			case err != nil:
				_, _ = fmt.Fprintln(out, "Token:       unreadable")
			case claims.ExpiresAt != nil:
				exp := claims.ExpiresAt.Time
				state := "valid"
				if time.Now().After(exp) {
					state = "expired"
				}
				_, _ = fmt.Fprintf(out, "Token:       %s, expires %s\n", state, exp.Local().Format(time.RFC3339))
			default:
				_, _ = fmt.Fprintln(out, "Token:       present, no expiry")
			}

			if loc, ok := a.session.SelectedLocation(ctx); ok {
				if name, ok := loc["name"].(string); ok {
					_, _ = fmt.Fprintf(out, "Location:    %s\n", name)
				}
			}
			return nil
		},
	}
}
