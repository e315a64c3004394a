package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drivewhip/crmlink/client/internal/session"
	"github.com/drivewhip/crmlink/pkg/protocol"
)

func newExecCmd() *cobra.Command {
	var jsonParams string

	cmd := &cobra.Command{
		Use:   "exec <command> [param...]",
		Short: "Run a named server command",
		Long: `Run a named server command with positional parameters.

Each parameter is sent as null, a number or a boolean when it parses as one,
and as a string otherwise. Quote a value as JSON ("\"42\"") to force a string.
--json-params replaces the positional parameters with a JSON array.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make([]any, 0, len(args)-1)
			if jsonParams != "" {
				if len(args) > 1 {
					return fmt.Errorf("use either positional parameters or --json-params")
				}
				if err := json.Unmarshal([]byte(jsonParams), &params); err != nil {
					return fmt.Errorf("--json-params must be a JSON array: %w", err)
				}
			} else {
				for _, s := range args[1:] {
					params = append(params, parseParam(s))
				}
			}

			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.gateway.ExecuteCommand(cmd.Context(), protocol.NewCommand(args[0], params...))
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("%s: %s", args[0], res.ErrorMessage())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jsonParams, "json-params", "", "parameters as a JSON array")
	return cmd
}

// parseParam converts a command-line value into a JSON parameter.
func parseParam(s string) any {
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.ContainsAny(s, "xXnN") {
		return f
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err == nil {
			return str
		}
	}
	return s
}

func printResult(w io.Writer, res *protocol.CommandResult) error {
	if res.Raw != nil {
		_, err := w.Write(res.Raw)
		return err
	}
	var v any = res.Body
	if res.Body == nil {
		v = map[string]any{"ok": res.OK, "data": res.Data, "error": res.Error}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can <path> [Create|Read|Update|Delete]",
		Short: "Check a route permission for the signed-in user",
		Long:  "Check whether the cached permissions allow an action on a route. The action defaults to Read. Exits non-zero when denied.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := protocol.ActionRead
			if len(args) == 2 {
				var ok bool
				if action, ok = protocol.ParseAction(args[1]); !ok {
					return fmt.Errorf("unknown action %q", args[1])
				}
			}

			a, err := newApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if _, ok := a.session.Profile(ctx); !ok {
				return session.ErrNotSignedIn
			}

			path := session.NormalizePath(args[0])
			a.session.SetCurrentRoute(path)
			if !a.session.EnsureCurrent(ctx, action) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deny %s %s\n", action, path)
				return errDenied
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "allow %s %s\n", action, path)
			return nil
		},
	}
}

var errDenied = errors.New("permission denied")

func newFileCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "file <folder> <name>",
		Short: "Download a stored file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, appOptions{printToasts: true})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.gateway.FetchFile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				return printResult(cmd.OutOrStdout(), res)
			}
			if res.Raw == nil {
				return fmt.Errorf("file response is JSON, not file content: %s", res.ErrorMessage())
			}
			if err := os.WriteFile(output, res.Raw, 0o600); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %d bytes to %s\n", len(res.Raw), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write file content here instead of stdout")
	return cmd
}
