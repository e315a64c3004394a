// Package cmd implements the crmlink command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// defaultConfigPath is used when neither --config nor a positional path is given.
const defaultConfigPath = "crmlink.json"

// NewRootCmd creates the root cobra command for crmlink.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "crmlink",
		Short:         "crmlink: recruiting CRM client",
		Long:          "crmlink signs in to the CRM backend, runs commands against it, checks route permissions and follows live SMS conversations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWhoamiCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newCanCmd())
	root.AddCommand(newFileCmd())
	root.AddCommand(newNotifyCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default "+defaultConfigPath+")")

	return root
}

// resolveConfigPath returns the --config / -c flag value, or defaultPath.
func resolveConfigPath(cmd *cobra.Command, defaultPath string) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
