// Package commands assembles the nexus-core CLI: the serve loop plus
// the small operator commands for keys, grants, and status.
package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nexus-hub/nexus-core/pkg/config"
)

const helpTemplate = `Nexus trust-and-access core - the hub's credential and permission engine.
{{if .UseLine}}
Usage: {{.UseLine}}
{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableSubCommands}}
Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand)}}  {{rpad .Name .NamePadding }} {{.Short}}
{{end}}{{end}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}
`

// Root returns the nexus-core root command.
func Root(ctx context.Context) *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:          "nexus-core",
		Short:        "Run and manage the Nexus hub's trust-and-access core",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetContext(ctx)
			if dataDir == "" {
				resolved, err := config.DataDir()
				if err != nil {
					return err
				}
				dataDir = resolved
			}
			return nil
		},
	}
	cmd.SetHelpTemplate(helpTemplate)
	cmd.SetGlobalNormalizationFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: $NEXUS_HOME or ~/.nexus)")

	cmd.AddCommand(serveCommand(&dataDir))
	cmd.AddCommand(apikeyCommand(&dataDir))
	cmd.AddCommand(grantCommand(&dataDir))
	cmd.AddCommand(statusCommand(&dataDir))

	return cmd
}
