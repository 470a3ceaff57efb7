package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexus-hub/nexus-core/pkg/config"
	"github.com/nexus-hub/nexus-core/pkg/permission"
)

func grantCommand(dataDir *string) *cobra.Command {
	var scopes []string
	var deferred bool

	cmd := &cobra.Command{
		Use:   "grant PRINCIPAL PERMISSION",
		Short: "Grant (or defer) a permission for a principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			perms, err := openPerms(*dataDir)
			if err != nil {
				return err
			}
			perm, ok := permission.Parse(args[1])
			if !ok {
				return fmt.Errorf("unknown permission %q", args[1])
			}

			var set *permission.ScopeSet
			if len(scopes) > 0 {
				set = permission.RestrictedTo(scopes...)
			}

			if deferred {
				return perms.Defer(args[0], perm, set)
			}
			return perms.Grant(args[0], perm, set)
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Restrict the grant to these scopes (repeatable)")
	cmd.Flags().BoolVar(&deferred, "deferred", false, "Record the grant as deferred (prompts at first use)")

	cmd.AddCommand(&cobra.Command{
		Use:   "ls PRINCIPAL",
		Short: "List a principal's grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			perms, err := openPerms(*dataDir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PERMISSION\tSTATE\tRISK\tSCOPES")
			for _, g := range perms.GetGrants(args[0]) {
				scopes := "(unrestricted)"
				if g.ApprovedScopes != nil {
					scopes = fmt.Sprintf("%v", g.ApprovedScopes.Values)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.Permission, g.State, g.Permission.Risk(), scopes)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke PRINCIPAL PERMISSION",
		Short: "Revoke a permission (soft: scopes survive an unrevoke)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			perms, err := openPerms(*dataDir)
			if err != nil {
				return err
			}
			perm, ok := permission.Parse(args[1])
			if !ok {
				return fmt.Errorf("unknown permission %q", args[1])
			}
			return perms.Revoke(args[0], perm)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unrevoke PRINCIPAL PERMISSION",
		Short: "Restore a revoked permission",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			perms, err := openPerms(*dataDir)
			if err != nil {
				return err
			}
			perm, ok := permission.Parse(args[1])
			if !ok {
				return fmt.Errorf("unknown permission %q", args[1])
			}
			return perms.Unrevoke(args[0], perm)
		},
	})

	return cmd
}

func openPerms(dataDir string) (*permission.Service, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	return permission.Open(cfg.DataPath("permissions.json"))
}
