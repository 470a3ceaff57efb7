package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexus-hub/nexus-core/pkg/apikey"
	"github.com/nexus-hub/nexus-core/pkg/config"
)

func apikeyCommand(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage MCP API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create LABEL",
		Short: "Create a new API key and print its raw value once",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openKeys(*dataDir)
			if err != nil {
				return err
			}
			rec, raw, err := store.Create(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", raw)
			fmt.Fprintf(os.Stderr, "id=%s prefix=%s (the raw key is not retrievable again)\n", rec.ID, rec.Prefix)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := openKeys(*dataDir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tPREFIX\tCREATED\tLAST USED")
			for _, k := range store.List() {
				lastUsed := "-"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Label, k.Prefix, k.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openKeys(*dataDir)
			if err != nil {
				return err
			}
			return store.Remove(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show-default",
		Short: "Print the auto-generated default key's raw value (works once)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			raw, ok, err := apikey.ShowDefault(*dataDir)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("the default key has already been shown")
			}
			fmt.Println(raw)
			return nil
		},
	})

	return cmd
}

func openKeys(dataDir string) (*apikey.Store, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	return apikey.Open(cfg.DataPath("mcp_api_keys.json"))
}
