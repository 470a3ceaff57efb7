package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-hub/nexus-core/pkg/config"
	"github.com/nexus-hub/nexus-core/pkg/server"
)

func statusCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running hub's diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*dataDir)
			if err != nil {
				return err
			}
			token, err := os.ReadFile(cfg.DataPath(server.GatewayTokenFilename))
			if err != nil {
				return fmt.Errorf("no gateway token on disk; is the hub installed? (%w)", err)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				"http://"+cfg.ListenAddr+"/api/v1/hub/status", nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("hub unreachable at %s: %w", cfg.ListenAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("hub answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
