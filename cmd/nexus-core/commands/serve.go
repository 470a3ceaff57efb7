package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-hub/nexus-core/pkg/apikey"
	"github.com/nexus-hub/nexus-core/pkg/approval"
	"github.com/nexus-hub/nexus-core/pkg/audit"
	"github.com/nexus-hub/nexus-core/pkg/config"
	"github.com/nexus-hub/nexus-core/pkg/eventbus"
	"github.com/nexus-hub/nexus-core/pkg/log"
	"github.com/nexus-hub/nexus-core/pkg/oauthstore"
	"github.com/nexus-hub/nexus-core/pkg/permission"
	"github.com/nexus-hub/nexus-core/pkg/pluginauth"
	"github.com/nexus-hub/nexus-core/pkg/server"
	"github.com/nexus-hub/nexus-core/pkg/supervisor"
)

func serveCommand(dataDir *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server (OAuth, MCP gateway, host API, event workers)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*dataDir)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return serve(cmd, cfg, *dataDir)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config and NEXUS_LISTEN_ADDR)")
	return cmd
}

func serve(cmd *cobra.Command, cfg *config.Config, dataDir string) error {
	ctx := cmd.Context()

	perms, err := permission.Open(cfg.DataPath("permissions.json"))
	if err != nil {
		return err
	}
	oauth, err := oauthstore.Open(
		cfg.DataPath("oauth_clients.json"),
		cfg.DataPath("oauth_refresh.json"),
		perms,
		oauthstore.Options{
			AccessTokenTTL:  cfg.AccessTokenTTL(),
			RefreshTokenTTL: cfg.RefreshTokenTTL(),
		},
	)
	if err != nil {
		return err
	}
	keys, err := apikey.Open(cfg.DataPath("mcp_api_keys.json"))
	if err != nil {
		return err
	}
	if err := apikey.EnsureDefault(keys, dataDir); err != nil {
		return err
	}

	auditWriter, err := audit.Open(cfg.DataPath("audit.db"))
	if err != nil {
		return err
	}
	defer auditWriter.Close()

	eventStore, err := eventbus.OpenStore(cfg.DataPath("event_store.db"))
	if err != nil {
		return err
	}
	defer eventStore.Close()

	plugins := pluginauth.New(oauth, perms, auditWriter)
	bridge := approval.New(nil, cfg.ApprovalTimeout())

	runtime, err := supervisor.NewDockerRuntime()
	var sup *supervisor.Supervisor
	if err != nil {
		log.Warn("docker unavailable, plugin containers disabled:", err)
	} else {
		sup = supervisor.New(runtime, plugins, nil, nil)
	}

	dispatch := eventbus.Dispatcher(func(ctx context.Context, action eventbus.RouteAction, ce eventbus.CloudEvent) error {
		if sup == nil {
			log.Warn("eventbus: no container runtime, dropping action for", ce.Type)
			return nil
		}
		return sup.Dispatch(ctx, action, ce)
	})

	events := eventbus.NewCore(
		eventbus.NewBus(0),
		eventStore,
		routeTable,
		dispatch,
		eventbus.WithClaimInterval(cfg.ClaimInterval()),
		eventbus.WithBatchSize(cfg.Retry.BatchSize),
		eventbus.WithStrandedAfter(cfg.StrandedAfter()),
	)

	srv, err := server.New(server.Options{
		ListenAddr: cfg.ListenAddr,
		DataDir:    dataDir,
		APIKeys:    keys,
		OAuth:      oauth,
		Perms:      perms,
		Plugins:    plugins,
		Approvals:  bridge,
		Events:     events,
		Audit:      auditWriter,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return auditWriter.Run(ctx) })
	g.Go(func() error { return events.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, dataDir, func(fresh *config.Config) {
			log.Log("config reloaded (running workers keep the settings they started with)")
		})
	})
	g.Go(func() error { return srv.Serve(ctx) })
	return g.Wait()
}

// routeTable materializes the durable fanout for a published event.
// Lifecycle events reach the GUI; everything else is in-memory only
// until route rules are registered by the shell.
func routeTable(ce eventbus.CloudEvent) []eventbus.RouteAction {
	if strings.HasPrefix(ce.Type, "plugin.lifecycle.") {
		return []eventbus.RouteAction{eventbus.EmitFrontend("lifecycle")}
	}
	return nil
}
