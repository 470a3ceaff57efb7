// Package supervisor couples plugin container lifecycle to the hub's
// credential lifecycle: every container transition flows through the
// auth glue before (or after) the runtime is touched, and the durable
// event bus's route actions are executed against running containers.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nexus-hub/nexus-core/pkg/eventbus"
	"github.com/nexus-hub/nexus-core/pkg/log"
	"github.com/nexus-hub/nexus-core/pkg/pluginauth"
)

// Runtime is the container-runtime surface the supervisor needs. The
// Docker API client satisfies it; tests substitute an in-memory fake.
type Runtime interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// NewDockerRuntime builds the Docker-backed Runtime from environment
// settings (DOCKER_HOST etc.), negotiating the API version with the
// local daemon.
func NewDockerRuntime() (Runtime, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// FrontendEmitter pushes a payload to a GUI channel, best-effort. The
// shell wires its own implementation; nil drops frontend emissions.
type FrontendEmitter func(channel string, payload json.RawMessage)

// ToolInvoker carries a tool call into a running plugin container.
// The transport (the container's MCP session) lives outside this
// package; the supervisor only guarantees a container exists first.
type ToolInvoker func(ctx context.Context, pluginID, tool string, args json.RawMessage) error

// Supervisor owns the plugin-id -> container-id mapping and the
// lifecycle ordering between containers and credentials.
type Supervisor struct {
	runtime  Runtime
	auth     *pluginauth.Service
	frontend FrontendEmitter
	invoke   ToolInvoker
}

// New builds a Supervisor. frontend and invoke may be nil; a nil
// invoke makes tool deliveries succeed once the container check
// passes, which is enough for a hub running without plugin transports.
func New(runtime Runtime, auth *pluginauth.Service, frontend FrontendEmitter, invoke ToolInvoker) *Supervisor {
	return &Supervisor{runtime: runtime, auth: auth, frontend: frontend, invoke: invoke}
}

// containerLabel marks containers this hub manages; the value is the
// plugin id.
const containerLabel = "com.nexus-hub.plugin"

// containerFor finds the container bound to pluginID, if any.
func (s *Supervisor) containerFor(ctx context.Context, pluginID string) (string, bool, error) {
	summaries, err := s.runtime.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return "", false, err
	}
	for _, c := range summaries {
		if c.Labels[containerLabel] == pluginID {
			return c.ID, true, nil
		}
	}
	return "", false, nil
}

// StartPlugin rotates the plugin's credentials first, then starts its
// existing container. The new secret is not passed to the runtime;
// only its length is logged. The ordering matters: tokens minted against the old secret must already
// be dead by the time the container can reach the token endpoint.
func (s *Supervisor) StartPlugin(ctx context.Context, pluginID, displayName string) error {
	clientRec, secret, err := s.auth.Start(pluginID, displayName)
	if err != nil {
		return fmt.Errorf("preparing credentials for %s: %w", pluginID, err)
	}

	id, ok, err := s.containerFor(ctx, pluginID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no container for plugin %s", pluginID)
	}

	if err := s.runtime.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container for %s: %w", pluginID, err)
	}
	log.Logf("supervisor: started %s (client_id=%s secret=%d bytes)", pluginID, clientRec.ID, len(secret))
	return nil
}

// StopPlugin stops the container, then kills its live tokens. The
// client record survives so the next start only rotates.
func (s *Supervisor) StopPlugin(ctx context.Context, pluginID string) error {
	id, ok, err := s.containerFor(ctx, pluginID)
	if err != nil {
		return err
	}
	if ok {
		if err := s.runtime.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
			return fmt.Errorf("stopping container for %s: %w", pluginID, err)
		}
	}
	return s.auth.Stop(pluginID)
}

// RemovePlugin removes the container and erases the plugin's client,
// tokens, and grants.
func (s *Supervisor) RemovePlugin(ctx context.Context, pluginID string) error {
	id, ok, err := s.containerFor(ctx, pluginID)
	if err != nil {
		return err
	}
	if ok {
		if err := s.runtime.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing container for %s: %w", pluginID, err)
		}
	}
	return s.auth.Remove(pluginID)
}

// Dispatch executes one durable route action. It is the eventbus
// Dispatcher the hub installs: plugin and extension invocations must
// find a running container, frontend emissions never fail.
func (s *Supervisor) Dispatch(ctx context.Context, action eventbus.RouteAction, ce eventbus.CloudEvent) error {
	payload := ce.Data
	if action.ArgsTemplate != nil {
		payload = action.ArgsTemplate
	}

	switch action.Kind {
	case eventbus.ActionInvokePluginTool:
		return s.invokeTool(ctx, action.PluginID, action.ToolName, payload)
	case eventbus.ActionCallExtension:
		return s.invokeTool(ctx, action.ExtensionID, action.Operation, payload)
	case eventbus.ActionEmitFrontend:
		if s.frontend != nil {
			s.frontend(action.Channel, payload)
		}
		return nil
	default:
		return fmt.Errorf("unknown route action kind %q", action.Kind)
	}
}

// invokeTool delivers a tool call to a plugin container. Delivery
// requires the container to be running; a stopped plugin is a
// transient failure the retry worker will re-attempt.
func (s *Supervisor) invokeTool(ctx context.Context, pluginID, tool string, args json.RawMessage) error {
	// Without All, the runtime lists running containers only.
	summaries, err := s.runtime.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return err
	}
	running := false
	for _, c := range summaries {
		if c.Labels[containerLabel] == pluginID {
			running = true
			break
		}
	}
	if !running {
		return fmt.Errorf("plugin %s has no running container", pluginID)
	}
	if s.invoke == nil {
		log.Logf("supervisor: no tool transport wired, dropping %s for %s", tool, pluginID)
		return nil
	}
	return s.invoke(ctx, pluginID, tool, args)
}
