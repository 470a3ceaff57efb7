package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nexus-hub/nexus-core/pkg/eventbus"
)

// newMCPHandler builds the hub's own MCP server: the streamable-HTTP
// endpoint mounted behind the gateway authenticator. It exposes the
// hub's introspection and event surface as tools; plugin-provided
// tools are proxied by the container supervisor and are not part of
// this endpoint.
func (s *Server) newMCPHandler() http.Handler {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "nexus-hub",
		Version: "1.0.0",
	}, nil)

	srv.AddReceivingMiddleware(s.gateway.ValidateJSONMiddleware())

	type statusArgs struct{}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "hub-status",
		Description: "Report the hub's session cache, approval queue, and delivery backlog",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ statusArgs) (*mcp.CallToolResult, any, error) {
		status := map[string]any{
			"session_cache_size": s.gateway.CacheSize(),
			"pending_approvals":  s.approvals.PendingCount(),
		}
		if s.events != nil && s.events.Store != nil {
			if n, err := s.events.Store.DeadLetterCount(ctx); err == nil {
				status["dead_letter_count"] = n
			}
		}
		raw, err := json.Marshal(status)
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}, nil, nil
	})

	type listGrantsArgs struct {
		Principal string `json:"principal"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list-grants",
		Description: "List the permission grants recorded for a principal",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args listGrantsArgs) (*mcp.CallToolResult, any, error) {
		raw, err := json.Marshal(s.perms.GetGrants(args.Principal))
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}}}, nil, nil
	})

	type publishArgs struct {
		Type    string          `json:"type"`
		Subject string          `json:"subject,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "publish-event",
		Description: "Publish a CloudEvent onto the hub's event bus",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args publishArgs) (*mcp.CallToolResult, any, error) {
		if args.Type == "" {
			return nil, nil, fmt.Errorf("type is required")
		}
		ce, err := eventbus.NewCloudEvent("nexus:mcp", args.Type, nil)
		if err != nil {
			return nil, nil, err
		}
		ce.Subject = args.Subject
		ce.Data = args.Data
		if s.events != nil {
			if err := s.events.Publish(ctx, ce); err != nil {
				return nil, nil, err
			}
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: ce.ID}}}, nil, nil
	})

	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return srv
	}, nil)
}
