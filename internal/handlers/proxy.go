package handlers

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/subserver"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

// RegisterProxy installs the sub-server forwarding tools. Proxy tools have no
// rate-limit cost class; they account only against session concurrency.
func RegisterProxy(r *Registry, supervisor *subserver.Supervisor) {
	r.Register(&Entry{
		Name:               "mcp_proxy",
		Description:        "Execute a tool on a registered MCP server",
		RequiredPermission: permission(tenant.PermExecute),
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"tool_name": {Type: "string", Description: "Name of the tool (optionally prefixed with serverId.)"},
				"arguments": {Type: "object", Description: "Arguments to pass to the tool"},
			},
			Required: []string{"tool_name"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			toolName, err := args.String("tool_name")
			if err != nil {
				return nil, err
			}
			var arguments map[string]interface{}
			if raw, ok := args["arguments"]; ok {
				arguments, ok = raw.(map[string]interface{})
				if !ok {
					return nil, mcp.InvalidArguments("'arguments' must be an object")
				}
			}

			contextID := session.Context.ID()
			serverID, bareTool, ok := supervisor.ResolveTool(contextID, toolName)
			if !ok {
				return nil, mcp.ToolNotFound(toolName)
			}

			log.Info().
				Str("tool", bareTool).
				Str("server_id", serverID).
				Str("context_id", contextID).
				Msg("Proxying tool call to sub-server")

			result, err := supervisor.ExecuteTool(ctx, contextID, serverID, bareTool, arguments)
			if err != nil {
				var notFound *subserver.ToolNotFoundError
				if errors.As(err, &notFound) {
					return nil, mcp.ToolNotFound(toolName)
				}
				return nil, mcp.HandlerError("%v", err)
			}
			return result, nil
		},
	})

	r.Register(&Entry{
		Name:               "mcp_list_tools",
		Description:        "List available tools from registered MCP servers",
		RequiredPermission: permission(tenant.PermRead),
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"server_id": {Type: "string", Description: "Optional: filter tools to specific server"},
			},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			serverFilter, err := args.OptionalString("server_id", "")
			if err != nil {
				return nil, err
			}
			contextID := session.Context.ID()

			type toolInfo struct {
				Name        string `json:"name"`
				Description string `json:"description,omitempty"`
				ServerID    string `json:"server_id"`
				ServerName  string `json:"server_name"`
			}

			var out []toolInfo
			for _, info := range supervisor.List(contextID) {
				if serverFilter != "" && info.ID != serverFilter {
					continue
				}
				tools, err := supervisor.ServerTools(contextID, info.ID)
				if err != nil {
					continue
				}
				for _, tool := range tools {
					out = append(out, toolInfo{
						Name:        info.ID + "." + tool.Name,
						Description: tool.Description,
						ServerID:    info.ID,
						ServerName:  info.Name,
					})
				}
			}

			return map[string]interface{}{"tools": out}, nil
		},
	})
}
