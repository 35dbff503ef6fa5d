package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
	"github.com/agentmesh/mcp-gateway/internal/storage"
	"github.com/agentmesh/mcp-gateway/internal/subserver"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

const (
	integrationConfigTTLHours     = 24 * 365
	integrationConnectionTTLHours = 24 * 30
)

// integrationRegisterArgs mirrors the integration_register argument object.
type integrationRegisterArgs struct {
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`

	ServerType string   `json:"server_type,omitempty"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`

	DockerConfig *struct {
		Image   string   `json:"image"`
		Tag     string   `json:"tag"`
		Ports   []string `json:"ports,omitempty"`
		Volumes []string `json:"volumes,omitempty"`
		Network string   `json:"network,omitempty"`
		Runtime string   `json:"runtime,omitempty"`
	} `json:"docker_config,omitempty"`

	Endpoint string `json:"endpoint,omitempty"`

	Env          map[string]string    `json:"env,omitempty"`
	AuthMethod   subserver.AuthMethod `json:"auth_method"`
	Capabilities []string             `json:"capabilities,omitempty"`

	ConfigurationSchema json.RawMessage `json:"configuration_schema,omitempty"`
}

// integrationRecord is the persisted catalogue entry for a registered
// integration.
type integrationRecord struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Description         string               `json:"description"`
	Category            string               `json:"category"`
	AuthMethod          subserver.AuthMethod `json:"authMethod"`
	ConfigurationSchema json.RawMessage      `json:"configurationSchema,omitempty"`
	Capabilities        []string             `json:"capabilities,omitempty"`
}

// connectionRecord is the persisted per-user connection to an integration.
type connectionRecord struct {
	ServiceID      string            `json:"serviceId"`
	ConnectionID   string            `json:"connectionId"`
	ConnectionName string            `json:"connectionName,omitempty"`
	Settings       map[string]string `json:"settings,omitempty"`
	CreatedAt      string            `json:"createdAt"`
	UserID         string            `json:"userId"`
}

func integrationConfigKey(serviceID string) string {
	return "integration-" + serviceID
}

func connectionKey(userID, serviceID, connectionID string) string {
	return fmt.Sprintf("user-%s-integration-%s-%s", userID, serviceID, connectionID)
}

// decodeArgs round-trips the arguments map through JSON into a typed struct.
func decodeArgs(args Args, out interface{}) error {
	raw, err := json.Marshal(map[string]interface{}(args))
	if err != nil {
		return mcp.InvalidArguments("%v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return mcp.InvalidArguments("%v", err)
	}
	return nil
}

// RegisterIntegrations installs the integration management tools: register,
// connect, list, disconnect, test.
func RegisterIntegrations(r *Registry, backend storage.Backend, supervisor *subserver.Supervisor) {
	r.Register(&Entry{
		Name:               "integration_register",
		Description:        "Register a new MCP server integration",
		RequiredPermission: permission(tenant.PermAdmin),
		Cost:               ratelimit.ClassGeneric,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"service_id":  {Type: "string", Description: "Unique identifier for the service"},
				"name":        {Type: "string", Description: "Display name of the integration"},
				"description": {Type: "string", Description: "Description of the integration"},
				"category":    {Type: "string", Description: "Category (e.g., Analytics, CRM, Development)"},
				"server_type": {
					Type:        "string",
					Enum:        []string{"stdio", "http", "websocket"},
					Description: "Type of MCP server connection",
				},
				"command": {Type: "string", Description: "Command to start the MCP server (process deployment)"},
				"args": {
					Type:        "array",
					Items:       &mcp.ItemSchema{Type: "string"},
					Description: "Command arguments (process deployment)",
				},
				"docker_config":        {Type: "object", Description: "Container deployment configuration"},
				"endpoint":             {Type: "string", Description: "Remote endpoint (remote deployment)"},
				"env":                  {Type: "object", Description: "Environment variables"},
				"auth_method":          {Type: "object", Description: "Authentication method configuration"},
				"configuration_schema": {Type: "array", Description: "Configuration fields schema"},
				"capabilities": {
					Type:        "array",
					Items:       &mcp.ItemSchema{Type: "string"},
					Description: "List of capabilities",
				},
			},
			Required: []string{"service_id", "name", "auth_method"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			var in integrationRegisterArgs
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.ServiceID == "" {
				return nil, mcp.InvalidArguments("missing 'service_id' parameter")
			}

			log.Info().
				Str("service_id", in.ServiceID).
				Str("tenant_id", session.Context.TenantID).
				Msg("Registering integration")

			cfg := subserver.Config{
				ID:                 in.ServiceID,
				Name:               in.Name,
				Description:        in.Description,
				Transport:          subserver.Transport(in.ServerType),
				Env:                in.Env,
				AuthMethod:         in.AuthMethod,
				Capabilities:       in.Capabilities,
				HealthIntervalSecs: 60,
				AutoReconnect:      true,
			}
			if cfg.Transport == "" {
				cfg.Transport = subserver.TransportStdio
			}

			switch {
			case in.DockerConfig != nil:
				cfg.Deployment = subserver.Deployment{
					Type: subserver.DeployContainer,
					Container: &subserver.ContainerDeployment{
						Image:   in.DockerConfig.Image,
						Tag:     in.DockerConfig.Tag,
						Ports:   in.DockerConfig.Ports,
						Volumes: in.DockerConfig.Volumes,
						Network: in.DockerConfig.Network,
						Runtime: in.DockerConfig.Runtime,
					},
				}
			case in.Endpoint != "":
				cfg.Deployment = subserver.Deployment{
					Type:   subserver.DeployRemote,
					Remote: &subserver.RemoteDeployment{Endpoint: in.Endpoint},
				}
			default:
				cfg.Deployment = subserver.Deployment{
					Type:    subserver.DeployProcess,
					Process: &subserver.ProcessDeployment{Command: in.Command, Args: in.Args},
				}
			}

			if err := supervisor.Register(ctx, session.Context.ID(), cfg); err != nil {
				return nil, mcp.HandlerError("register integration: %v", err)
			}

			record := integrationRecord{
				ID:                  in.ServiceID,
				Name:                in.Name,
				Description:         in.Description,
				Category:            in.Category,
				AuthMethod:          in.AuthMethod,
				ConfigurationSchema: in.ConfigurationSchema,
				Capabilities:        in.Capabilities,
			}
			raw, err := json.Marshal(record)
			if err != nil {
				return nil, mcp.HandlerError("encode integration record: %v", err)
			}
			if err := backend.KVSet(ctx, "", integrationConfigKey(in.ServiceID), string(raw), integrationConfigTTLHours); err != nil {
				return nil, mcp.HandlerError("persist integration record: %v", err)
			}

			return map[string]interface{}{"success": true, "integration_id": in.ServiceID}, nil
		},
	})

	r.Register(&Entry{
		Name:               "integration_connect",
		Description:        "Connect to an MCP server integration",
		RequiredPermission: permission(tenant.PermWrite),
		Cost:               ratelimit.ClassGeneric,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"service_id":      {Type: "string", Description: "ID of the service to connect"},
				"connection_id":   {Type: "string", Description: "Optional connection ID for multiple connections"},
				"connection_name": {Type: "string", Description: "Display name for this connection"},
				"credentials":     {Type: "object", Description: "Credentials for authentication"},
				"settings":        {Type: "object", Description: "Additional settings"},
			},
			Required: []string{"service_id"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			serviceID, err := args.String("service_id")
			if err != nil {
				return nil, err
			}
			connectionID, err := args.OptionalString("connection_id", "default")
			if err != nil {
				return nil, err
			}
			connectionName, err := args.OptionalString("connection_name", "")
			if err != nil {
				return nil, err
			}
			credentials, err := args.StringMap("credentials")
			if err != nil {
				return nil, err
			}
			settings, err := args.StringMap("settings")
			if err != nil {
				return nil, err
			}

			log.Info().
				Str("service_id", serviceID).
				Str("user_id", session.Context.UserID).
				Str("tenant_id", session.Context.TenantID).
				Msg("Connecting integration")

			record := connectionRecord{
				ServiceID:      serviceID,
				ConnectionID:   connectionID,
				ConnectionName: connectionName,
				Settings:       settings,
				CreatedAt:      time.Now().UTC().Format(time.RFC3339),
				UserID:         session.Context.UserID,
			}
			raw, err := json.Marshal(record)
			if err != nil {
				return nil, mcp.HandlerError("encode connection record: %v", err)
			}
			key := connectionKey(session.Context.UserID, serviceID, connectionID)
			if err := backend.KVSet(ctx, "", key, string(raw), integrationConnectionTTLHours); err != nil {
				return nil, mcp.HandlerError("persist connection record: %v", err)
			}

			// Sensitive values go to the secret store under the names the
			// supervisor resolves at connect time.
			contextID := session.Context.ID()
			for credKey, credValue := range credentials {
				name := fmt.Sprintf("mcp-credential-%s-%s-%s", contextID, serviceID, credKey)
				if err := backend.SecretPut(ctx, name, credValue, "integration credential"); err != nil {
					return nil, mcp.HandlerError("store credential %s: %v", credKey, err)
				}
			}

			if err := supervisor.Connect(ctx, contextID, serviceID, credentials); err != nil {
				return nil, mcp.HandlerError("connect integration: %v", err)
			}

			return map[string]interface{}{
				"success":       true,
				"connection_id": connectionID,
				"service_id":    serviceID,
			}, nil
		},
	})

	r.Register(&Entry{
		Name:               "integration_list",
		Description:        "List available MCP server integrations",
		RequiredPermission: permission(tenant.PermRead),
		Cost:               ratelimit.ClassGeneric,
		Schema:             mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			servers := supervisor.List(session.Context.ID())

			prefix := fmt.Sprintf("user-%s-integration-", session.Context.UserID)
			connections, err := backend.KVList(ctx, prefix)
			if err != nil {
				return nil, mcp.HandlerError("list connections: %v", err)
			}

			return map[string]interface{}{
				"servers":          servers,
				"user_connections": connections,
			}, nil
		},
	})

	r.Register(&Entry{
		Name:               "integration_disconnect",
		Description:        "Disconnect from an MCP server integration",
		RequiredPermission: permission(tenant.PermWrite),
		Cost:               ratelimit.ClassGeneric,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"service_id":    {Type: "string", Description: "ID of the service to disconnect"},
				"connection_id": {Type: "string", Description: "Optional connection ID"},
			},
			Required: []string{"service_id"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			serviceID, err := args.String("service_id")
			if err != nil {
				return nil, err
			}
			connectionID, err := args.OptionalString("connection_id", "default")
			if err != nil {
				return nil, err
			}

			log.Info().
				Str("service_id", serviceID).
				Msg("Disconnecting integration")

			if err := supervisor.Disconnect(ctx, session.Context.ID(), serviceID); err != nil {
				return nil, mcp.HandlerError("disconnect integration: %v", err)
			}

			key := connectionKey(session.Context.UserID, serviceID, connectionID)
			if err := backend.KVDelete(ctx, "", key); err != nil {
				return nil, mcp.HandlerError("remove connection record: %v", err)
			}

			return map[string]interface{}{
				"success":       true,
				"service_id":    serviceID,
				"connection_id": connectionID,
			}, nil
		},
	})

	r.Register(&Entry{
		Name:               "integration_test",
		Description:        "Test an MCP server integration connection",
		RequiredPermission: permission(tenant.PermRead),
		Cost:               ratelimit.ClassGeneric,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"service_id": {Type: "string", Description: "ID of the service to test"},
			},
			Required: []string{"service_id"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			serviceID, err := args.String("service_id")
			if err != nil {
				return nil, err
			}

			for _, info := range supervisor.List(session.Context.ID()) {
				if info.ID != serviceID {
					continue
				}
				connected := info.Status.State == subserver.StateConnected
				message := "Integration is not connected"
				if connected {
					message = "Integration is connected and healthy"
				}
				return map[string]interface{}{
					"success":    connected,
					"status":     info.Status,
					"tool_count": info.ToolCount,
					"message":    message,
				}, nil
			}
			return nil, mcp.HandlerError("server %s not found", serviceID)
		},
	})
}
