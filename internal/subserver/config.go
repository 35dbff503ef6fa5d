// Package subserver manages child MCP servers registered by tenants: their
// lifecycle (spawn, connect, health, disconnect), credential injection, and
// tool forwarding.
package subserver

import (
	"encoding/json"
	"fmt"
)

// Transport is how the gateway speaks to a sub-server.
type Transport string

const (
	TransportStdio     Transport = "stdio"
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "websocket"
)

// DeploymentType selects the deployment variant.
type DeploymentType string

const (
	DeployProcess   DeploymentType = "process"
	DeployContainer DeploymentType = "container"
	DeployRemote    DeploymentType = "remote"
)

// Deployment is a tagged variant: exactly one of the pointers matching Type
// is set.
type Deployment struct {
	Type      DeploymentType       `json:"type"`
	Process   *ProcessDeployment   `json:"process,omitempty"`
	Container *ContainerDeployment `json:"container,omitempty"`
	Remote    *RemoteDeployment    `json:"remote,omitempty"`
}

// ProcessDeployment runs the sub-server as a child process with piped stdio.
type ProcessDeployment struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ContainerDeployment runs the sub-server as a detached container.
type ContainerDeployment struct {
	Image   string   `json:"image"`
	Tag     string   `json:"tag"`
	Ports   []string `json:"ports,omitempty"`   // "host:container"
	Volumes []string `json:"volumes,omitempty"` // "host:container"
	Network string   `json:"network,omitempty"`
	Runtime string   `json:"runtime,omitempty"` // e.g. nvidia
}

// RemoteDeployment points at an already-running endpoint. Nothing is started.
type RemoteDeployment struct {
	Endpoint string `json:"endpoint"`
}

// Validate checks that the variant pointer matches the tag.
func (d *Deployment) Validate() error {
	switch d.Type {
	case DeployProcess:
		if d.Process == nil || d.Process.Command == "" {
			return fmt.Errorf("process deployment requires a command")
		}
	case DeployContainer:
		if d.Container == nil || d.Container.Image == "" {
			return fmt.Errorf("container deployment requires an image")
		}
	case DeployRemote:
		if d.Remote == nil || d.Remote.Endpoint == "" {
			return fmt.Errorf("remote deployment requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown deployment type: %q", d.Type)
	}
	return nil
}

// AuthType selects how credentials reach the sub-server.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
	AuthBasic  AuthType = "basic"
)

// AuthMethod describes credential injection for a sub-server. Stored secrets
// are resolved at connect time; Basic carries its values inline.
type AuthMethod struct {
	Type AuthType `json:"type"`

	// KeyField is the env variable the stored api_key binds to (api_key).
	KeyField string `json:"keyField,omitempty"`

	// Username and Password are bound to USERNAME and PASSWORD (basic).
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Config is a registered sub-server's full description. It is what Register
// persists to the backend.
type Config struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   Transport         `json:"transport"`
	Deployment  Deployment        `json:"deployment"`
	Env         map[string]string `json:"env,omitempty"`
	AuthMethod  AuthMethod        `json:"authMethod"`

	Capabilities       []string `json:"capabilities,omitempty"`
	HealthIntervalSecs int      `json:"healthCheckIntervalSecs,omitempty"`
	AutoReconnect      bool     `json:"autoReconnect,omitempty"`
}

// Validate checks the config before registration.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if err := c.Deployment.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", c.ID, err)
	}
	return nil
}

func (c *Config) marshal() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal server config %s: %w", c.ID, err)
	}
	return string(raw), nil
}
