package subserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/storage"
)

const (
	// registryTTLHours is how long a persisted server config lives in the
	// backend (30 days).
	registryTTLHours = 24 * 30

	// defaultHealthInterval applies when a config leaves the interval unset.
	defaultHealthInterval = 60 * time.Second

	// healthTick is the resolution of the health sweep loop.
	healthTick = 10 * time.Second
)

// State is a sub-server's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status pairs a state with a failure reason when State is failed.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Info is the listing view of a registered sub-server.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	ToolCount   int    `json:"toolCount"`
}

// NotFoundError reports an unregistered server id.
type NotFoundError struct{ ServerID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("server not found: %s", e.ServerID)
}

// NotConnectedError reports an operation that needs a connected server.
type NotConnectedError struct{ ServerID string }

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("server not connected: %s", e.ServerID)
}

// ToolNotFoundError reports a tool the target server does not advertise.
type ToolNotFoundError struct{ Tool string }

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// Server is one supervised entry. Its mutex covers all mutable fields;
// the supervisor's table lock is never held while this one is.
type Server struct {
	mu sync.Mutex

	ContextID string
	Config    Config

	status      Status
	handle      *handle
	containerID string
	endpoint    string
	tools       []mcp.Tool
	lastCreds   map[string]string
	lastHealth  time.Time
}

// Status returns the server's current status.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tools returns a snapshot of the advertised tool descriptors.
func (s *Server) Tools() []mcp.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mcp.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

type toolKey struct {
	contextID string
	tool      string
}

// Supervisor owns the sub-server table: registration, connection lifecycle,
// credential injection, health, and tool forwarding.
type Supervisor struct {
	mu      sync.RWMutex
	servers map[string]*Server // "{contextID}-{serverID}"

	indexMu sync.RWMutex
	index   map[toolKey]string // advertised tool -> serverID

	backend storage.Backend
	runtime ContainerRuntime

	// launch is swapped out in tests to avoid spawning real children.
	launch func(dep *ProcessDeployment, env map[string]string) (*handle, error)

	// dialRemote builds the connection for remote endpoints.
	dialRemote func(endpoint string) conn
}

// NewSupervisor creates a supervisor persisting configs to backend. runtime
// may be nil when container deployments are not used.
func NewSupervisor(backend storage.Backend, runtime ContainerRuntime) *Supervisor {
	return &Supervisor{
		servers: make(map[string]*Server),
		index:   make(map[toolKey]string),
		backend: backend,
		runtime: runtime,
		launch:  launchProcess,
		dialRemote: func(endpoint string) conn {
			return newHTTPConn(endpoint)
		},
	}
}

func serverKey(contextID, serverID string) string {
	return contextID + "-" + serverID
}

func registryKey(contextID, serverID string) string {
	return fmt.Sprintf("mcp-registry-%s-%s", contextID, serverID)
}

func credentialKey(contextID, serverID, name string) string {
	return fmt.Sprintf("mcp-credential-%s-%s-%s", contextID, serverID, name)
}

// Register persists the config and inserts a disconnected entry. It does not
// start the sub-server.
func (sv *Supervisor) Register(ctx context.Context, contextID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info().
		Str("server_id", cfg.ID).
		Str("context_id", contextID).
		Msg("Registering MCP sub-server")

	raw, err := cfg.marshal()
	if err != nil {
		return err
	}
	if err := sv.backend.KVSet(ctx, "", registryKey(contextID, cfg.ID), raw, registryTTLHours); err != nil {
		return fmt.Errorf("persist server config: %w", err)
	}

	entry := &Server{
		ContextID: contextID,
		Config:    cfg,
		status:    Status{State: StateDisconnected},
	}

	sv.mu.Lock()
	sv.servers[serverKey(contextID, cfg.ID)] = entry
	sv.mu.Unlock()

	return nil
}

func (sv *Supervisor) server(contextID, serverID string) (*Server, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	entry, ok := sv.servers[serverKey(contextID, serverID)]
	if !ok {
		return nil, &NotFoundError{ServerID: serverID}
	}
	return entry, nil
}

// Connect starts the sub-server, performs the initialize handshake, and
// caches its advertised tools. credentials overlay the static config env;
// stored credentials from the secret store overlay both.
func (sv *Supervisor) Connect(ctx context.Context, contextID, serverID string, credentials map[string]string) error {
	entry, err := sv.server(contextID, serverID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	log.Info().Str("server_id", serverID).Str("context_id", contextID).Msg("Connecting to MCP sub-server")

	// A reconnect must not leak the previous handle.
	if entry.handle != nil || entry.containerID != "" {
		sv.teardownLocked(ctx, entry)
	}

	entry.status = Status{State: StateConnecting}
	entry.lastCreds = credentials

	env, err := sv.buildEnv(ctx, entry, credentials)
	if err != nil {
		entry.status = Status{State: StateFailed, Reason: err.Error()}
		return err
	}

	if err := sv.attach(ctx, entry, env); err != nil {
		entry.status = Status{State: StateFailed, Reason: err.Error()}
		return fmt.Errorf("connect %s: %w", serverID, err)
	}

	if err := sv.handshake(ctx, entry); err != nil {
		sv.teardownLocked(ctx, entry)
		entry.status = Status{State: StateFailed, Reason: err.Error()}
		return fmt.Errorf("connect %s: %w", serverID, err)
	}

	entry.status = Status{State: StateConnected}
	entry.lastHealth = time.Now()
	sv.indexTools(entry)

	log.Info().
		Str("server_id", serverID).
		Int("tools", len(entry.tools)).
		Msg("Connected to MCP sub-server")
	return nil
}

// buildEnv assembles the child environment: static config env, then per-call
// credentials, then stored credentials per the auth method.
func (sv *Supervisor) buildEnv(ctx context.Context, entry *Server, credentials map[string]string) (map[string]string, error) {
	env := make(map[string]string, len(entry.Config.Env)+len(credentials))
	for k, v := range entry.Config.Env {
		env[k] = v
	}
	for k, v := range credentials {
		env[k] = v
	}

	auth := entry.Config.AuthMethod
	switch auth.Type {
	case AuthAPIKey:
		key, ok, err := sv.storedCredential(ctx, entry, "api_key")
		if err != nil {
			return nil, err
		}
		if ok {
			env[auth.KeyField] = key
		}
	case AuthOAuth2:
		if id, ok, err := sv.storedCredential(ctx, entry, "client_id"); err != nil {
			return nil, err
		} else if ok {
			env["CLIENT_ID"] = id
		}
		if secret, ok, err := sv.storedCredential(ctx, entry, "client_secret"); err != nil {
			return nil, err
		} else if ok {
			env["CLIENT_SECRET"] = secret
		}
	case AuthBasic:
		env["USERNAME"] = auth.Username
		env["PASSWORD"] = auth.Password
	case AuthNone, "":
	}

	return env, nil
}

func (sv *Supervisor) storedCredential(ctx context.Context, entry *Server, name string) (string, bool, error) {
	key := credentialKey(entry.ContextID, entry.Config.ID, name)
	value, ok, err := sv.backend.SecretGet(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("fetch credential %s: %w", name, err)
	}
	return value, ok, nil
}

// attach starts the deployment and records the resulting handle. Called with
// the entry lock held.
func (sv *Supervisor) attach(ctx context.Context, entry *Server, env map[string]string) error {
	dep := entry.Config.Deployment
	switch dep.Type {
	case DeployProcess:
		h, err := sv.launch(dep.Process, env)
		if err != nil {
			return err
		}
		entry.handle = h

	case DeployContainer:
		if sv.runtime == nil {
			return fmt.Errorf("container runtime unavailable")
		}
		name := containerName(entry.ContextID, entry.Config.ID)
		id, err := sv.runtime.Start(ctx, name, dep.Container, env)
		if err != nil {
			return err
		}
		entry.containerID = id
		if len(dep.Container.Ports) > 0 {
			// Container teardown goes through the runtime by name; the
			// handle only carries the connection.
			entry.endpoint = "http://localhost:" + hostPort(dep.Container.Ports[0])
			entry.handle = &handle{conn: sv.dialRemote(entry.endpoint)}
		}

	case DeployRemote:
		entry.endpoint = dep.Remote.Endpoint
		entry.handle = &handle{conn: sv.dialRemote(entry.endpoint)}
	}
	return nil
}

// handshake runs initialize then tools/list against the attached connection.
// Stdio containers without a published port skip the handshake: they have no
// reachable connection until a port is mapped.
func (sv *Supervisor) handshake(ctx context.Context, entry *Server) error {
	if entry.handle == nil || entry.handle.conn == nil {
		entry.tools = nil
		return nil
	}

	initParams := map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"clientInfo": map[string]interface{}{
			"name":    mcp.ServerName,
			"version": mcp.ServerVersion,
		},
	}
	if _, err := entry.handle.conn.Call(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	raw, err := entry.handle.conn.Call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	entry.tools = result.Tools
	return nil
}

// indexTools publishes the entry's tools in the resolution index. First
// advertiser wins; conflicts are logged, not overwritten.
func (sv *Supervisor) indexTools(entry *Server) {
	sv.indexMu.Lock()
	defer sv.indexMu.Unlock()
	for _, tool := range entry.tools {
		key := toolKey{contextID: entry.ContextID, tool: tool.Name}
		if owner, exists := sv.index[key]; exists && owner != entry.Config.ID {
			log.Warn().
				Str("tool", tool.Name).
				Str("owner", owner).
				Str("server_id", entry.Config.ID).
				Msg("Tool name conflict between sub-servers; keeping first")
			continue
		}
		sv.index[key] = entry.Config.ID
	}
}

func (sv *Supervisor) unindexTools(entry *Server) {
	sv.indexMu.Lock()
	defer sv.indexMu.Unlock()
	for _, tool := range entry.tools {
		key := toolKey{contextID: entry.ContextID, tool: tool.Name}
		if sv.index[key] == entry.Config.ID {
			delete(sv.index, key)
		}
	}
}

// ResolveTool maps an unprefixed tool name to the serverID that advertises
// it. A "serverId.toolName" prefix bypasses the index.
func (sv *Supervisor) ResolveTool(contextID, toolName string) (serverID, tool string, ok bool) {
	if before, after, found := strings.Cut(toolName, "."); found {
		if _, err := sv.server(contextID, before); err == nil {
			return before, after, true
		}
	}

	sv.indexMu.RLock()
	defer sv.indexMu.RUnlock()
	serverID, ok = sv.index[toolKey{contextID: contextID, tool: toolName}]
	return serverID, toolName, ok
}

// Disconnect terminates the child, clears tools, and marks the entry
// disconnected. Idempotent.
func (sv *Supervisor) Disconnect(ctx context.Context, contextID, serverID string) error {
	entry, err := sv.server(contextID, serverID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	sv.teardownLocked(ctx, entry)
	entry.status = Status{State: StateDisconnected}
	return nil
}

// teardownLocked releases the entry's handle and tool advertisements. Called
// with the entry lock held.
func (sv *Supervisor) teardownLocked(ctx context.Context, entry *Server) {
	if entry.handle != nil {
		if entry.handle.conn != nil {
			_ = entry.handle.conn.Close()
		}
		if entry.handle.stop != nil {
			if err := entry.handle.stop(ctx); err != nil {
				log.Warn().Err(err).Str("server_id", entry.Config.ID).Msg("Failed to stop sub-server")
			}
		}
		entry.handle = nil
	}

	if entry.containerID != "" {
		if sv.runtime != nil {
			name := containerName(entry.ContextID, entry.Config.ID)
			if err := sv.runtime.Stop(ctx, name); err != nil {
				log.Warn().Err(err).Str("container_name", name).Msg("Failed to stop sub-server container")
			}
		}
		entry.containerID = ""
	}

	entry.endpoint = ""
	sv.unindexTools(entry)
	entry.tools = nil
}

// List returns the registered servers for a context.
func (sv *Supervisor) List(contextID string) []Info {
	sv.mu.RLock()
	entries := make([]*Server, 0)
	prefix := contextID + "-"
	for key, entry := range sv.servers {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	sv.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, Info{
			ID:          entry.Config.ID,
			Name:        entry.Config.Name,
			Description: entry.Config.Description,
			Status:      entry.status,
			ToolCount:   len(entry.tools),
		})
		entry.mu.Unlock()
	}
	return out
}

// ContextTools returns every tool advertised by connected servers in a
// context, qualified as "serverId.toolName".
func (sv *Supervisor) ContextTools(contextID string) []mcp.Tool {
	sv.mu.RLock()
	entries := make([]*Server, 0)
	prefix := contextID + "-"
	for key, entry := range sv.servers {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	sv.mu.RUnlock()

	var out []mcp.Tool
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.status.State == StateConnected {
			for _, tool := range entry.tools {
				qualified := tool
				qualified.Name = entry.Config.ID + "." + tool.Name
				out = append(out, qualified)
			}
		}
		entry.mu.Unlock()
	}
	return out
}

// ServerTools returns the advertised tools of one registered server.
func (sv *Supervisor) ServerTools(contextID, serverID string) ([]mcp.Tool, error) {
	entry, err := sv.server(contextID, serverID)
	if err != nil {
		return nil, err
	}
	return entry.Tools(), nil
}

// ExecuteTool forwards tools/call to a connected sub-server and returns the
// child's result verbatim.
func (sv *Supervisor) ExecuteTool(ctx context.Context, contextID, serverID, toolName string, arguments map[string]interface{}) (json.RawMessage, error) {
	entry, err := sv.server(contextID, serverID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if entry.status.State != StateConnected {
		entry.mu.Unlock()
		return nil, &NotConnectedError{ServerID: serverID}
	}
	advertised := false
	for _, tool := range entry.tools {
		if tool.Name == toolName {
			advertised = true
			break
		}
	}
	c := conn(nil)
	if entry.handle != nil {
		c = entry.handle.conn
	}
	entry.mu.Unlock()

	if !advertised {
		return nil, &ToolNotFoundError{Tool: toolName}
	}
	if c == nil {
		return nil, &NotConnectedError{ServerID: serverID}
	}

	// The child's connection is safe for concurrent calls; the entry lock
	// is never held across this I/O.
	return c.Call(ctx, "tools/call", mcp.CallToolParams{Name: toolName, Arguments: arguments})
}

// HealthSweep probes every connected server whose interval elapsed. Dead
// children transition to failed; autoReconnect retries once with the last
// credentials.
func (sv *Supervisor) HealthSweep(ctx context.Context) {
	sv.mu.RLock()
	entries := make([]*Server, 0, len(sv.servers))
	for _, entry := range sv.servers {
		entries = append(entries, entry)
	}
	sv.mu.RUnlock()

	for _, entry := range entries {
		sv.checkServer(ctx, entry)
	}
}

func (sv *Supervisor) checkServer(ctx context.Context, entry *Server) {
	entry.mu.Lock()
	if entry.status.State != StateConnected {
		entry.mu.Unlock()
		return
	}

	interval := defaultHealthInterval
	if entry.Config.HealthIntervalSecs > 0 {
		interval = time.Duration(entry.Config.HealthIntervalSecs) * time.Second
	}
	if time.Since(entry.lastHealth) < interval {
		entry.mu.Unlock()
		return
	}

	err := sv.probeLocked(ctx, entry)
	if err == nil {
		entry.lastHealth = time.Now()
		entry.mu.Unlock()
		return
	}

	log.Warn().
		Err(err).
		Str("server_id", entry.Config.ID).
		Str("context_id", entry.ContextID).
		Msg("Sub-server health check failed")

	sv.teardownLocked(ctx, entry)
	entry.status = Status{State: StateFailed, Reason: err.Error()}
	reconnect := entry.Config.AutoReconnect
	creds := entry.lastCreds
	contextID, serverID := entry.ContextID, entry.Config.ID
	entry.mu.Unlock()

	if reconnect {
		log.Info().Str("server_id", serverID).Msg("Attempting sub-server reconnect")
		if err := sv.Connect(ctx, contextID, serverID, creds); err != nil {
			log.Warn().Err(err).Str("server_id", serverID).Msg("Sub-server reconnect failed")
		}
	}
}

// probeLocked checks liveness for the entry's deployment. Called with the
// entry lock held; the probes themselves are non-blocking or short-timeout.
func (sv *Supervisor) probeLocked(ctx context.Context, entry *Server) error {
	if entry.handle != nil && entry.handle.probe != nil {
		return entry.handle.probe(ctx)
	}
	if entry.containerID != "" && sv.runtime != nil {
		alive, err := sv.runtime.Alive(ctx, entry.containerID)
		if err != nil {
			return err
		}
		if !alive {
			return fmt.Errorf("container exited")
		}
		return nil
	}
	if entry.endpoint != "" {
		if pinger, ok := connPinger(entry); ok {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := pinger.Ping(probeCtx); err != nil {
				return fmt.Errorf("endpoint unreachable: %w", err)
			}
		}
	}
	return nil
}

func connPinger(entry *Server) (interface {
	Ping(ctx context.Context) error
}, bool) {
	if entry.handle == nil {
		return nil, false
	}
	p, ok := entry.handle.conn.(interface {
		Ping(ctx context.Context) error
	})
	return p, ok
}

// StartHealthLoop sweeps until ctx is cancelled.
func (sv *Supervisor) StartHealthLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(healthTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sv.HealthSweep(ctx)
			}
		}
	}()
}

// Shutdown disconnects every connected server. Called during process drain.
func (sv *Supervisor) Shutdown(ctx context.Context) {
	sv.mu.RLock()
	entries := make([]*Server, 0, len(sv.servers))
	for _, entry := range sv.servers {
		entries = append(entries, entry)
	}
	sv.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		state := entry.status.State
		entry.mu.Unlock()
		if state != StateConnected {
			continue
		}
		if err := sv.Disconnect(ctx, entry.ContextID, entry.Config.ID); err != nil {
			log.Warn().Err(err).Str("server_id", entry.Config.ID).Msg("Failed to disconnect sub-server during shutdown")
		}
	}
}

func containerName(contextID, serverID string) string {
	return fmt.Sprintf("mcp-%s-%s", contextID, serverID)
}

// hostPort extracts the host side of a "host:container" port spec.
func hostPort(spec string) string {
	if host, _, found := strings.Cut(spec, ":"); found {
		return host
	}
	return spec
}
