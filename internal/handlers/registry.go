// Package handlers implements the tool registry: built-in storage tools,
// integration management, and the sub-server proxy tools.
package handlers

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

// Args is a tool call's decoded arguments object.
type Args map[string]interface{}

// Func executes one tool call against a session.
type Func func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error)

// Entry describes one registered tool. Cost is empty for proxy tools, which
// account only against session concurrency.
type Entry struct {
	Name               string
	Description        string
	RequiredPermission *tenant.Permission
	Cost               ratelimit.Class
	Schema             mcp.InputSchema
	Invoke             Func
}

// Tool renders the entry as a wire descriptor.
func (e *Entry) Tool() mcp.Tool {
	return mcp.Tool{
		Name:        e.Name,
		Description: e.Description,
		InputSchema: e.Schema,
	}
}

// Registry maps tool names to entries. Registration happens once at startup;
// lookups afterwards are read-only, so no lock is needed.
type Registry struct {
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register installs an entry. A duplicate name is a programming error and is
// logged, keeping the first registration.
func (r *Registry) Register(entry *Entry) {
	if _, exists := r.entries[entry.Name]; exists {
		log.Error().Str("tool", entry.Name).Msg("Duplicate tool registration ignored")
		return
	}
	r.entries[entry.Name] = entry
}

// Lookup returns the entry for a tool name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	entry, ok := r.entries[name]
	return entry, ok
}

// ListTools returns descriptors for every tool the session may invoke, in
// name order. Admin sessions see everything.
func (r *Registry) ListTools(session *tenant.Session) []mcp.Tool {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		entry := r.entries[name]
		if entry.RequiredPermission != nil && !session.HasPermission(*entry.RequiredPermission) {
			continue
		}
		tools = append(tools, entry.Tool())
	}
	return tools
}

// Invoke runs a tool call. Unknown tools and permission failures are refused
// before the handler executes.
func (r *Registry) Invoke(ctx context.Context, session *tenant.Session, name string, args Args) (interface{}, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, mcp.ToolNotFound(name)
	}

	if entry.RequiredPermission != nil && !session.HasPermission(*entry.RequiredPermission) {
		log.Warn().
			Str("tool", name).
			Str("tenant_id", session.Context.TenantID).
			Str("permission", string(*entry.RequiredPermission)).
			Msg("Tool call denied: missing permission")
		return nil, mcp.PermissionDenied(string(*entry.RequiredPermission))
	}

	log.Debug().
		Str("tool", name).
		Str("tenant_id", session.Context.TenantID).
		Msg("Executing tool")

	return entry.Invoke(ctx, session, args)
}

func permission(p tenant.Permission) *tenant.Permission {
	return &p
}

// String extracts a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", mcp.InvalidArguments("missing '%s' parameter", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", mcp.InvalidArguments("'%s' must be a string", key)
	}
	return s, nil
}

// OptionalString extracts a string argument, returning fallback when absent.
func (a Args) OptionalString(key, fallback string) (string, error) {
	v, ok := a[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", mcp.InvalidArguments("'%s' must be a string", key)
	}
	return s, nil
}

// OptionalInt extracts a numeric argument, returning fallback when absent.
// JSON numbers decode as float64.
func (a Args) OptionalInt(key string, fallback int) (int, error) {
	v, ok := a[key]
	if !ok {
		return fallback, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, mcp.InvalidArguments("'%s' must be a number", key)
	}
	return int(f), nil
}

// StringMap extracts an optional object of string values.
func (a Args) StringMap(key string) (map[string]string, error) {
	v, ok := a[key]
	if !ok {
		return nil, nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, mcp.InvalidArguments("'%s' must be an object", key)
	}
	out := make(map[string]string, len(obj))
	for k, raw := range obj {
		s, ok := raw.(string)
		if !ok {
			return nil, mcp.InvalidArguments("'%s.%s' must be a string", key, k)
		}
		out[k] = s
	}
	return out, nil
}
