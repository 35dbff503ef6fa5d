package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

func sessionWith(role tenant.Role, perms ...tenant.Permission) *tenant.Session {
	return tenant.NewSession(tenant.Context{
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Type:        tenant.ContextPersonal,
		Role:        role,
		Permissions: perms,
		Limits:      tenant.DefaultLimits(),
	})
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(&Entry{
		Name:        "open_tool",
		Description: "no permission required",
		Schema:      mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	})
	r.Register(&Entry{
		Name:               "admin_tool",
		Description:        "admin only",
		RequiredPermission: permission(tenant.PermAdmin),
		Schema:             mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	})
	return r
}

func TestListToolsFiltersByPermission(t *testing.T) {
	r := testRegistry()

	names := func(tools []mcp.Tool) []string {
		out := make([]string, 0, len(tools))
		for _, tool := range tools {
			out = append(out, tool.Name)
		}
		return out
	}

	user := sessionWith(tenant.RoleUser)
	assert.Equal(t, []string{"open_tool"}, names(r.ListTools(user)))

	admin := sessionWith(tenant.RoleAdmin)
	assert.Equal(t, []string{"admin_tool", "open_tool"}, names(r.ListTools(admin)))
}

func TestInvokeUnknownTool(t *testing.T) {
	r := testRegistry()

	_, err := r.Invoke(context.Background(), sessionWith(tenant.RoleUser), "no_such_tool", nil)
	var rpcErr *mcp.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.CodeMethodNotFound, rpcErr.Code)
}

func TestInvokePermissionDenied(t *testing.T) {
	r := testRegistry()

	_, err := r.Invoke(context.Background(), sessionWith(tenant.RoleUser), "admin_tool", nil)
	var rpcErr *mcp.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.CodePermissionDenied, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "Admin")
}

func TestInvokeListedToolSucceeds(t *testing.T) {
	r := testRegistry()
	session := sessionWith(tenant.RoleAdmin)

	// Every listed tool must be invocable without tool-not-found.
	for _, tool := range r.ListTools(session) {
		_, err := r.Invoke(context.Background(), session, tool.Name, Args{})
		assert.NoError(t, err, "tool %s", tool.Name)
	}
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	r := NewRegistry()
	r.Register(&Entry{
		Name:   "dup",
		Schema: mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			return "first", nil
		},
	})
	r.Register(&Entry{
		Name:   "dup",
		Schema: mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			return "second", nil
		},
	})

	result, err := r.Invoke(context.Background(), sessionWith(tenant.RoleUser), "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestArgsHelpers(t *testing.T) {
	args := Args{
		"name":  "value",
		"count": float64(7),
		"creds": map[string]interface{}{"token": "abc"},
	}

	name, err := args.String("name")
	require.NoError(t, err)
	assert.Equal(t, "value", name)

	_, err = args.String("missing")
	assert.Error(t, err)

	count, err := args.OptionalInt("count", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	fallback, err := args.OptionalInt("absent", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, fallback)

	creds, err := args.StringMap("creds")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "abc"}, creds)

	none, err := args.StringMap("absent")
	require.NoError(t, err)
	assert.Nil(t, none)
}
