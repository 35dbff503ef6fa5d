package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mcp-gateway/internal/handlers"
	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/storage"
	"github.com/agentmesh/mcp-gateway/internal/subserver"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

func newTestServer(in string, out *bytes.Buffer) (*Server, *tenant.Manager) {
	backend := storage.NewMemory()
	registry := handlers.NewRegistry()
	handlers.RegisterBuiltin(registry, backend)

	manager := tenant.NewManager(tenant.ManagerOptions{AutoRegister: true})

	if out == nil {
		out = &bytes.Buffer{}
	}
	srv := New(Options{
		Manager:         manager,
		Registry:        registry,
		Supervisor:      subserver.NewSupervisor(backend, nil),
		DefaultTenantID: "tenant-a",
		DefaultUserID:   "user-a",
		In:              strings.NewReader(in),
		Out:             out,
	})
	return srv, manager
}

func handleLine(t *testing.T, srv *Server, line string) *mcp.Response {
	t.Helper()
	return srv.Handle(context.Background(), []byte(line))
}

func TestInitializeHandshake(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{}}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, json.RawMessage("0"), resp.ID, "id zero is a real id, not a notification")

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, mcp.ServerName, result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)
}

func TestToolsListReturnsRegisteredTools(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "kv_get")
	assert.Contains(t, names, "kv_set")
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	srv, _ := newTestServer("", nil)

	// Absent id and literal null id are both notifications.
	assert.Nil(t, handleLine(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, handleLine(t, srv, `{"jsonrpc":"2.0","id":null,"method":"tools/list"}`))
}

func TestMalformedInputYieldsSingleInvalidRequest(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{ not json`)
	require.NotNil(t, resp)
	assert.Equal(t, json.RawMessage("null"), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestUnknownMethodPreservesID(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":"x","method":"bogus/method"}`)
	require.NotNil(t, resp)
	assert.Equal(t, json.RawMessage(`"x"`), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
}

func TestEmptyStringIDIsARealID(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":"","method":"tools/list"}`)
	require.NotNil(t, resp)
	assert.Equal(t, json.RawMessage(`""`), resp.ID)
	assert.Nil(t, resp.Error)
}

func TestMissingJSONRPCVersion(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"id":1,"method":"tools/list"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestToolsCallMissingParams(t *testing.T) {
	srv, _ := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/call"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestToolsCallArgumentsDefaultToEmpty(t *testing.T) {
	srv, _ := newTestServer("", nil)

	// kv_list works with no arguments at all.
	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"kv_list"}}`)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestToolsCallUnknownToolNotCharged(t *testing.T) {
	srv, manager := newTestServer("", nil)

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"no_such_tool"}}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, 0, manager.Limiter().BucketCount(), "unknown tools must not create buckets")
}

func TestUnknownTenantWithoutAutoRegister(t *testing.T) {
	srv, _ := newTestServer("", nil)
	strict := tenant.NewManager(tenant.ManagerOptions{})
	srv.manager = strict

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":5,"method":"tools/list","tenantId":"ghost","userId":"u"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeTenantError, resp.Error.Code)
}

func TestMissingIdentityWithoutDefaults(t *testing.T) {
	srv, _ := newTestServer("", nil)
	srv.defaultTenantID = ""
	srv.defaultUserID = ""

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestConcurrentDispatchBalancesCounters(t *testing.T) {
	srv, manager := newTestServer("", nil)

	const n = 100
	responses := make([]*mcp.Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`, i)
			responses[i] = handleLine(t, srv, line)
		}(i)
	}
	wg.Wait()

	for i, resp := range responses {
		require.NotNil(t, resp, "request %d", i)
		assert.Nil(t, resp.Error, "request %d", i)
	}
	assert.Equal(t, int64(0), manager.TotalActiveRequests())
}

func TestRateLimitIsolatedPerTenant(t *testing.T) {
	srv, _ := newTestServer("", nil)

	// blob_list has the smallest bucket; a rapid burst exhausts it.
	limited := 0
	for i := 0; i < 30; i++ {
		line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"blob_list"},"tenantId":"tenant-a","userId":"user-a"}`, i)
		resp := handleLine(t, srv, line)
		require.NotNil(t, resp)
		if resp.Error != nil {
			assert.Equal(t, mcp.CodeRateLimited, resp.Error.Code)
			limited++
		}
	}
	assert.Greater(t, limited, 0, "burst should exhaust tenant-a's bucket")

	// tenant-b's bucket is untouched.
	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":99,"method":"tools/call","params":{"name":"blob_list"},"tenantId":"tenant-b","userId":"user-b"}`)
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestRunWritesOrderedResponsesAndDrains(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{ garbage`,
		``,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	srv, manager := newTestServer(input, &out)

	require.NoError(t, srv.Run(context.Background()))
	assert.Equal(t, int64(0), manager.TotalActiveRequests())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, "notification and blank line produce no output")

	var first, second, third mcp.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))

	assert.Equal(t, json.RawMessage("1"), first.ID)
	assert.Nil(t, first.Error)

	assert.Equal(t, json.RawMessage("null"), second.ID)
	require.NotNil(t, second.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, second.Error.Code)

	assert.Equal(t, json.RawMessage("2"), third.ID)
	assert.Nil(t, third.Error)
}

func TestHandlerPanicYieldsInternalError(t *testing.T) {
	srv, manager := newTestServer("", nil)
	srv.registry.Register(&handlers.Entry{
		Name:   "explode",
		Schema: mcp.InputSchema{Type: "object"},
		Invoke: func(ctx context.Context, session *tenant.Session, args handlers.Args) (interface{}, error) {
			panic("boom")
		},
	})

	resp := handleLine(t, srv, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"explode"}}`)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInternal, resp.Error.Code)
	assert.Equal(t, int64(0), manager.TotalActiveRequests(), "guard must be released after a panic")
}
