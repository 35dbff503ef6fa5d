package subserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
)

type childRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// startEchoChild wires a stdioConn to an in-memory child that answers every
// request with respond(req).
func startEchoChild(t *testing.T, respond func(req childRequest) string) *stdioConn {
	t.Helper()

	childIn, gatewayOut := io.Pipe()
	gatewayIn, childOut := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(childIn)
		for scanner.Scan() {
			var req childRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if line := respond(req); line != "" {
				fmt.Fprintln(childOut, line)
			}
		}
		childOut.Close()
	}()

	c := newStdioConn(gatewayIn, gatewayOut, gatewayOut)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStdioConnRoundTrip(t *testing.T) {
	c := startEchoChild(t, func(req childRequest) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"echo":"%s"}}`, req.ID, req.Method)
	})

	result, err := c.Call(context.Background(), "tools/list", map[string]interface{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"tools/list"}`, string(result))
}

func TestStdioConnRoutesResponsesByID(t *testing.T) {
	// The child answers each request tagged with its own id, after first
	// emitting noise lines that must be skipped.
	c := startEchoChild(t, func(req childRequest) string {
		return fmt.Sprintf("not json\n{\"jsonrpc\":\"2.0\",\"id\":null,\"result\":{}}\n{\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"for\":%d}}", req.ID, req.ID)
	})

	type outcome struct {
		id     int64
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			raw, err := c.Call(context.Background(), "tools/call", nil)
			var parsed struct {
				For int64 `json:"for"`
			}
			if err == nil {
				err = json.Unmarshal(raw, &parsed)
			}
			results <- outcome{id: parsed.For, result: raw, err: err}
		}()
	}

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)
		seen[out.id] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, seen, "each caller gets the response for its own id")
}

func TestStdioConnSurfacesChildError(t *testing.T) {
	c := startEchoChild(t, func(req childRequest) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"no such tool"}}`, req.ID)
	})

	_, err := c.Call(context.Background(), "tools/call", nil)
	var rpcErr *mcp.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.CodeMethodNotFound, rpcErr.Code)
}

func TestStdioConnContextCancellation(t *testing.T) {
	c := startEchoChild(t, func(childRequest) string { return "" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "tools/call", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdioConnFailsPendingOnClose(t *testing.T) {
	gatewayIn, childOut := io.Pipe()
	childIn, gatewayOut := io.Pipe()
	go io.Copy(io.Discard, childIn) // child reads but never answers
	c := newStdioConn(gatewayIn, gatewayOut, gatewayOut)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "tools/call", nil)
		done <- err
	}()

	// Let the call register, then slam the child's stdout shut.
	time.Sleep(20 * time.Millisecond)
	childOut.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed connection")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on close")
	}
}

func TestHTTPConnRoundTripAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req childRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"method":"%s"}}`, req.ID, req.Method)
	}))
	defer srv.Close()

	c := newHTTPConn(srv.URL)
	result, err := c.Call(context.Background(), "initialize", map[string]interface{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"initialize"}`, string(result))

	assert.NoError(t, c.Ping(context.Background()))
}

func TestDeploymentValidate(t *testing.T) {
	cases := []struct {
		name    string
		dep     Deployment
		wantErr bool
	}{
		{"process ok", Deployment{Type: DeployProcess, Process: &ProcessDeployment{Command: "srv"}}, false},
		{"process missing command", Deployment{Type: DeployProcess, Process: &ProcessDeployment{}}, true},
		{"process nil variant", Deployment{Type: DeployProcess}, true},
		{"container ok", Deployment{Type: DeployContainer, Container: &ContainerDeployment{Image: "img"}}, false},
		{"container missing image", Deployment{Type: DeployContainer, Container: &ContainerDeployment{}}, true},
		{"remote ok", Deployment{Type: DeployRemote, Remote: &RemoteDeployment{Endpoint: "http://x"}}, false},
		{"remote missing endpoint", Deployment{Type: DeployRemote, Remote: &RemoteDeployment{}}, true},
		{"unknown type", Deployment{Type: "zeppelin"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.dep.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
