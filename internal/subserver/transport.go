package subserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
)

// maxChildLine bounds a single JSON-RPC line from a child. Matches the
// gateway's own input limit.
const maxChildLine = 10 * 1024 * 1024

// conn is a JSON-RPC client connection to a sub-server. Implementations must
// be safe for concurrent Call.
type conn interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Close() error
}

// stdioConn speaks newline-delimited JSON-RPC over a child's piped stdio.
// A single reader goroutine routes responses to waiting callers by id.
type stdioConn struct {
	writeMu sync.Mutex
	w       io.Writer

	pendingMu sync.Mutex
	pending   map[int64]chan *mcp.Response

	nextID atomic.Int64

	closeOnce sync.Once
	closer    io.Closer
	done      chan struct{}
}

// newStdioConn starts the reader loop over r and writes requests to w.
// closer is closed when the connection shuts down (typically the child's
// stdin, which signals EOF to a well-behaved child).
func newStdioConn(r io.Reader, w io.Writer, closer io.Closer) *stdioConn {
	c := &stdioConn{
		w:       w,
		pending: make(map[int64]chan *mcp.Response),
		closer:  closer,
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *stdioConn) readLoop(r io.Reader) {
	defer c.failAll()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxChildLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp mcp.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Err(err).Msg("Discarding unparseable line from sub-server")
			continue
		}
		id, err := strconv.ParseInt(string(bytes.TrimSpace(resp.ID)), 10, 64)
		if err != nil {
			// Notification or server-initiated message; not ours.
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// failAll wakes every waiter after the child's stdout closes.
func (c *stdioConn) failAll() {
	close(c.done)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *stdioConn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *mcp.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_, err = c.w.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("sub-server closed connection during %s", method)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *stdioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// httpConn posts JSON-RPC requests to a remote endpoint.
type httpConn struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

func newHTTPConn(endpoint string) *httpConn {
	return &httpConn{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *httpConn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	defer func() { _, _ = io.Copy(io.Discard, httpResp.Body); httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: unexpected status %d", method, httpResp.StatusCode)
	}

	var resp mcp.Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxChildLine)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *httpConn) Close() error { return nil }

// Ping probes endpoint liveness without a full JSON-RPC round trip.
func (c *httpConn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
