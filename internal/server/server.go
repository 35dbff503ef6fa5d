// Package server implements the stdio JSON-RPC loop: framing, the request
// router, and graceful drain on end-of-input.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/handlers"
	"github.com/agentmesh/mcp-gateway/internal/subserver"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

const (
	// maxLine bounds one JSON-RPC input record.
	maxLine = 10 * 1024 * 1024

	// drainPoll is how often the drain loop samples in-flight requests.
	drainPoll = 50 * time.Millisecond

	// drainDeadline bounds the whole drain; requests still in flight after
	// this are abandoned.
	drainDeadline = 5 * time.Second
)

// Options wire a Server.
type Options struct {
	Manager    *tenant.Manager
	Registry   *handlers.Registry
	Supervisor *subserver.Supervisor

	// DefaultTenantID and DefaultUserID apply when the envelope carries no
	// identity.
	DefaultTenantID string
	DefaultUserID   string

	In  io.Reader
	Out io.Writer
}

// Server runs the stdio loop. Reads are sequential; responses are written in
// request order, each fully flushed before the next read.
type Server struct {
	manager    *tenant.Manager
	registry   *handlers.Registry
	supervisor *subserver.Supervisor

	defaultTenantID string
	defaultUserID   string

	in      io.Reader
	writeMu sync.Mutex
	out     *bufio.Writer

	shuttingDown atomic.Bool
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		manager:         opts.Manager,
		registry:        opts.Registry,
		supervisor:      opts.Supervisor,
		defaultTenantID: opts.DefaultTenantID,
		defaultUserID:   opts.DefaultUserID,
		in:              opts.In,
		out:             bufio.NewWriter(opts.Out),
	}
}

// Run reads records until end-of-input, then drains and tears down
// sub-servers. The returned error is the read error, nil on clean EOF.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("MCP gateway listening on stdio")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if s.shuttingDown.Load() {
			log.Warn().Msg("Discarding input received during drain")
			continue
		}

		if resp := s.Handle(ctx, line); resp != nil {
			if err := s.writeResponse(resp); err != nil {
				log.Error().Err(err).Msg("Failed to write response")
			}
		}
	}

	readErr := scanner.Err()
	if readErr != nil {
		log.Error().Err(readErr).Msg("Input stream failed; draining")
	} else {
		log.Info().Msg("End of input; draining")
	}

	s.drain()
	s.supervisor.Shutdown(ctx)

	if readErr != nil {
		return fmt.Errorf("read input: %w", readErr)
	}
	return nil
}

// writeResponse emits one full response line and flushes it before the next
// read. No partial writes reach the stream.
func (s *Server) writeResponse(resp interface{}) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return s.out.Flush()
}

// drain waits for in-flight requests to finish, polling every 50ms up to the
// 5-second deadline.
func (s *Server) drain() {
	s.shuttingDown.Store(true)

	deadline := time.Now().Add(drainDeadline)
	for {
		active := s.manager.TotalActiveRequests()
		if active == 0 {
			log.Info().Msg("Drain complete")
			return
		}
		if time.Now().After(deadline) {
			log.Warn().Int64("active_requests", active).Msg("Drain deadline exceeded; abandoning in-flight requests")
			return
		}
		time.Sleep(drainPoll)
	}
}
