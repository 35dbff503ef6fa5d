package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/mcp-gateway/internal/handlers"
	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

var nullID = json.RawMessage("null")

// Handle routes one raw input record through the full request lifecycle and
// returns the response, or nil for notifications. Safe for concurrent use.
func (s *Server) Handle(ctx context.Context, raw []byte) *mcp.Response {
	var req mcp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nullID, mcp.InvalidRequest("parse error: %v", err))
	}

	if req.IsNotification() {
		s.handleNotification(&req)
		return nil
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, mcp.InvalidRequest("missing jsonrpc version or method"))
	}

	result, err := s.dispatch(ctx, &req)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, mcp.Internal("encode result: %v", err))
	}
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: encoded}
}

// handleNotification runs side-effect-free housekeeping. Never produces
// output.
func (s *Server) handleNotification(req *mcp.Request) {
	switch req.Method {
	case "notifications/initialized":
		log.Debug().Msg("Client initialization acknowledged")
	default:
		log.Debug().Str("method", req.Method).Msg("Ignoring notification")
	}
}

// dispatch resolves the principal, enforces tenancy and rate limits, and
// runs the method. The request guard is released on every exit path,
// including panics.
func (s *Server) dispatch(ctx context.Context, req *mcp.Request) (result interface{}, err error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = s.defaultTenantID
	}
	userID := req.UserID
	if userID == "" {
		userID = s.defaultUserID
	}
	if tenantID == "" || userID == "" {
		return nil, mcp.InvalidRequest("missing tenant or user identity")
	}

	if err := s.manager.Validate(tenantID, userID); err != nil {
		var notFound *tenant.NotFoundError
		var unauthorized *tenant.UnauthorizedError
		if errors.As(err, &notFound) || errors.As(err, &unauthorized) {
			return nil, mcp.TenantError("%v", err)
		}
		return nil, mcp.Internal("validate tenant: %v", err)
	}

	session, err := s.manager.CreateSession(tenantID)
	if err != nil {
		return nil, mcp.TenantError("%v", err)
	}

	// Legacy per-session guards run before the per-operation bucket.
	if !session.CheckRequestBudget() {
		return nil, mcp.RateLimited()
	}

	var callParams *mcp.CallToolParams
	if req.Method == "tools/call" {
		callParams, err = s.parseCallParams(req)
		if err != nil {
			return nil, err
		}
		if err := s.chargeToolCall(tenantID, session, callParams); err != nil {
			return nil, err
		}
	}

	session.IncrementRequestCount()
	guard := tenant.NewGuard(session)
	defer guard.Release()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("method", req.Method).
				Msg("Panic during dispatch")
			guard.Release()
			result = nil
			err = mcp.Internal("panic during dispatch")
		}
	}()

	session.Touch()

	switch req.Method {
	case "initialize":
		return mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      mcp.ServerInfo{Name: mcp.ServerName, Version: mcp.ServerVersion},
		}, nil

	case "tools/list":
		return mcp.ListToolsResult{Tools: s.registry.ListTools(session)}, nil

	case "tools/call":
		return s.registry.Invoke(ctx, session, callParams.Name, handlers.Args(callParams.Arguments))

	case "notifications/initialized":
		// A client that sent this with an id still gets an acknowledgement.
		return nil, nil

	default:
		return nil, mcp.MethodNotFound(req.Method)
	}
}

// parseCallParams decodes tools/call params. Missing params is an invalid
// request; missing arguments defaults to the empty object.
func (s *Server) parseCallParams(req *mcp.Request) (*mcp.CallToolParams, error) {
	if len(req.Params) == 0 {
		return nil, mcp.InvalidRequest("missing params for tools/call")
	}
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcp.InvalidRequest("malformed params: %v", err)
	}
	if params.Name == "" {
		return nil, mcp.InvalidRequest("missing tool name")
	}
	if params.Arguments == nil {
		params.Arguments = make(map[string]interface{})
	}
	return &params, nil
}

// chargeToolCall debits the token bucket for the target tool's operation
// class. Unknown tools charge nothing; the registry surfaces tool-not-found
// during dispatch. Proxy tools have no cost class and only account against
// concurrency.
func (s *Server) chargeToolCall(tenantID string, session *tenant.Session, params *mcp.CallToolParams) error {
	entry, ok := s.registry.Lookup(params.Name)
	if !ok || entry.Cost == "" {
		return nil
	}

	cost := 1
	if entry.Cost == ratelimit.ClassEventPut {
		batch := handlers.EventBatchSize(handlers.Args(params.Arguments))
		cost = session.Context.Limits.Services.EventBatchCost(batch)
	}

	if !s.manager.Limiter().TryCharge(tenantID, entry.Cost, cost) {
		log.Warn().
			Str("tenant_id", tenantID).
			Str("tool", params.Name).
			Str("class", string(entry.Cost)).
			Int("cost", cost).
			Msg("Rate limit exceeded")
		return mcp.RateLimited()
	}
	return nil
}

func errorResponse(id json.RawMessage, err error) *mcp.Response {
	if len(id) == 0 {
		id = nullID
	}

	var rpcErr *mcp.Error
	if !errors.As(err, &rpcErr) {
		rpcErr = mcp.Internal("%v", err)
	}
	return &mcp.Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}
