// Package mcp defines the JSON-RPC 2.0 wire types spoken by the gateway and
// by the sub-servers it supervises.
package mcp

import (
	"bytes"
	"encoding/json"
)

const (
	ProtocolVersion = "2025-06-18"
	ServerName      = "mcp-gateway"
	ServerVersion   = "1.0.0"
)

// Request is a JSON-RPC request envelope. The tenant fields are a gateway
// extension: tolerated on requests, never emitted on responses.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	TenantID     string `json:"tenantId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// IsNotification reports whether the request carries no usable id. A missing
// id and an explicit null are both notifications; 0 and "" are valid ids.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC response envelope. The id is echoed back verbatim.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ServerInfo identifies the server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes what the server supports.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// Tool describes an invocable tool.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema describes the expected input for a tool.
type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema describes a property in the input schema.
type PropertySchema struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Items       *ItemSchema `json:"items,omitempty"`
}

// ItemSchema describes array items in the input schema.
type ItemSchema struct {
	Type string `json:"type"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}
