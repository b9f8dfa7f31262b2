// Package gateway exposes the hub over a JSON-RPC 2.0 protocol surface:
// initialize, tool listing and search, tool invocation, status, and ping.
package gateway

import (
	"encoding/json"
	"fmt"
)

const jsonRPCVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeDomainError    = -32000
)

// Request is an incoming JSON-RPC 2.0 envelope. The identifier is kept raw
// so string and numeric ids round-trip unchanged.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object. Domain failures carry their
// machine-readable code under Data.
type RPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("gateway: rpc error %d: %s", e.Code, e.Message)
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ServerInfo identifies this gateway.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ToolEntry is one discoverable tool in a tools/list result.
type ToolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Instances   []string       `json:"instances,omitempty"`
}

// ToolsListResult is returned by tools/list and search-tools.
type ToolsListResult struct {
	Tools []ToolEntry `json:"tools"`
}

// CallParams is the params shape for tools/call.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// SearchParams is the params shape for search-tools.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// StatusResult summarises the hub for the status method.
type StatusResult struct {
	Spokes           int   `json:"spokes"`
	ActiveSpokes     int   `json:"active_spokes"`
	HealthySpokes    int   `json:"healthy_spokes"`
	DistinctTools    int   `json:"distinct_tools"`
	InFlight         int   `json:"in_flight"`
	TotalInvocations int64 `json:"total_invocations"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}
