package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fin-hub/hubgate/hub"
)

// ProtocolVersion is the protocol revision this gateway negotiates.
const ProtocolVersion = "2025-03-26"

// handler processes one decoded request and returns a result or an RPCError.
type handler func(ctx context.Context, params json.RawMessage) (any, *RPCError)

// GatewayConfig wires the protocol gateway.
type GatewayConfig struct {
	Catalog *hub.Catalog
	Router  *hub.Router
	Name    string
	Version string
	Logger  *slog.Logger
	// MaxBodyBytes bounds an incoming request body. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Gateway dispatches JSON-RPC requests over a finite method table. A
// malformed envelope or unknown method yields a structured error, never a
// crash.
type Gateway struct {
	catalog  *hub.Catalog
	router   *hub.Router
	name     string
	version  string
	logger    *slog.Logger
	maxBody   int64
	startedAt time.Time
	handlers  map[string]handler
}

// New creates a protocol gateway.
func New(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("gateway: catalog is nil")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("gateway: router is nil")
	}
	if cfg.Name == "" {
		cfg.Name = "hubgate"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	g := &Gateway{
		catalog:   cfg.Catalog,
		router:    cfg.Router,
		name:      cfg.Name,
		version:   cfg.Version,
		logger:    cfg.Logger,
		maxBody:   cfg.MaxBodyBytes,
		startedAt: time.Now(),
	}
	g.handlers = map[string]handler{
		"initialize":   g.handleInitialize,
		"ping":         g.handlePing,
		"tools/list":   g.handleListTools,
		"list-tools":   g.handleListTools,
		"tools/call":   g.handleCallTool,
		"call-tool":    g.handleCallTool,
		"search-tools": g.handleSearchTools,
		"status":       g.handleStatus,
	}
	return g, nil
}

// Dispatch processes one decoded request.
func (g *Gateway) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{JSONRPC: jsonRPCVersion, ID: req.ID}

	if req.JSONRPC != jsonRPCVersion {
		resp.Error = &RPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC),
		}
		return resp
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "method is required"}
		return resp
	}

	h, ok := g.handlers[method]
	if !ok {
		resp.Error = &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", method),
		}
		return resp
	}

	result, rpcErr := h(ctx, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

// ServeHTTP accepts a single JSON-RPC request per POST body.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody))
	if err != nil {
		g.writeResponse(w, Response{
			JSONRPC: jsonRPCVersion,
			Error:   &RPCError{Code: CodeInvalidRequest, Message: "unreadable request body"},
		})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeResponse(w, Response{
			JSONRPC: jsonRPCVersion,
			Error:   &RPCError{Code: CodeInvalidRequest, Message: "malformed request envelope"},
		})
		return
	}

	g.writeResponse(w, g.Dispatch(r.Context(), req))
}

func (g *Gateway) writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Warn("gateway response encode failed", "error", err)
	}
}

func (g *Gateway) handleInitialize(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		ServerInfo: ServerInfo{Name: g.name, Version: g.version},
	}, nil
}

func (g *Gateway) handlePing(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return map[string]any{}, nil
}

func (g *Gateway) handleListTools(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	return ToolsListResult{Tools: g.collectTools("")}, nil
}

func (g *Gateway) handleSearchTools(_ context.Context, params json.RawMessage) (any, *RPCError) {
	var p SearchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(p.Query))
	if query == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "query is required"}
	}

	tools := g.collectTools(query)
	if p.Limit > 0 && len(tools) > p.Limit {
		tools = tools[:p.Limit]
	}
	return ToolsListResult{Tools: tools}, nil
}

func (g *Gateway) handleCallTool(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p CallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "tool name is required"}
	}

	result, err := g.router.Execute(ctx, hub.ExecuteRequest{
		ToolName:  p.Name,
		Arguments: p.Arguments,
	})
	if err != nil {
		return nil, domainError(err)
	}
	return result, nil
}

func (g *Gateway) handleStatus(_ context.Context, _ json.RawMessage) (any, *RPCError) {
	var status StatusResult
	tools := make(map[string]struct{})
	for _, inst := range g.catalog.ListAll() {
		status.Spokes++
		if inst.Active {
			status.ActiveSpokes++
		}
		if inst.Active && inst.Health == hub.HealthHealthy {
			status.HealthySpokes++
		}
		status.InFlight += inst.CurrentLoad
		for name, desc := range inst.Tools {
			tools[name] = struct{}{}
			status.TotalInvocations += desc.Stats.Invocations
		}
	}
	status.DistinctTools = len(tools)
	status.UptimeSeconds = int64(time.Since(g.startedAt).Seconds())
	return status, nil
}

// collectTools merges tool declarations across active healthy instances;
// query, when non-empty, filters on name and description substrings.
func (g *Gateway) collectTools(query string) []ToolEntry {
	merged := make(map[string]*ToolEntry)
	for _, inst := range g.catalog.ListAll() {
		if !inst.Active || inst.Health != hub.HealthHealthy {
			continue
		}
		for name, desc := range inst.Tools {
			if query != "" && !matchesQuery(desc, query) {
				continue
			}
			entry, ok := merged[name]
			if !ok {
				entry = &ToolEntry{
					Name:        name,
					Description: desc.Description,
					InputSchema: desc.InputSchema,
				}
				merged[name] = entry
			}
			entry.Instances = append(entry.Instances, inst.ID)
		}
	}

	out := make([]ToolEntry, 0, len(merged))
	for _, entry := range merged {
		sort.Strings(entry.Instances)
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func matchesQuery(desc hub.ToolDescriptor, query string) bool {
	return strings.Contains(strings.ToLower(desc.ID), query) ||
		strings.Contains(strings.ToLower(desc.Name), query) ||
		strings.Contains(strings.ToLower(desc.Description), query)
}

func unmarshalParams(params json.RawMessage, dst any) *RPCError {
	if len(params) == 0 {
		return &RPCError{Code: CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: "malformed params"}
	}
	return nil
}

// domainError maps a routing failure to the protocol error object, keeping
// the machine-readable code under data.
func domainError(err error) *RPCError {
	if invokeErr, ok := hub.InvokeErrorFrom(err); ok {
		data := map[string]any{
			"code":      invokeErr.Code,
			"retryable": invokeErr.Retryable,
		}
		for k, v := range invokeErr.Details {
			data[k] = v
		}
		return &RPCError{
			Code:    CodeDomainError,
			Message: invokeErr.Message,
			Data:    data,
		}
	}
	return &RPCError{Code: CodeDomainError, Message: err.Error()}
}
