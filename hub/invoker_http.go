package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InvokeRequest is one routed tool invocation bound for a chosen instance.
type InvokeRequest struct {
	ToolName  string
	Arguments map[string]any
	RequestID string
}

// InvokeResult carries a spoke's successful response.
type InvokeResult struct {
	Output     json.RawMessage
	DurationMS int64
}

// Invoker dispatches one invocation to one spoke instance. Implementations
// must honour ctx cancellation and return an error for any non-success
// outcome.
type Invoker interface {
	Invoke(ctx context.Context, inst SpokeInstance, req InvokeRequest) (InvokeResult, error)
}

// HTTPInvoker posts invocations to a spoke's invoke endpoint. The request
// body is `{"tool", "arguments", "request_id"}`; a 2xx JSON body is the
// result, anything else a failure.
type HTTPInvoker struct{}

// NewHTTPInvoker creates the standard HTTP transport invoker.
func NewHTTPInvoker() *HTTPInvoker {
	return &HTTPInvoker{}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, inst SpokeInstance, req InvokeRequest) (InvokeResult, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(inst.Address), "/") + "/invoke"

	payload := map[string]any{
		"tool":       req.ToolName,
		"arguments":  req.Arguments,
		"request_id": req.RequestID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("hub: encode invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("hub: build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	// Per-request deadlines come from ctx; the pooled client carries no
	// timeout of its own so one pool serves every tool.
	start := time.Now()
	resp, err := sharedClients.get(0).Do(httpReq)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("hub: invoke %s on %s: %w", req.ToolName, inst.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("hub: read invoke response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return InvokeResult{}, fmt.Errorf("hub: invoke %s on %s returned status %d: %s",
			req.ToolName, inst.ID, resp.StatusCode, message)
	}

	if len(respBody) == 0 || !json.Valid(respBody) {
		return InvokeResult{}, fmt.Errorf("hub: invoke %s on %s returned a non-JSON body", req.ToolName, inst.ID)
	}

	return InvokeResult{
		Output:     json.RawMessage(respBody),
		DurationMS: durationMS(time.Since(start)),
	}, nil
}
