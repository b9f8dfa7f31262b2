package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPInvokerPostsInvocation(t *testing.T) {
	var captured struct {
		path        string
		contentType string
		body        map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&captured.body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"price":42.5}`))
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker()
	result, err := invoker.Invoke(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL + "/"}, InvokeRequest{
		ToolName:  "quote",
		Arguments: map[string]any{"symbol": "ACME"},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(result.Output) != `{"price":42.5}` {
		t.Fatalf("Output = %s", result.Output)
	}

	if captured.path != "/invoke" {
		t.Fatalf("request path = %q, want /invoke", captured.path)
	}
	if captured.contentType != "application/json" {
		t.Fatalf("Content-Type = %q", captured.contentType)
	}
	if captured.body["tool"] != "quote" || captured.body["request_id"] != "req-1" {
		t.Fatalf("request body = %v", captured.body)
	}
	args, _ := captured.body["arguments"].(map[string]any)
	if args["symbol"] != "ACME" {
		t.Fatalf("arguments = %v", captured.body["arguments"])
	}
}

func TestHTTPInvokerNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "tool exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker()
	_, err := invoker.Invoke(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL}, InvokeRequest{ToolName: "quote"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want failure for status 500")
	}
	if !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "tool exploded") {
		t.Fatalf("Invoke() error = %v, want status and body in message", err)
	}
}

func TestHTTPInvokerRejectsNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker()
	_, err := invoker.Invoke(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL}, InvokeRequest{ToolName: "quote"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want failure for non-JSON body")
	}
}

func TestHTTPInvokerHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoker := NewHTTPInvoker()
	_, err := invoker.Invoke(ctx, SpokeInstance{ID: "spoke-a", Address: srv.URL}, InvokeRequest{ToolName: "quote"})
	if err == nil {
		t.Fatal("Invoke() error = nil, want context error")
	}
}

func TestHTTPProberUsesHealthCheckTarget(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewHTTPProber(0)
	err := prober.Probe(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL, HealthCheck: srv.URL + "/live"})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotPath != "/live" {
		t.Fatalf("probe path = %q, want /live", gotPath)
	}
}

func TestHTTPProberDefaultsToHealthPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	prober := NewHTTPProber(0)
	if err := prober.Probe(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL}); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if gotPath != "/health" {
		t.Fatalf("probe path = %q, want /health", gotPath)
	}
}

func TestHTTPProberNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prober := NewHTTPProber(0)
	err := prober.Probe(context.Background(), SpokeInstance{ID: "spoke-a", Address: srv.URL})
	if err == nil {
		t.Fatal("Probe() error = nil, want failure for status 503")
	}
}
