package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fin-hub/hubgate/hub"
	"github.com/fin-hub/hubgate/ledger"
)

type serverFixture struct {
	catalog *hub.Catalog
	ledger  *ledger.MemStore
	handler http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	catalog := hub.NewCatalog(hub.CatalogConfig{})
	store := ledger.NewMemStore(0)
	server := NewServer(ServerConfig{Catalog: catalog, Ledger: store})
	return &serverFixture{catalog: catalog, ledger: store, handler: server.Handler()}
}

func (fx *serverFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func (fx *serverFixture) register(t *testing.T, id string, tools ...string) {
	t.Helper()
	reg := hub.Registration{ID: id, Address: "http://" + id + ":8001"}
	for _, tool := range tools {
		reg.Tools = append(reg.Tools, hub.ToolDecl{ID: tool})
	}
	if _, err := fx.catalog.Register(context.Background(), reg); err != nil {
		t.Fatalf("Register(%s) error = %v", id, err)
	}
}

func TestServerHealth(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", rec.Code)
	}
}

func TestServerRegisterSpoke(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/spokes", `{
		"id": "market-data",
		"address": "http://localhost:8001",
		"weight": 150,
		"tools": [{"id": "quote"}]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/spokes status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var inst hub.SpokeInstance
	decodeBody(t, rec, &inst)
	if inst.ID != "market-data" || inst.Weight != 150 || !inst.Active {
		t.Fatalf("registered instance = %+v", inst)
	}
}

func TestServerRegisterSpokeValidation(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/spokes", `{"id": "BAD ID", "address": "http://localhost:8001"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid registration status = %d, want 422", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string   `json:"code"`
			Details []string `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error.Code != "validation_failed" {
		t.Fatalf("error code = %q", body.Error.Code)
	}
	if len(body.Error.Details) != 1 || body.Error.Details[0] != "id" {
		t.Fatalf("error details = %v, want [id]", body.Error.Details)
	}

	rec = fx.do(t, http.MethodPost, "/api/spokes", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestServerSpokeLifecycle(t *testing.T) {
	fx := newServerFixture(t)
	fx.register(t, "market-data", "quote")

	rec := fx.do(t, http.MethodGet, "/api/spokes/market-data", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET spoke status = %d", rec.Code)
	}

	rec = fx.do(t, http.MethodGet, "/api/spokes/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing spoke status = %d, want 404", rec.Code)
	}

	rec = fx.do(t, http.MethodDelete, "/api/spokes/market-data", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE spoke status = %d, want 204", rec.Code)
	}
	inst, ok := fx.catalog.Get("market-data")
	if !ok || inst.Active {
		t.Fatalf("deregistered instance = %+v, %v; want inactive", inst, ok)
	}
}

func TestServerListTools(t *testing.T) {
	fx := newServerFixture(t)
	fx.register(t, "spoke-a", "quote", "forecast")
	fx.register(t, "spoke-b", "quote")

	var body struct {
		Tools []struct {
			ID        string   `json:"id"`
			Instances []string `json:"instances"`
		} `json:"tools"`
	}
	rec := fx.do(t, http.MethodGet, "/api/tools", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/tools status = %d", rec.Code)
	}
	decodeBody(t, rec, &body)
	if len(body.Tools) != 2 {
		t.Fatalf("tools = %+v, want 2", body.Tools)
	}

	rec = fx.do(t, http.MethodGet, "/api/tools?q=forecast", "")
	decodeBody(t, rec, &body)
	if len(body.Tools) != 1 || body.Tools[0].ID != "forecast" {
		t.Fatalf("filtered tools = %+v", body.Tools)
	}
}

func TestServerExecutions(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	startedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []ledger.Record{
		{ID: "exec-1", ToolName: "quote", Status: ledger.StatusRunning, StartedAt: startedAt},
		{ID: "exec-2", ToolName: "forecast", Status: ledger.StatusRunning, StartedAt: startedAt.Add(time.Minute)},
	}
	for _, rec := range records {
		if err := fx.ledger.Append(ctx, rec); err != nil {
			t.Fatalf("Append(%s) error = %v", rec.ID, err)
		}
	}
	if err := fx.ledger.Finalize(ctx, "exec-2", ledger.Outcome{Status: ledger.StatusSucceeded, FinishedAt: startedAt.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	var body struct {
		Executions []ledger.Record `json:"executions"`
	}
	rec := fx.do(t, http.MethodGet, "/api/executions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/executions status = %d", rec.Code)
	}
	decodeBody(t, rec, &body)
	if len(body.Executions) != 2 || body.Executions[0].ID != "exec-2" {
		t.Fatalf("executions = %+v, want exec-2 first", body.Executions)
	}

	rec = fx.do(t, http.MethodGet, "/api/executions?status=SUCCEEDED", "")
	decodeBody(t, rec, &body)
	if len(body.Executions) != 1 || body.Executions[0].ID != "exec-2" {
		t.Fatalf("filtered executions = %+v", body.Executions)
	}

	rec = fx.do(t, http.MethodGet, "/api/executions?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
	rec = fx.do(t, http.MethodGet, "/api/executions?since=notatime", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want 400", rec.Code)
	}

	rec = fx.do(t, http.MethodGet, "/api/executions/exec-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET execution status = %d", rec.Code)
	}
	rec = fx.do(t, http.MethodGet, "/api/executions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing execution status = %d, want 404", rec.Code)
	}
}

func TestServerCORS(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, http.MethodOptions, "/api/spokes", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q, want *", got)
	}
}
