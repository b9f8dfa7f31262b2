package daemon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fin-hub/hubgate/gateway"
	"github.com/fin-hub/hubgate/hub"
	"github.com/fin-hub/hubgate/ledger"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Catalog    *hub.Catalog
	Ledger     ledger.Store
	Gateway    *gateway.Gateway
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the gateway's admin HTTP API.
type Server struct {
	catalog    *hub.Catalog
	ledger     ledger.Store
	gateway    *gateway.Gateway
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		catalog:    cfg.Catalog,
		ledger:     cfg.Ledger,
		gateway:    cfg.Gateway,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.corsMiddleware(s.maxBodyMiddleware(mux))
}

// RegisterRoutes attaches all API routes to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/spokes", s.handleListSpokes)
	mux.HandleFunc("POST /api/spokes", s.handleRegisterSpoke)
	mux.HandleFunc("GET /api/spokes/{id}", s.handleGetSpoke)
	mux.HandleFunc("DELETE /api/spokes/{id}", s.handleDeregisterSpoke)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	if s.gateway != nil {
		mux.Handle("POST /mcp", s.gateway)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	instances := s.catalog.ListAll()
	active, healthy, inFlight := 0, 0, 0
	tools := make(map[string]struct{})
	for _, inst := range instances {
		if inst.Active {
			active++
		}
		if inst.Active && inst.Health == hub.HealthHealthy {
			healthy++
		}
		inFlight += inst.CurrentLoad
		for name := range inst.Tools {
			tools[name] = struct{}{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spokes":         len(instances),
		"active_spokes":  active,
		"healthy_spokes": healthy,
		"distinct_tools": len(tools),
		"in_flight":      inFlight,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListSpokes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"spokes": s.catalog.ListAll()})
}

func (s *Server) handleRegisterSpoke(w http.ResponseWriter, r *http.Request) {
	var reg hub.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	inst, err := s.catalog.Register(r.Context(), reg)
	if err != nil {
		var vErr *hub.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", vErr.Message, vErr.Field)
			return
		}
		writeError(w, http.StatusInternalServerError, "registration_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetSpoke(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.catalog.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "spoke not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeregisterSpoke(w http.ResponseWriter, r *http.Request) {
	s.catalog.Deregister(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	type toolView struct {
		ID          string   `json:"id"`
		Name        string   `json:"name,omitempty"`
		Description string   `json:"description,omitempty"`
		Instances   []string `json:"instances"`
	}
	merged := make(map[string]*toolView)
	for _, inst := range s.catalog.ListAll() {
		if !inst.Active {
			continue
		}
		for id, desc := range inst.Tools {
			if query != "" && !toolMatches(desc, query) {
				continue
			}
			view, ok := merged[id]
			if !ok {
				view = &toolView{ID: id, Name: desc.Name, Description: desc.Description}
				merged[id] = view
			}
			view.Instances = append(view.Instances, inst.ID)
		}
	}

	out := make([]toolView, 0, len(merged))
	for _, view := range merged {
		out = append(out, *view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func toolMatches(desc hub.ToolDescriptor, query string) bool {
	return strings.Contains(strings.ToLower(desc.ID), query) ||
		strings.Contains(strings.ToLower(desc.Name), query) ||
		strings.Contains(strings.ToLower(desc.Description), query)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "ledger_disabled", "execution ledger is not configured")
		return
	}

	f := ledger.Filter{
		ToolName: strings.TrimSpace(r.URL.Query().Get("tool")),
		Status:   ledger.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:    100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		f.Since = since
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_until", "until must be RFC 3339")
			return
		}
		f.Until = until
	}

	records, err := s.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotImplemented, "ledger_disabled", "execution ledger is not configured")
		return
	}

	rec, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger_get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
