// Package chi implements the HTTP transport of the faceted search service.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/filterexpr"
	"github.com/mapgate/facetsearch/internal/registry"
	"github.com/mapgate/facetsearch/internal/version"
)

// Header names carrying the request's tenant and caller identity. Both are
// set by the auth proxy in front of the service.
const (
	tenantHeader   = "X-Tenant"
	identityHeader = "X-Identity"
)

// TenantRegistry yields the per-tenant handler bundle.
type TenantRegistry interface {
	Handler(tenant string) (*registry.Handler, error)
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server routes search and geometry requests to tenant handlers.
type Server struct {
	registry      TenantRegistry
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(reg TenantRegistry, logger *zap.Logger) *Server {
	s := &Server{
		registry: reg,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidFilter, http.StatusBadRequest),
		sentinelHandler(domain.ErrUnknownTenant, http.StatusBadRequest),
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound),
		sentinelHandler(domain.ErrEngineFailure, http.StatusBadGateway),
	}
	return s
}

// Routes mounts all endpoints on the router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/", s.handleSearch)
	r.Get("/fts/", s.handleSearch)
	r.Get("/geom/{dataset}", s.handleGeometry)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
}

// handleSearch handles GET / and GET /fts/.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	h, err := s.registry.Handler(r.Header.Get(tenantHeader))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	searchtext := r.URL.Query().Get("searchtext")
	if strings.TrimSpace(searchtext) == "" {
		writeError(w, http.StatusBadRequest, "Missing search string")
		return
	}
	filter := splitFilter(r.URL.Query().Get("filter"))
	limit := parseLimit(r.URL.Query().Get("limit"))

	resp, err := h.Search.Search(r.Context(), r.Header.Get(identityHeader), searchtext, filter, limit)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGeometry handles GET /geom/{dataset}.
func (s *Server) handleGeometry(w http.ResponseWriter, r *http.Request) {
	h, err := s.registry.Handler(r.Header.Get(tenantHeader))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	dataset := chi.URLParam(r, "dataset")
	filter := r.URL.Query().Get("filter")

	fc, err := h.Geometry.Query(r.Context(), r.Header.Get(identityHeader), dataset, []byte(filter))
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReady reports readiness. Tenant engines are reached lazily, so a
// running process is a ready process.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// splitFilter parses the comma-separated facet filter parameter.
func splitFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	var filter []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter = append(filter, part)
		}
	}
	return filter
}

// parseLimit parses the result limit. Invalid or non-positive values fall
// back to the tenant default rather than erroring.
func parseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// safeDomainMessage returns a sentinel error message for the client without
// exposing internals. Filter parse errors keep the parser's reason string.
func safeDomainMessage(err error) string {
	var parseErr *filterexpr.ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Reason
	}
	sentinels := []error{
		domain.ErrInvalidFilter,
		domain.ErrUnknownTenant,
		domain.ErrNotFound,
		domain.ErrEngineFailure,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

func sentinelHandler(sentinel error, status int) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
