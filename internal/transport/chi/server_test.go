package chi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chirouter "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/filterexpr"
	"github.com/mapgate/facetsearch/internal/registry"
)

type mockBackend struct {
	searchFunc func(ctx context.Context, identity, searchtext string, filter []string, limit int) (*domain.SearchResponse, error)
}

func (m *mockBackend) Search(
	ctx context.Context, identity, searchtext string, filter []string, limit int,
) (*domain.SearchResponse, error) {
	return m.searchFunc(ctx, identity, searchtext, filter, limit)
}

type mockGeometry struct {
	queryFunc func(ctx context.Context, identity, dataset string, filter []byte) (*domain.FeatureCollection, error)
}

func (m *mockGeometry) Query(
	ctx context.Context, identity, dataset string, filter []byte,
) (*domain.FeatureCollection, error) {
	return m.queryFunc(ctx, identity, dataset, filter)
}

type mockRegistry struct {
	handlerFunc func(tenant string) (*registry.Handler, error)
}

func (m *mockRegistry) Handler(tenant string) (*registry.Handler, error) {
	return m.handlerFunc(tenant)
}

func newTestRouter(reg TenantRegistry) *chirouter.Mux {
	s := NewServer(reg, zap.NewNop())
	r := chirouter.NewRouter()
	s.Routes(r)
	return r
}

func staticRegistry(h *registry.Handler) *mockRegistry {
	return &mockRegistry{handlerFunc: func(string) (*registry.Handler, error) { return h, nil }}
}

func doRequest(t *testing.T, r http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSearchEndpoint(t *testing.T) {
	var gotIdentity, gotSearchtext string
	var gotFilter []string
	var gotLimit int
	backend := &mockBackend{
		searchFunc: func(_ context.Context, identity, searchtext string, filter []string, limit int) (*domain.SearchResponse, error) {
			gotIdentity, gotSearchtext, gotFilter, gotLimit = identity, searchtext, filter, limit
			return domain.NewSearchResponse(), nil
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Search: backend}))

	w := doRequest(t, r, "/fts/?searchtext=grenz&filter=ch.places,%20foreground,&limit=5",
		map[string]string{identityHeader: "alice"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotIdentity != "alice" || gotSearchtext != "grenz" || gotLimit != 5 {
		t.Errorf("backend got (%q, %q, %d)", gotIdentity, gotSearchtext, gotLimit)
	}
	if len(gotFilter) != 2 || gotFilter[0] != "ch.places" || gotFilter[1] != "foreground" {
		t.Errorf("filter = %v, want trimmed non-empty parts", gotFilter)
	}

	var resp domain.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Results == nil || resp.ResultCounts == nil {
		t.Error("expected empty arrays, not nulls")
	}
}

func TestSearchRootRoute(t *testing.T) {
	backend := &mockBackend{
		searchFunc: func(_ context.Context, _, _ string, _ []string, _ int) (*domain.SearchResponse, error) {
			return domain.NewSearchResponse(), nil
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Search: backend}))

	if w := doRequest(t, r, "/?searchtext=grenz", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSearchMissingSearchtext(t *testing.T) {
	r := newTestRouter(staticRegistry(&registry.Handler{}))

	for _, target := range []string{"/fts/", "/fts/?searchtext=%20%20"} {
		w := doRequest(t, r, target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
		if !strings.Contains(w.Body.String(), "Missing search string") {
			t.Errorf("%s: body = %s", target, w.Body.String())
		}
	}
}

func TestSearchLimitForgiveness(t *testing.T) {
	var gotLimit int
	backend := &mockBackend{
		searchFunc: func(_ context.Context, _, _ string, _ []string, limit int) (*domain.SearchResponse, error) {
			gotLimit = limit
			return domain.NewSearchResponse(), nil
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Search: backend}))

	for _, raw := range []string{"abc", "-3", "0", ""} {
		doRequest(t, r, "/fts/?searchtext=x&limit="+raw, nil)
		if gotLimit != 0 {
			t.Errorf("limit=%q: backend got %d, want 0 (tenant default)", raw, gotLimit)
		}
	}
}

func TestSearchEngineFailure(t *testing.T) {
	backend := &mockBackend{
		searchFunc: func(_ context.Context, _, _ string, _ []string, _ int) (*domain.SearchResponse, error) {
			return nil, fmt.Errorf("%w: status 500", domain.ErrEngineFailure)
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Search: backend}))

	w := doRequest(t, r, "/fts/?searchtext=x", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "status 500") {
		t.Error("engine details must not leak to the client")
	}
}

func TestSearchUnknownTenant(t *testing.T) {
	reg := &mockRegistry{handlerFunc: func(tenant string) (*registry.Handler, error) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTenant, tenant)
	}}
	r := newTestRouter(reg)

	w := doRequest(t, r, "/fts/?searchtext=x", map[string]string{tenantHeader: "nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGeometryEndpoint(t *testing.T) {
	var gotDataset, gotFilter string
	geom := &mockGeometry{
		queryFunc: func(_ context.Context, _, dataset string, filter []byte) (*domain.FeatureCollection, error) {
			gotDataset, gotFilter = dataset, string(filter)
			return domain.NewFeatureCollection(2056), nil
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Geometry: geom}))

	w := doRequest(t, r, `/geom/ch.places?filter=[["name","=","Olten"]]`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotDataset != "ch.places" || gotFilter != `[["name","=","Olten"]]` {
		t.Errorf("geometry got (%q, %q)", gotDataset, gotFilter)
	}

	var fc domain.FeatureCollection
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fc.CRS.Properties.Name != "EPSG:2056" {
		t.Errorf("crs = %q", fc.CRS.Properties.Name)
	}
}

func TestGeometryNotFound(t *testing.T) {
	geom := &mockGeometry{
		queryFunc: func(_ context.Context, _, dataset string, _ []byte) (*domain.FeatureCollection, error) {
			return nil, fmt.Errorf("%w: dataset %q", domain.ErrNotFound, dataset)
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Geometry: geom}))

	w := doRequest(t, r, "/geom/ch.unknown?filter=[]", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dataset not found or permission error") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGeometryInvalidFilterReason(t *testing.T) {
	geom := &mockGeometry{
		queryFunc: func(_ context.Context, _, _ string, _ []byte) (*domain.FeatureCollection, error) {
			return nil, &filterexpr.ParseError{Reason: "Invalid operator"}
		},
	}
	r := newTestRouter(staticRegistry(&registry.Handler{Geometry: geom}))

	w := doRequest(t, r, "/geom/ch.places?filter=bad", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid operator") {
		t.Errorf("body = %s, want the parser reason", w.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	r := newTestRouter(staticRegistry(&registry.Handler{}))

	for _, target := range []string{"/healthz", "/ready"} {
		w := doRequest(t, r, target, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", target, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"status":"ok"`) {
			t.Errorf("%s: body = %s", target, w.Body.String())
		}
	}
}
