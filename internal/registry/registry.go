// Package registry builds and caches the per-tenant search and geometry
// handlers.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/backend"
	"github.com/mapgate/facetsearch/internal/backend/solr"
	"github.com/mapgate/facetsearch/internal/backend/trgm"
	"github.com/mapgate/facetsearch/internal/config"
	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/geometry"
	"github.com/mapgate/facetsearch/internal/permission"
)

// GeometryBackend is the geometry lookup operation of a tenant handler.
type GeometryBackend interface {
	Query(ctx context.Context, identity, dataset string, filter []byte) (*domain.FeatureCollection, error)
}

// Handler bundles the tenant's search backend and geometry service.
type Handler struct {
	Search   backend.Backend
	Geometry GeometryBackend
}

// Registry hands out tenant handlers, building each lazily on first use.
type Registry struct {
	cfg    config.Config
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
	dbs      []*sql.DB
	pools    *geometry.PoolCache
}

// New creates a registry over the loaded configuration.
func New(cfg config.Config, log *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   log,
		handlers: make(map[string]*Handler),
		pools:    geometry.NewPoolCache(),
	}
}

// Handler returns the handler for tenant, building it on first use. An empty
// tenant name resolves to the default tenant.
func (r *Registry) Handler(tenant string) (*Handler, error) {
	if tenant == "" {
		tenant = r.cfg.DefaultTenant
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handlers[tenant]; ok {
		return h, nil
	}

	tcfg, ok := r.cfg.Tenant(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTenant, tenant)
	}
	h, err := r.build(tenant, tcfg)
	if err != nil {
		return nil, err
	}
	r.handlers[tenant] = h
	return h, nil
}

// Close closes all database pools held by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.dbs = nil
	if err := r.pools.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *Registry) build(tenant string, tcfg config.TenantConfig) (*Handler, error) {
	log := r.logger.With(zap.String("tenant", tenant))

	reader, err := r.permissionReader(tcfg)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	resolver := permission.NewResolver(reader, tcfg)

	var search backend.Backend
	switch tcfg.SearchBackend {
	case "trgm":
		db, err := sql.Open("postgres", tcfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: open database: %w", tenant, err)
		}
		r.dbs = append(r.dbs, db)
		search, err = trgm.New(tcfg, resolver, db, log)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
	default:
		if tcfg.SearchBackend != "solr" {
			log.Warn("Unknown search backend, using solr",
				zap.String("search_backend", tcfg.SearchBackend))
		}
		search, err = solr.New(tenant, tcfg, resolver, log)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}

	return &Handler{
		Search:   search,
		Geometry: geometry.New(tcfg, resolver, r.pools, log),
	}, nil
}

// permissionReader builds the permission collaborator: the configured
// permissions file, or a static allow-all view of the tenant's facets.
func (r *Registry) permissionReader(tcfg config.TenantConfig) (permission.Reader, error) {
	if tcfg.PermissionsFile != "" {
		return permission.NewFileReader(tcfg.PermissionsFile)
	}
	names := make([]string, 0, len(tcfg.Facets))
	seen := make(map[string]struct{})
	for _, f := range tcfg.Facets {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		names = append(names, f.Name)
	}
	return permission.NewStaticReader(map[string][]string{
		permission.ClassSolrFacets:   names,
		permission.ClassDataproducts: {permission.Wildcard},
	}), nil
}
