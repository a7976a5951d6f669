// Package permission resolves per-identity resource permissions for search
// facets and dataproducts.
package permission

import (
	"context"
	"sort"

	"github.com/mapgate/facetsearch/internal/config"
)

// Resource classes understood by the permission collaborator.
const (
	ClassSolrFacets   = "solr_facets"
	ClassDataproducts = "dataproducts"
)

// Wildcard in a permission set means every resource of the class is permitted.
const Wildcard = "*"

// Reader is the external permission collaborator: a function from
// (resource class, identity) to a set of permitted resource names.
type Reader interface {
	ResourcePermissions(ctx context.Context, resourceClass, identity string) ([]string, error)
}

// Set is a set of permitted resource names, possibly containing the wildcard.
type Set map[string]struct{}

// NewSet builds a Set from a name list.
func NewSet(names []string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports exact membership, ignoring the wildcard.
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Permits reports whether name is permitted, honoring the wildcard.
func (s Set) Permits(name string) bool {
	return s.Contains(name) || s.Contains(Wildcard)
}

// Sorted returns the names in sorted order.
func (s Set) Sorted() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolver combines the permission collaborator with the tenant facet list.
// Permission sets are computed per request and never cached across
// identities.
type Resolver struct {
	reader Reader
	facets map[string][]config.Facet
}

// NewResolver creates a resolver for one tenant's facet configuration.
func NewResolver(reader Reader, tenant config.TenantConfig) *Resolver {
	return &Resolver{
		reader: reader,
		facets: tenant.FacetsByName(),
	}
}

// SolrFacets returns the configured facet entries the identity may query,
// grouped by facet name.
func (r *Resolver) SolrFacets(ctx context.Context, identity string) (map[string][]config.Facet, error) {
	permitted, err := r.reader.ResourcePermissions(ctx, ClassSolrFacets, identity)
	if err != nil {
		return nil, err
	}
	set := NewSet(permitted)

	facets := make(map[string][]config.Facet)
	for name, entries := range r.facets {
		if set.Permits(name) {
			facets[name] = entries
		}
	}
	return facets, nil
}

// Dataproducts returns the set of dataproducts the identity may see. The
// wildcard, when granted, is part of the returned set.
func (r *Resolver) Dataproducts(ctx context.Context, identity string) (Set, error) {
	permitted, err := r.reader.ResourcePermissions(ctx, ClassDataproducts, identity)
	if err != nil {
		return nil, err
	}
	return NewSet(permitted), nil
}
