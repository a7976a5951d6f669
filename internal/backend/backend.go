// Package backend defines the search backend contract shared by the
// full-text and trigram adapters.
package backend

import (
	"context"

	"github.com/mapgate/facetsearch/internal/domain"
)

// Backend executes a faceted search for one tenant. filter narrows the
// search to the given facet names; an empty filter means all permitted
// facets. A limit of zero or less selects the tenant default.
type Backend interface {
	Search(ctx context.Context, identity, searchtext string, filter []string, limit int) (*domain.SearchResponse, error)
}
