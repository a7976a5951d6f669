// Package trgm implements the search backend against a relational
// trigram-similarity engine.
package trgm

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/config"
	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/metrics"
	"github.com/mapgate/facetsearch/internal/permission"
	"github.com/mapgate/facetsearch/internal/sqlbind"
	"github.com/mapgate/facetsearch/internal/tokenizer"
)

// Resolver yields the per-identity permission view of the tenant facets.
type Resolver interface {
	SolrFacets(ctx context.Context, identity string) (map[string][]config.Facet, error)
	Dataproducts(ctx context.Context, identity string) (permission.Set, error)
}

// Client is the trigram query engine adapter. The layer and feature queries
// are configured SQL templates rendered per request with the search text,
// token list and facet subset, then executed with named bind parameters.
type Client struct {
	db           *sql.DB
	tok          *tokenizer.Tokenizer
	resolver     Resolver
	facets       map[string]config.Facet // first entry per facet name
	filterwords  map[string]string       // lowercased filter word -> facet name
	layerTmpl    *template.Template
	featureTmpl  *template.Template
	similarity   float64
	facetLimit   int
	defaultLimit int
	logger       *zap.Logger
}

// templateData is the rendering context of the configured SQL templates.
type templateData struct {
	Searchtext string
	Words      []string
	Facets     []string
	FacetLimit int
}

// New creates a trigram backend for one tenant.
func New(cfg config.TenantConfig, resolver Resolver, db *sql.DB, log *zap.Logger) (*Client, error) {
	tok, err := tokenizer.New(cfg.WordSplitRe, cfg.FilterwordChars)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	facets := make(map[string]config.Facet)
	filterwords := make(map[string]string)
	for _, f := range cfg.Facets {
		if _, ok := facets[f.Name]; !ok {
			facets[f.Name] = f
		}
		if f.FilterWord != "" {
			if _, ok := filterwords[strings.ToLower(f.FilterWord)]; !ok {
				filterwords[strings.ToLower(f.FilterWord)] = f.Name
			}
		}
	}

	c := &Client{
		db:           db,
		tok:          tok,
		resolver:     resolver,
		facets:       facets,
		filterwords:  filterwords,
		similarity:   cfg.TrgmSimilarityThreshold,
		facetLimit:   cfg.TrgmFacetSearchLimit,
		defaultLimit: cfg.SearchResultLimit,
		logger:       log,
	}
	if cfg.TrgmLayerQueryTemplate != "" {
		c.layerTmpl, err = template.New("layer").Parse(cfg.TrgmLayerQueryTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse layer query template: %w", err)
		}
	}
	if cfg.TrgmFeatureQueryTemplate != "" {
		c.featureTmpl, err = template.New("feature").Parse(cfg.TrgmFeatureQueryTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse feature query template: %w", err)
		}
	}
	return c, nil
}

// Search implements backend.Backend.
func (c *Client) Search(
	ctx context.Context, identity, searchtext string, filter []string, limit int,
) (*domain.SearchResponse, error) {
	log := c.logger

	filterword, tokens := c.tok.Tokenize(searchtext)
	if len(tokens) == 0 {
		return domain.NewSearchResponse(), nil
	}
	if filterword != "" {
		if facet, ok := c.filterwords[strings.ToLower(filterword)]; ok {
			filter = []string{facet}
		} else {
			log.Info("Filterword not found", zap.String("filterword", filterword))
			filter = []string{"_"}
		}
	}

	solrFacets, err := c.resolver.SolrFacets(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve facet permissions: %w", err)
	}
	permittedDataproducts, err := c.resolver.Dataproducts(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve dataproduct permissions: %w", err)
	}

	var searchFacets []string
	if len(filter) == 0 {
		// Use all permitted facets if filter is empty.
		for name := range solrFacets {
			searchFacets = append(searchFacets, name)
		}
		sort.Strings(searchFacets)
	} else {
		for _, f := range filter {
			if _, ok := solrFacets[f]; ok {
				searchFacets = append(searchFacets, f)
			}
		}
	}

	// Datasets vs dataproduct stacks.
	var searchDS, searchDP []string
	for _, f := range searchFacets {
		if f == domain.StackForeground || f == domain.StackBackground {
			searchDP = append(searchDP, f)
		} else {
			searchDS = append(searchDS, f)
		}
	}
	log.Debug("Searching in datasets", zap.Strings("facets", searchDS))
	log.Debug("Searching for dataproducts", zap.Strings("facets", searchDP))
	if len(searchDS) == 0 && len(searchDP) == 0 {
		return domain.NewSearchResponse(), nil
	}

	if limit <= 0 {
		limit = c.defaultLimit
	}

	conn, err := c.db.Conn(ctx)
	if err != nil {
		log.Error("Database connection failed", zap.Error(err))
		return nil, fmt.Errorf("%w: connect", domain.ErrEngineFailure)
	}
	defer conn.Close()

	// SET does not accept bind parameters; set_config does.
	if _, err := conn.ExecContext(ctx,
		"SELECT set_config('pg_trgm.similarity_threshold', $1::text, false)",
		fmt.Sprintf("%g", c.similarity),
	); err != nil {
		log.Error("Setting similarity threshold failed", zap.Error(err))
		return nil, fmt.Errorf("%w: set similarity threshold", domain.ErrEngineFailure)
	}

	var layerRows, featureRows []map[string]any
	if len(searchDP) > 0 && c.layerTmpl != nil {
		layerRows, err = c.runQuery(ctx, conn, log, c.layerTmpl, searchtext, tokens, searchDP)
		if err != nil {
			return nil, err
		}
	}
	if len(searchDS) > 0 && c.featureTmpl != nil {
		featureRows, err = c.runQuery(ctx, conn, log, c.featureTmpl, searchtext, tokens, searchDS)
		if err != nil {
			return nil, err
		}
	}
	log.Debug("Engine rows",
		zap.Int("layer_results", len(layerRows)),
		zap.Int("feature_results", len(featureRows)),
	)

	return c.assemble(log, layerRows, featureRows, searchDS, permittedDataproducts, limit), nil
}

// runQuery renders one configured SQL template and executes it. The
// per-facet cap is passed as cap+1 so truncation is detectable without a
// second count query.
func (c *Client) runQuery(
	ctx context.Context, conn *sql.Conn, log *zap.Logger,
	tmpl *template.Template, searchtext string, tokens, facets []string,
) ([]map[string]any, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, templateData{
		Searchtext: searchtext,
		Words:      tokens,
		Facets:     facets,
		FacetLimit: c.facetLimit + 1,
	})
	if err != nil {
		log.Error("Rendering query template failed", zap.Error(err))
		return nil, fmt.Errorf("%w: render query template", domain.ErrEngineFailure)
	}

	query, args, err := sqlbind.Rebind(buf.String(), map[string]any{
		"term":       strings.Join(tokens, " "),
		"terms":      pq.Array(tokens),
		"thres":      c.similarity,
		"facets":     pq.Array(facets),
		"facetlimit": c.facetLimit + 1,
	})
	if err != nil {
		log.Error("Binding query parameters failed", zap.Error(err))
		return nil, fmt.Errorf("%w: bind query parameters", domain.ErrEngineFailure)
	}

	log.Debug("Executing engine query", zap.String("query", query))
	start := time.Now()
	rows, err := conn.QueryContext(ctx, query, args...)
	metrics.ObserveEngineQuery("trgm", time.Since(start), err == nil)
	if err != nil {
		log.Error("Engine query failed", zap.Error(err))
		return nil, fmt.Errorf("%w: query", domain.ErrEngineFailure)
	}
	defer rows.Close()
	log.Debug("Query done", zap.Duration("elapsed", time.Since(start)))

	return scanMaps(rows)
}

// assemble merges layer and feature rows into the response, applying
// permission filtering, the global limit, the per-facet cap and the count
// truncation sentinel.
func (c *Client) assemble(
	log *zap.Logger,
	layerRows, featureRows []map[string]any,
	searchDS []string, permittedDataproducts permission.Set, limit int,
) *domain.SearchResponse {
	result := domain.NewSearchResponse()
	counts := newCountBuckets()
	searchDSSet := permission.NewSet(searchDS)

	for _, row := range layerRows {
		dataproductID := asString(row["dataproduct_id"])
		if !permittedDataproducts.Permits(dataproductID) {
			log.Debug("Skipping layer result with missing permission",
				zap.String("dataproduct_id", dataproductID))
			continue
		}
		stacktype := asString(row["stacktype"])
		layer := &domain.Dataproduct{
			Display:       asString(row["display"]),
			DataproductID: dataproductID,
			DsetInfo:      asBool(row["dset_info"]),
			Type:          "singleactor",
			Stacktype:     stacktype,
		}
		if sublayersJSON := asString(row["sublayers"]); sublayersJSON != "" {
			var sublayers []domain.Sublayer
			if err := json.Unmarshal([]byte(sublayersJSON), &sublayers); err != nil {
				log.Error("Error decoding sublayers", zap.Error(err))
			} else if len(sublayers) > 0 {
				layer.Type = "layergroup"
				layer.Sublayers = &sublayers
			}
		}
		result.Results = append(result.Results, domain.ResultItem{Dataproduct: layer})

		if stacktype != "" {
			counts.bucket(stacktype, c.facetFilterword(stacktype)).count++
		}
	}

	featureResultCount := 0
	for _, row := range featureRows {
		facetID := asString(row["facet_id"])
		// Defense against template bugs: only requested dataset facets.
		if !searchDSSet.Contains(facetID) {
			continue
		}
		bucket := counts.bucket(facetID, c.facetFilterword(facetID))
		featureResultCount++
		bucket.count++
		if featureResultCount > limit || bucket.count > c.facetLimit {
			// Still counted for truncation detection, but not emitted.
			continue
		}

		feature := &domain.Feature{
			Display:       asString(row["display"]),
			DataproductID: facetID,
			FeatureID:     normalizeID(row["feature_id"]),
			IDFieldName:   asString(row["id_field_name"]),
			IDFieldStr:    asBoolPtr(row["id_in_quotes"]),
			SRID:          asIntPtr(row["srid"]),
		}
		if bboxJSON := asString(row["bbox"]); bboxJSON != "" {
			var bbox []float64
			if err := json.Unmarshal([]byte(bboxJSON), &bbox); err != nil {
				log.Error("Error decoding bbox", zap.Error(err))
			} else {
				feature.Bbox = bbox
			}
		}
		result.Results = append(result.Results, domain.ResultItem{Feature: feature})
	}

	for _, b := range counts.ordered {
		count := b.count
		if count >= c.facetLimit {
			// The query was capped, the true count is unknown.
			count = domain.CountUnknown
		}
		result.ResultCounts = append(result.ResultCounts, domain.ResultCount{
			DataproductID: b.facet,
			Filterword:    b.filterword,
			Count:         domain.CountOf(count),
		})
	}
	return result
}

// facetFilterword returns the configured filter word of a facet, falling
// back to the facet name itself.
func (c *Client) facetFilterword(facet string) string {
	if f, ok := c.facets[facet]; ok && f.FilterWord != "" {
		return f.FilterWord
	}
	return facet
}

// countBuckets aggregates per-facet counts in first-seen order.
type countBuckets struct {
	byFacet map[string]*countBucket
	ordered []*countBucket
}

type countBucket struct {
	facet      string
	filterword string
	count      int
}

func newCountBuckets() *countBuckets {
	return &countBuckets{byFacet: make(map[string]*countBucket)}
}

func (b *countBuckets) bucket(facet, filterword string) *countBucket {
	if bucket, ok := b.byFacet[facet]; ok {
		return bucket
	}
	bucket := &countBucket{facet: facet, filterword: filterword}
	b.byFacet[facet] = bucket
	b.ordered = append(b.ordered, bucket)
	return bucket
}

// scanMaps reads all rows into name-keyed maps. The configured templates
// control the column set, so rows are scanned generically.
func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: read columns", domain.ErrEngineFailure)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan row", domain.ErrEngineFailure)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows", domain.ErrEngineFailure)
	}
	return out, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}

func asBoolPtr(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}

func asIntPtr(v any) *int {
	if n, ok := v.(int64); ok {
		i := int(n)
		return &i
	}
	return nil
}

// normalizeID keeps integer feature ids as ints and everything else as
// strings.
func normalizeID(v any) any {
	switch id := v.(type) {
	case int64:
		return int(id)
	case string:
		return id
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", id)
	}
}
