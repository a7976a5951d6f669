// Package solr implements the search backend against an inverted-index
// full-text engine.
package solr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/config"
	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/metrics"
	"github.com/mapgate/facetsearch/internal/permission"
	"github.com/mapgate/facetsearch/internal/tokenizer"
)

// Boost tiers for the multi-field query. Within a tier the sub-fields are
// OR-joined per token, tokens are AND-joined, and the tiers are OR-joined.
var queryParts = []string{
	`(search_1_stem:"%[1]s"^6 OR search_1_ngram:"%[1]s"^5)`,
	`(search_2_stem:"%[1]s"^4 OR search_2_ngram:"%[1]s"^3)`,
	`(search_3_stem:"%[1]s"^2 OR search_3_ngram:"%[1]s"^1)`,
}

// sentinelFacet matches no document; used so the engine query never carries
// an empty facet filter clause.
const sentinelFacet = "_"

// Resolver yields the per-identity permission view of the tenant facets.
type Resolver interface {
	SolrFacets(ctx context.Context, identity string) (map[string][]config.Facet, error)
	Dataproducts(ctx context.Context, identity string) (permission.Set, error)
}

// Client is the full-text query engine adapter.
type Client struct {
	tenant       string
	serviceURL   string
	http         *http.Client
	tok          *tokenizer.Tokenizer
	resolver     Resolver
	defaultLimit int
	resultSort   string
	logger       *zap.Logger
}

// New creates a full-text backend for one tenant.
func New(tenant string, cfg config.TenantConfig, resolver Resolver, log *zap.Logger) (*Client, error) {
	tok, err := tokenizer.New(cfg.WordSplitRe, cfg.FilterwordChars)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	return &Client{
		tenant:       tenant,
		serviceURL:   cfg.SolrServiceURL,
		http:         &http.Client{Timeout: time.Duration(cfg.SolrTimeoutSec) * time.Second},
		tok:          tok,
		resolver:     resolver,
		defaultLimit: cfg.SearchResultLimit,
		resultSort:   cfg.SearchResultSort,
		logger:       log,
	}, nil
}

// solrDoc is one engine result document. Composite fields (id, idfield_meta,
// bbox, dset_children) arrive JSON-serialized inside string fields.
type solrDoc struct {
	ID           string  `json:"id"`
	Display      string  `json:"display"`
	Facet        string  `json:"facet"`
	DsetInfo     bool    `json:"dset_info"`
	DsetChildren *string `json:"dset_children"`
	IdfieldMeta  string  `json:"idfield_meta"`
	Bbox         *string `json:"bbox"`
	SRID         *int    `json:"srid"`
}

type solrChild struct {
	Ident    string `json:"ident"`
	Display  string `json:"display"`
	Subclass string `json:"subclass"`
	DsetInfo bool   `json:"dset_info"`
}

type solrResponse struct {
	Response struct {
		Docs []solrDoc `json:"docs"`
	} `json:"response"`
	FacetCounts struct {
		FacetFields struct {
			Facet []any `json:"facet"`
		} `json:"facet_fields"`
	} `json:"facet_counts"`
}

// Search implements backend.Backend.
func (c *Client) Search(
	ctx context.Context, identity, searchtext string, filter []string, limit int,
) (*domain.SearchResponse, error) {
	log := c.logger

	solrFacets, err := c.resolver.SolrFacets(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve facet permissions: %w", err)
	}

	filterword, tokens := c.tok.Tokenize(searchtext)
	if len(tokens) == 0 {
		return domain.NewSearchResponse(), nil
	}

	filterIDs := filter
	if len(filterIDs) == 0 {
		// Use all permitted facets if filter is empty.
		filterIDs = make([]string, 0, len(solrFacets))
		for name := range solrFacets {
			filterIDs = append(filterIDs, name)
		}
		sort.Strings(filterIDs)
	}
	if limit <= 0 {
		limit = c.defaultLimit
	}

	resp, err := c.query(ctx, log, tokens, filterword, filterIDs, limit, solrFacets)
	if err != nil {
		return nil, err
	}

	permittedDataproducts, err := c.resolver.Dataproducts(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve dataproduct permissions: %w", err)
	}

	result := domain.NewSearchResponse()
	numSolrResultsDP := 0
	for _, doc := range resp.Response.Docs {
		if domain.IsDataproductFacet(doc.Facet) {
			numSolrResultsDP++
			if layer := c.layerResult(log, doc, permittedDataproducts); layer != nil {
				result.Results = append(result.Results, domain.ResultItem{Dataproduct: layer})
			}
		} else if feature := c.featureResult(log, doc, filterword, solrFacets); feature != nil {
			result.Results = append(result.Results, domain.ResultItem{Feature: feature})
		}
	}

	result.ResultCounts = c.resultCounts(
		resp.FacetCounts.FacetFields.Facet, filterword, numSolrResultsDP, solrFacets,
	)
	return result, nil
}

// query issues the engine round trip.
func (c *Client) query(
	ctx context.Context, log *zap.Logger,
	tokens []string, filterword string, filterIDs []string, limit int,
	solrFacets map[string][]config.Facet,
) (*solrResponse, error) {
	params := url.Values{}
	params.Set("omitHeader", "true")
	params.Set("facet", "true")
	params.Set("facet.field", "facet")
	params.Set("sort", c.resultSort)
	params.Set("rows", strconv.Itoa(limit))
	params.Set("q", QueryString(tokens))
	params.Set("fq", c.filterQueryString(log, filterword, filterIDs, solrFacets))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}

	log.Debug("Sending engine query", zap.String("url", req.URL.String()))
	log.Info("Search words", zap.String("words", strings.Join(tokens, ",")))

	start := time.Now()
	httpResp, err := c.http.Do(req)
	metrics.ObserveEngineQuery("solr", time.Since(start), err == nil)
	if err != nil {
		log.Warn("Engine request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrEngineFailure, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		log.Warn("Engine error response",
			zap.Int("status", httpResp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, fmt.Errorf("%w: status %d", domain.ErrEngineFailure, httpResp.StatusCode)
	}

	var resp solrResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Warn("Malformed engine response", zap.Error(err))
		return nil, fmt.Errorf("%w: malformed response", domain.ErrEngineFailure)
	}
	return &resp, nil
}

// QueryString synthesizes the boosted multi-field query from the tokens.
func QueryString(tokens []string) string {
	tiers := make([]string, len(queryParts))
	for i, part := range queryParts {
		clauses := make([]string, len(tokens))
		for j, token := range tokens {
			clauses[j] = fmt.Sprintf(part, token)
		}
		tiers[i] = "(" + strings.Join(clauses, " AND ") + ")"
	}
	return strings.Join(tiers, " OR ")
}

// filterQueryString builds the facet filter clause, scoped by tenant.
func (c *Client) filterQueryString(
	log *zap.Logger, filterword string, filterIDs []string,
	solrFacets map[string][]config.Facet,
) string {
	var facets []string
	if filterword != "" {
		facets = []string{c.filterwordToFacet(log, filterword, solrFacets)}
	} else {
		// Remove facets without permissions.
		for _, id := range filterIDs {
			if _, ok := solrFacets[id]; ok {
				facets = append(facets, id)
			}
		}
		if len(facets) != len(filterIDs) {
			log.Info("Removed filter ids with missing permissions",
				zap.Strings("passed", filterIDs),
				zap.Strings("permitted", facets),
			)
		}
		// Avoid an empty facet clause.
		if len(facets) == 0 {
			facets = []string{sentinelFacet}
		}
	}

	clauses := make([]string, len(facets))
	for i, f := range facets {
		clauses[i] = "facet:" + f
	}
	return "tenant:" + c.tenant + " AND (" + strings.Join(clauses, " OR ") + ")"
}

// filterwordToFacet resolves a filter keyword to its facet name, or the
// sentinel facet if no configured entry matches.
func (c *Client) filterwordToFacet(
	log *zap.Logger, filterword string, solrFacets map[string][]config.Facet,
) string {
	names := make([]string, 0, len(solrFacets))
	for name := range solrFacets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, entry := range solrFacets[name] {
			if checkFilterword(filterword, entry) {
				return name
			}
		}
	}
	log.Info("Filterword not found", zap.String("filterword", filterword))
	return sentinelFacet
}

// layerResult classifies a dataproduct document, or nil if not permitted.
func (c *Client) layerResult(
	log *zap.Logger, doc solrDoc, permitted permission.Set,
) *domain.Dataproduct {
	var id [2]string
	if err := json.Unmarshal([]byte(doc.ID), &id); err != nil {
		log.Error("Error decoding layer id", zap.String("id", doc.ID), zap.Error(err))
		return nil
	}
	dataproductID := id[1]

	if !permitted.Permits(dataproductID) {
		log.Debug("Skipping layer result with missing permission",
			zap.String("dataproduct_id", dataproductID))
		return nil
	}

	layer := &domain.Dataproduct{
		Display:       doc.Display,
		Type:          id[0],
		Stacktype:     doc.Facet,
		DataproductID: dataproductID,
		DsetInfo:      doc.DsetInfo,
	}
	if doc.DsetChildren != nil {
		var children []solrChild
		if err := json.Unmarshal([]byte(*doc.DsetChildren), &children); err != nil {
			log.Error("Error decoding child layers", zap.Error(err))
			return layer
		}
		sublayers := make([]domain.Sublayer, 0, len(children))
		for _, child := range children {
			if !permitted.Permits(child.Ident) {
				log.Debug("Skipping child layer with missing permission",
					zap.String("dataproduct_id", child.Ident))
				continue
			}
			sublayers = append(sublayers, domain.Sublayer{
				Display:       child.Display,
				Type:          child.Subclass,
				DataproductID: child.Ident,
				DsetInfo:      child.DsetInfo,
			})
		}
		layer.Sublayers = &sublayers
	}
	return layer
}

// featureResult classifies a feature document, or nil when its facet is not
// permitted or its filter word does not match the query's.
func (c *Client) featureResult(
	log *zap.Logger, doc solrDoc, filterword string,
	solrFacets map[string][]config.Facet,
) *domain.Feature {
	var id [2]string
	if err := json.Unmarshal([]byte(doc.ID), &id); err != nil {
		log.Error("Error decoding feature id", zap.String("id", doc.ID), zap.Error(err))
		return nil
	}
	var idfieldMeta [2]string
	if err := json.Unmarshal([]byte(doc.IdfieldMeta), &idfieldMeta); err != nil {
		log.Error("Error decoding idfield_meta", zap.Error(err))
		return nil
	}
	_, flag, _ := strings.Cut(idfieldMeta[1], ":")
	idfieldStr := flag == "y"

	var bbox []float64
	if doc.Bbox != nil {
		if err := json.Unmarshal([]byte(*doc.Bbox), &bbox); err != nil {
			log.Error("Error decoding bbox", zap.Error(err))
			bbox = nil
		}
	}

	// The index uses the dataset id as facet.
	facet := id[0]
	var featureID any = id[1]
	if !idfieldStr {
		n, err := strconv.Atoi(id[1])
		if err != nil {
			log.Error("Error converting feature_id to int", zap.Error(err))
			idfieldStr = true
		} else {
			featureID = n
		}
	}

	// Return only permitted facets.
	for _, entry := range solrFacets[facet] {
		if checkFilterword(filterword, entry) {
			return &domain.Feature{
				Display:       doc.Display,
				DataproductID: facet,
				FeatureID:     featureID,
				IDFieldName:   idfieldMeta[0],
				IDFieldStr:    &idfieldStr,
				Bbox:          bbox,
				SRID:          doc.SRID,
			}
		}
	}
	return nil
}

// resultCounts walks the engine's flat facet name/count pairs.
func (c *Client) resultCounts(
	facetCounts []any, filterword string, numSolrResultsDP int,
	solrFacets map[string][]config.Facet,
) []domain.ResultCount {
	resultCounts := []domain.ResultCount{}
	for i := 0; i+1 < len(facetCounts); i += 2 {
		facet, ok := facetCounts[i].(string)
		if !ok {
			continue
		}
		num, ok := facetCounts[i+1].(float64)
		if !ok || num <= 0 {
			continue
		}
		count := domain.CountOf(int(num))
		if domain.IsDataproductFacet(facet) {
			// The engine count does not consider dataproduct permissions.
			if int(num) <= numSolrResultsDP {
				// All results already individually returned.
				continue
			}
			count = nil
		}
		// A facet used by multiple dataproducts yields one count per entry.
		for _, entry := range solrFacets[facet] {
			if checkFilterword(filterword, entry) {
				resultCounts = append(resultCounts, domain.ResultCount{
					DataproductID: facet,
					Filterword:    entry.FilterWord,
					Count:         count,
				})
			}
		}
	}
	return resultCounts
}

func checkFilterword(filterword string, entry config.Facet) bool {
	return filterword == "" || strings.EqualFold(entry.FilterWord, filterword)
}
