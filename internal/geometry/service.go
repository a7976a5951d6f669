// Package geometry implements the dataset geometry lookup: filtered features
// of a configured dataset table rendered as a GeoJSON FeatureCollection.
package geometry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/config"
	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/filterexpr"
	"github.com/mapgate/facetsearch/internal/metrics"
	"github.com/mapgate/facetsearch/internal/sqlbind"
)

// Resolver yields the facet entries an identity may query, by facet name.
type Resolver interface {
	SolrFacets(ctx context.Context, identity string) (map[string][]config.Facet, error)
}

// Service answers geometry lookups for one tenant. Lookups run read-only:
// the transaction is always rolled back.
type Service struct {
	defaultDBURL string
	resolver     Resolver
	pools        *PoolCache
	logger       *zap.Logger
}

// New creates a geometry service for one tenant.
func New(cfg config.TenantConfig, resolver Resolver, pools *PoolCache, log *zap.Logger) *Service {
	return &Service{
		defaultDBURL: cfg.DBURL,
		resolver:     resolver,
		pools:        pools,
		logger:       log,
	}
}

// Query looks up the geometries of one dataset matching a serialized filter
// expression. An unknown, unpermitted or ambiguously configured dataset and
// a missing filter all map to domain.ErrNotFound, so a caller cannot probe
// which datasets exist.
func (s *Service) Query(
	ctx context.Context, identity, dataset string, filter []byte,
) (*domain.FeatureCollection, error) {
	permitted, err := s.resolver.SolrFacets(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("resolve facet permissions: %w", err)
	}
	entries := permitted[dataset]
	if len(entries) != 1 {
		s.logger.Info("Dataset not found or not unique",
			zap.String("dataset", dataset), zap.Int("entries", len(entries)))
		return nil, fmt.Errorf("%w: dataset %q", domain.ErrNotFound, dataset)
	}
	facet := entries[0]
	if facet.TableName == "" {
		return nil, fmt.Errorf("%w: dataset %q", domain.ErrNotFound, dataset)
	}
	if len(filter) == 0 {
		return nil, fmt.Errorf("%w: missing filter", domain.ErrNotFound)
	}

	expr, err := filterexpr.Compile(filter)
	if err != nil {
		return nil, err
	}
	pkey := facet.SearchIDCol
	if pkey == "" {
		pkey = expr.Column
	}
	if facet.FacetColumn != "" {
		// Shared tables carry rows of several datasets; scope to ours.
		expr = expr.And(facet.FacetColumn, "vs", dataset)
	}

	dbURL := facet.DBURL
	if dbURL == "" {
		dbURL = s.defaultDBURL
	}
	db, err := s.pools.Get(dbURL)
	if err != nil {
		s.logger.Error("Database connection failed", zap.Error(err))
		return nil, fmt.Errorf("%w: connect", domain.ErrEngineFailure)
	}

	geom := pq.QuoteIdentifier(facet.GeometryColumn)
	query := fmt.Sprintf(
		`SELECT %s, ST_AsGeoJSON(ST_CurveToLine(%s)) AS json_geom, `+
			`ST_Srid(%s) AS srid, ST_Extent(%s) OVER () AS bbox_ FROM %s WHERE %s`,
		pq.QuoteIdentifier(pkey), geom, geom, geom,
		quoteTable(facet.TableName), expr.Clause,
	)
	query, args, err := sqlbind.Rebind(query, expr.Params)
	if err != nil {
		s.logger.Error("Binding query parameters failed", zap.Error(err))
		return nil, fmt.Errorf("%w: bind query parameters", domain.ErrEngineFailure)
	}
	s.logger.Debug("Executing geometry query", zap.String("query", query))

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		s.logger.Error("Beginning transaction failed", zap.Error(err))
		return nil, fmt.Errorf("%w: begin", domain.ErrEngineFailure)
	}
	// Lookups never write; roll back unconditionally.
	defer tx.Rollback()

	start := time.Now()
	rows, err := tx.QueryContext(ctx, query, args...)
	metrics.ObserveEngineQuery("postgis", time.Since(start), err == nil)
	if err != nil {
		s.logger.Error("Geometry query failed", zap.Error(err))
		return nil, fmt.Errorf("%w: query", domain.ErrEngineFailure)
	}
	defer rows.Close()

	srid := domain.DefaultSRID
	var bbox []float64
	var features []domain.GeoJSONFeature
	first := true
	for rows.Next() {
		var (
			id       any
			jsonGeom sql.NullString
			rowSRID  sql.NullInt64
			boxStr   sql.NullString
		)
		if err := rows.Scan(&id, &jsonGeom, &rowSRID, &boxStr); err != nil {
			s.logger.Error("Scanning geometry row failed", zap.Error(err))
			return nil, fmt.Errorf("%w: scan row", domain.ErrEngineFailure)
		}
		if first {
			first = false
			if rowSRID.Valid {
				srid = int(rowSRID.Int64)
			}
			// ST_Extent is a window over the full result, identical per row.
			bbox = parseBox(boxStr.String)
		}
		var geometry json.RawMessage
		if jsonGeom.Valid {
			geometry = json.RawMessage(jsonGeom.String)
		}
		features = append(features, domain.NewGeoJSONFeature(normalizePK(id), geometry))
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("Iterating geometry rows failed", zap.Error(err))
		return nil, fmt.Errorf("%w: iterate rows", domain.ErrEngineFailure)
	}

	collection := domain.NewFeatureCollection(srid)
	collection.Features = append(collection.Features, features...)
	collection.Bbox = bbox
	return collection, nil
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	schema, table, found := strings.Cut(name, ".")
	if !found {
		return pq.QuoteIdentifier(name)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

var boxRe = regexp.MustCompile(
	`^BOX\((-?\d+(?:\.\d+)?) (-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?) (-?\d+(?:\.\d+)?)\)$`)

// parseBox converts the PostGIS BOX(minx miny,maxx maxy) extent into a
// GeoJSON bbox array. Anything unparseable yields a nil bbox.
func parseBox(box string) []float64 {
	m := boxRe.FindStringSubmatch(box)
	if m == nil {
		return nil
	}
	bbox := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return nil
		}
		bbox[i] = v
	}
	return bbox
}

// normalizePK converts driver-native primary key values into JSON-safe ids.
// UUID keys come back as bytes and are stringified.
func normalizePK(v any) any {
	switch id := v.(type) {
	case int64:
		return int(id)
	case []byte:
		if u, err := uuid.FromBytes(id); err == nil {
			return u.String()
		}
		if u, err := uuid.ParseBytes(id); err == nil {
			return u.String()
		}
		return string(id)
	default:
		return v
	}
}
