package trgm

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mapgate/facetsearch/internal/config"
	"github.com/mapgate/facetsearch/internal/domain"
	"github.com/mapgate/facetsearch/internal/permission"
)

const featureTemplate = `SELECT facet_id, display, feature_id, id_field_name, id_in_quotes, bbox, srid
FROM search_features
WHERE facet_id = ANY(:facets) AND display % :term
ORDER BY similarity(display, :term) DESC
LIMIT :facetlimit`

const layerTemplate = `SELECT display, dataproduct_id, dset_info, stacktype, sublayers
FROM search_layers
WHERE stacktype = ANY(:facets) AND display % :term`

type mockResolver struct {
	facets       map[string][]config.Facet
	dataproducts permission.Set
}

func (m *mockResolver) SolrFacets(_ context.Context, _ string) (map[string][]config.Facet, error) {
	return m.facets, nil
}

func (m *mockResolver) Dataproducts(_ context.Context, _ string) (permission.Set, error) {
	return m.dataproducts, nil
}

func testTenantConfig() config.TenantConfig {
	cfg := config.TenantConfig{
		SearchBackend:            "trgm",
		TrgmFeatureQueryTemplate: featureTemplate,
		TrgmLayerQueryTemplate:   layerTemplate,
		Facets: []config.Facet{
			{Name: "ch.places", FilterWord: "Ort"},
			{Name: "ch.parcels", FilterWord: "Parzelle"},
			{Name: "foreground", FilterWord: "Karte"},
			{Name: "background"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testResolver() *mockResolver {
	return &mockResolver{
		facets: map[string][]config.Facet{
			"ch.places":  {{Name: "ch.places", FilterWord: "Ort"}},
			"ch.parcels": {{Name: "ch.parcels", FilterWord: "Parzelle"}},
			"foreground": {{Name: "foreground", FilterWord: "Karte"}},
			"background": {{Name: "background"}},
		},
		dataproducts: permission.NewSet([]string{"ch.plan", "ch.group"}),
	}
}

func newTestClient(t *testing.T, cfg config.TenantConfig, resolver Resolver) (*Client, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(cfg, resolver, db, zap.NewNop())
	require.NoError(t, err)
	return c, mock, db
}

func featureRowColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"facet_id", "display", "feature_id", "id_field_name", "id_in_quotes", "bbox", "srid",
	})
}

func expectThreshold(mock sqlmock.Sqlmock) {
	mock.ExpectExec("set_config\\('pg_trgm.similarity_threshold'").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSearch_FeatureRowsAndCounts(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	rows := featureRowColumns()
	for i := 0; i < 20; i++ {
		rows.AddRow("ch.places", fmt.Sprintf("Place %d", i), int64(i), "ogc_fid", false,
			"[2600000, 1200000, 2600100, 1200100]", int64(2056))
	}

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnRows(rows)

	resp, err := c.Search(context.Background(), "alice", "place", []string{"ch.places"}, 10)
	require.NoError(t, err)

	// Global limit 10 caps the emitted features, the count stays true.
	assert.Len(t, resp.Results, 10)
	require.Len(t, resp.ResultCounts, 1)
	rc := resp.ResultCounts[0]
	assert.Equal(t, "ch.places", rc.DataproductID)
	assert.Equal(t, "Ort", rc.Filterword)
	require.NotNil(t, rc.Count)
	assert.Equal(t, 20, *rc.Count)

	first := resp.Results[0].Feature
	require.NotNil(t, first)
	assert.Equal(t, 0, first.FeatureID)
	assert.Equal(t, "ogc_fid", first.IDFieldName)
	require.NotNil(t, first.IDFieldStr)
	assert.False(t, *first.IDFieldStr)
	assert.Equal(t, []float64{2600000, 1200000, 2600100, 1200100}, first.Bbox)
	require.NotNil(t, first.SRID)
	assert.Equal(t, 2056, *first.SRID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_FacetCapTruncation(t *testing.T) {
	cfg := testTenantConfig()
	cfg.TrgmFacetSearchLimit = 10
	c, mock, _ := newTestClient(t, cfg, testResolver())

	rows := featureRowColumns()
	for i := 0; i < 20; i++ {
		rows.AddRow("ch.places", fmt.Sprintf("Place %d", i), int64(i), "ogc_fid", false, nil, nil)
	}

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnRows(rows)

	resp, err := c.Search(context.Background(), "alice", "place", []string{"ch.places"}, 50)
	require.NoError(t, err)

	// Rows beyond the per-facet cap still count but are not emitted, and
	// the reported count becomes the truncation sentinel.
	assert.Len(t, resp.Results, 10)
	require.Len(t, resp.ResultCounts, 1)
	require.NotNil(t, resp.ResultCounts[0].Count)
	assert.Equal(t, domain.CountUnknown, *resp.ResultCounts[0].Count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_LayerRows(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	layerRows := sqlmock.NewRows([]string{
		"display", "dataproduct_id", "dset_info", "stacktype", "sublayers",
	}).
		AddRow("Plan", "ch.plan", true, "foreground", nil).
		AddRow("Group", "ch.group", false, "background",
			`[{"display": "Child", "type": "datasetview", "dataproduct_id": "ch.child", "dset_info": true}]`).
		AddRow("Secret", "ch.secret", false, "foreground", nil)

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_layers").WillReturnRows(layerRows)

	resp, err := c.Search(context.Background(), "alice", "plan",
		[]string{"foreground", "background"}, 0)
	require.NoError(t, err)

	// ch.secret has no permission and is dropped.
	require.Len(t, resp.Results, 2)

	plan := resp.Results[0].Dataproduct
	require.NotNil(t, plan)
	assert.Equal(t, "singleactor", plan.Type)
	assert.Equal(t, "foreground", plan.Stacktype)
	assert.True(t, plan.DsetInfo)

	group := resp.Results[1].Dataproduct
	require.NotNil(t, group)
	assert.Equal(t, "layergroup", group.Type)
	require.NotNil(t, group.Sublayers)
	require.Len(t, *group.Sublayers, 1)
	assert.Equal(t, "ch.child", (*group.Sublayers)[0].DataproductID)

	// One stacktype bucket per stack, labeled with the facet filter word.
	require.Len(t, resp.ResultCounts, 2)
	assert.Equal(t, "foreground", resp.ResultCounts[0].DataproductID)
	assert.Equal(t, "Karte", resp.ResultCounts[0].Filterword)
	require.NotNil(t, resp.ResultCounts[0].Count)
	assert.Equal(t, 1, *resp.ResultCounts[0].Count)
	assert.Equal(t, "background", resp.ResultCounts[1].DataproductID)
	assert.Equal(t, "background", resp.ResultCounts[1].Filterword)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_EmptyTokensShortCircuit(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	resp, err := c.Search(context.Background(), "alice", " ,, ", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.ResultCounts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_UnknownFilterwordMatchesNothing(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	// The sentinel facet is permitted nowhere, so no query runs.
	resp, err := c.Search(context.Background(), "alice", "Unbekannt:grenz", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_FilterwordRoutesToFacet(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnRows(featureRowColumns())

	resp, err := c.Search(context.Background(), "alice", "ort:grenz", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_RowsOutsideRequestedFacetsDropped(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	rows := featureRowColumns().
		AddRow("ch.places", "Olten", int64(1), "ogc_fid", false, nil, nil).
		AddRow("ch.rogue", "Rogue", int64(2), "ogc_fid", false, nil, nil)

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnRows(rows)

	resp, err := c.Search(context.Background(), "alice", "olten", []string{"ch.places"}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ch.places", resp.Results[0].Feature.DataproductID)
	for _, rc := range resp.ResultCounts {
		assert.NotEqual(t, "ch.rogue", rc.DataproductID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch_QueryError(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnError(fmt.Errorf("relation missing"))

	_, err := c.Search(context.Background(), "alice", "olten", []string{"ch.places"}, 0)
	require.ErrorIs(t, err, domain.ErrEngineFailure)
}

func TestSearch_StringFeatureID(t *testing.T) {
	c, mock, _ := newTestClient(t, testTenantConfig(), testResolver())

	rows := featureRowColumns().
		AddRow("ch.places", "Aarau", "A-17", "ident", true, nil, nil)

	expectThreshold(mock)
	mock.ExpectQuery("FROM search_features").WillReturnRows(rows)

	resp, err := c.Search(context.Background(), "alice", "aarau", []string{"ch.places"}, 0)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	feature := resp.Results[0].Feature
	assert.Equal(t, "A-17", feature.FeatureID)
	require.NotNil(t, feature.IDFieldStr)
	assert.True(t, *feature.IDFieldStr)

	assert.NoError(t, mock.ExpectationsWereMet())
}
