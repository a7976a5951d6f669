package facetsearch

import "encoding/json"

// SearchResponse is the merged, ranked, permission-filtered result set.
type SearchResponse struct {
	Results      []ResultItem  `json:"results"`
	ResultCounts []ResultCount `json:"result_counts"`
}

// ResultItem is the tagged union of the two result kinds. Exactly one of
// Feature and Dataproduct is set.
type ResultItem struct {
	Feature     *Feature     `json:"feature,omitempty"`
	Dataproduct *Dataproduct `json:"dataproduct,omitempty"`
}

// Feature is a single dataset record search result. FeatureID is a string
// or a number, depending on the dataset's id column type.
type Feature struct {
	Display       string    `json:"display"`
	DataproductID string    `json:"dataproduct_id"`
	FeatureID     any       `json:"feature_id"`
	IDFieldName   string    `json:"id_field_name"`
	IDFieldStr    *bool     `json:"id_field_type"`
	Bbox          []float64 `json:"bbox"`
	SRID          *int      `json:"srid"`
}

// Sublayer is a child layer of a layer group.
type Sublayer struct {
	Display       string `json:"display"`
	Type          string `json:"type"`
	DataproductID string `json:"dataproduct_id"`
	DsetInfo      bool   `json:"dset_info"`
}

// Dataproduct is a map layer or layer group search result.
type Dataproduct struct {
	Display       string      `json:"display"`
	Type          string      `json:"type"`
	Stacktype     string      `json:"stacktype"`
	DataproductID string      `json:"dataproduct_id"`
	DsetInfo      bool        `json:"dset_info"`
	Sublayers     *[]Sublayer `json:"sublayers,omitempty"`
}

// ResultCount is the per-facet aggregate. Count is nil when the engine count
// cannot be permission-filtered, and -1 when the query was truncated.
type ResultCount struct {
	DataproductID string `json:"dataproduct_id"`
	Filterword    string `json:"filterword"`
	Count         *int   `json:"count"`
}

// CRS is the named coordinate reference system block of a FeatureCollection.
type CRS struct {
	Type       string        `json:"type"`
	Properties CRSProperties `json:"properties"`
}

// CRSProperties holds the CRS name, e.g. "EPSG:2056".
type CRSProperties struct {
	Name string `json:"name"`
}

// GeoJSONFeature is a single feature of a FeatureCollection.
type GeoJSONFeature struct {
	Type       string          `json:"type"`
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FeatureCollection is the geometry lookup result.
type FeatureCollection struct {
	Type     string           `json:"type"`
	CRS      CRS              `json:"crs"`
	Features []GeoJSONFeature `json:"features"`
	Bbox     []float64        `json:"bbox"`
}
