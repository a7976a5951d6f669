package domain

import (
	"encoding/json"
	"fmt"
)

// DefaultSRID is assumed when a geometry query returns no rows.
const DefaultSRID = 4326

// CRS is the named coordinate reference system block of a FeatureCollection.
type CRS struct {
	Type       string        `json:"type"`
	Properties CRSProperties `json:"properties"`
}

// CRSProperties holds the CRS name.
type CRSProperties struct {
	Name string `json:"name"`
}

// NewCRS builds a CRS block naming the SRID in short form.
// The EPSG:<n> form is used instead of the OGC URN so that map viewers
// consuming the dataset search accept the collection.
func NewCRS(srid int) CRS {
	return CRS{
		Type:       "name",
		Properties: CRSProperties{Name: fmt.Sprintf("EPSG:%d", srid)},
	}
}

// GeoJSONFeature is a single feature of a FeatureCollection. Properties is a
// deliberately unused extension point and always serializes as {}.
type GeoJSONFeature struct {
	Type       string          `json:"type"`
	ID         any             `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// NewGeoJSONFeature builds a Feature with the given id and raw geometry.
// A nil geometry serializes as JSON null.
func NewGeoJSONFeature(id any, geometry json.RawMessage) GeoJSONFeature {
	return GeoJSONFeature{
		Type:       "Feature",
		ID:         id,
		Geometry:   geometry,
		Properties: map[string]any{},
	}
}

// FeatureCollection is the geometry lookup result. Bbox is the extent
// aggregate over the whole result set, or null when no rows matched.
type FeatureCollection struct {
	Type     string           `json:"type"`
	CRS      CRS              `json:"crs"`
	Features []GeoJSONFeature `json:"features"`
	Bbox     []float64        `json:"bbox"`
}

// NewFeatureCollection creates an empty collection for the given SRID.
func NewFeatureCollection(srid int) *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		CRS:      NewCRS(srid),
		Features: []GeoJSONFeature{},
	}
}
