package domain

// Stack type facet names classifying a document as a dataproduct (layer)
// rather than a feature.
const (
	StackForeground = "foreground"
	StackBackground = "background"
	StackDataproduct = "dataproduct"
)

// IsDataproductFacet reports whether the facet names a dataproduct class.
func IsDataproductFacet(facet string) bool {
	return facet == StackForeground || facet == StackBackground || facet == StackDataproduct
}

// CountUnknown is the reported count when the underlying query was truncated
// at the per-facet limit, so the true count is unknown.
const CountUnknown = -1

// Feature is a single dataset record search result.
type Feature struct {
	Display       string    `json:"display"`
	DataproductID string    `json:"dataproduct_id"`
	FeatureID     any       `json:"feature_id"` // string or int
	IDFieldName   string    `json:"id_field_name"`
	IDFieldStr    *bool     `json:"id_field_type"` // true: string type, false: non-string type
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
	Display       string     `json:"display"`
	Type          string     `json:"type"`
	Stacktype     string     `json:"stacktype"`
	DataproductID string     `json:"dataproduct_id"`
	DsetInfo      bool       `json:"dset_info"`
	Sublayers     *[]Sublayer `json:"sublayers,omitempty"`
}

// ResultItem is the tagged union of the two result kinds. Exactly one of
// Feature and Dataproduct is set.
type ResultItem struct {
	Feature     *Feature     `json:"feature,omitempty"`
	Dataproduct *Dataproduct `json:"dataproduct,omitempty"`
}

// ResultCount is the per-facet aggregate. Count is nil when a raw engine
// count exists but cannot be permission-filtered, and CountUnknown when the
// query was truncated at the per-facet limit.
type ResultCount struct {
	DataproductID string `json:"dataproduct_id"`
	Filterword    string `json:"filterword"`
	Count         *int   `json:"count"`
}

// SearchResponse is the merged, ranked, permission-filtered result set.
type SearchResponse struct {
	Results      []ResultItem  `json:"results"`
	ResultCounts []ResultCount `json:"result_counts"`
}

// NewSearchResponse creates an empty response that serializes with empty
// arrays rather than nulls.
func NewSearchResponse() *SearchResponse {
	return &SearchResponse{
		Results:      []ResultItem{},
		ResultCounts: []ResultCount{},
	}
}

// CountOf returns a pointer to n, for ResultCount values.
func CountOf(n int) *int { return &n }
