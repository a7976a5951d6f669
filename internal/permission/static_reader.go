package permission

import "context"

// StaticReader is a permission Reader with a fixed permission map, used for
// tenants configured without a permissions file. Every identity gets the
// same view.
type StaticReader struct {
	perms map[string][]string
}

// NewStaticReader creates a reader serving the given class -> names map.
func NewStaticReader(perms map[string][]string) *StaticReader {
	return &StaticReader{perms: perms}
}

// ResourcePermissions implements Reader.
func (r *StaticReader) ResourcePermissions(_ context.Context, resourceClass, _ string) ([]string, error) {
	return r.perms[resourceClass], nil
}
