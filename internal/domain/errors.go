package domain

import "errors"

var (
	// ErrInvalidFilter signals a malformed filter expression or request input.
	ErrInvalidFilter = errors.New("invalid filter expression")
	// ErrNotFound signals a dataset that is unknown or not permitted.
	// Both cases report identically so existence is not leaked.
	ErrNotFound = errors.New("dataset not found or permission error")
	// ErrEngineFailure signals an upstream search engine or database failure.
	ErrEngineFailure = errors.New("search engine failure")
	// ErrUnknownTenant signals a tenant with no configuration.
	ErrUnknownTenant = errors.New("unknown tenant")
)
