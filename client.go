// Package facetsearch provides a Go client for the facetsearch HTTP API.
package facetsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client is the facetsearch SDK entry point.
type Client struct {
	baseURL  string
	tenant   string
	identity string
	http     *http.Client
}

type clientConfig struct {
	tenant   string
	identity string
	http     *http.Client
}

// Option configures a Client.
type Option func(*clientConfig)

// WithTenant sets the tenant sent in the X-Tenant header.
func WithTenant(tenant string) Option {
	return func(c *clientConfig) { c.tenant = tenant }
}

// WithIdentity sets the caller identity sent in the X-Identity header.
func WithIdentity(identity string) Option {
	return func(c *clientConfig) { c.identity = identity }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.http = hc }
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("facetsearch: base URL required")
	}
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.http == nil {
		cfg.http = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tenant:   cfg.tenant,
		identity: cfg.identity,
		http:     cfg.http,
	}, nil
}

// SearchOptions narrow a search request.
type SearchOptions struct {
	// Filter restricts the search to the named facets.
	Filter []string
	// Limit caps the number of feature results. Zero uses the server default.
	Limit int
}

// Search runs a full-text search.
func (c *Client) Search(ctx context.Context, searchtext string, opts SearchOptions) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("searchtext", searchtext)
	if len(opts.Filter) > 0 {
		q.Set("filter", strings.Join(opts.Filter, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var resp SearchResponse
	if err := c.get(ctx, "/fts/?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Geometry looks up dataset geometries matching a filter expression, for
// example [["ogc_fid", "=", 442]].
func (c *Client) Geometry(ctx context.Context, dataset string, filter []byte) (*FeatureCollection, error) {
	q := url.Values{}
	q.Set("filter", string(filter))

	var fc FeatureCollection
	if err := c.get(ctx, "/geom/"+url.PathEscape(dataset)+"?"+q.Encode(), &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Health checks service liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", &struct{}{})
}

// APIError is a non-success response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("facetsearch: %d: %s", e.StatusCode, e.Message)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("facetsearch: build request: %w", err)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	if c.identity != "" {
		req.Header.Set("X-Identity", c.identity)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facetsearch: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("facetsearch: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("facetsearch: decode response: %w", err)
	}
	return nil
}
