package geometry

import (
	"database/sql"
	"fmt"
	"sync"
)

// PoolCache caches one connection pool per database URL. Facet entries may
// override the tenant database, so several pools can be live at once.
type PoolCache struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPoolCache creates an empty pool cache.
func NewPoolCache() *PoolCache {
	return &PoolCache{pools: make(map[string]*sql.DB)}
}

// Get returns the pool for url, opening it on first use.
func (p *PoolCache) Get(url string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.pools[url]; ok {
		return db, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	p.pools[url] = db
	return db, nil
}

// Close closes all cached pools.
func (p *PoolCache) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for url, db := range p.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.pools, url)
	}
	return firstErr
}
