package store

import (
	"sync"
	"time"

	"github.com/liamcoop/autotag/autotag"
)

// RulesCache provides an abstraction for caching a tenant's active rules.
// This allows swapping between in-memory, Redis, or other caching implementations.
type RulesCache interface {
	// Get retrieves cached rules, returns nil if cache miss or expired
	Get() []*autotag.Rule

	// Set stores rules in cache
	Set(rules []*autotag.Rule)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0, // No TTL - only invalidate on mutations
	}
}

// InMemoryRulesCache is a simple in-memory implementation of RulesCache.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	rules    []*autotag.Rule
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	isValid  bool
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config:  config,
		isValid: false,
	}
}

// Get retrieves cached rules.
// Returns nil if cache is invalid or expired.
func (c *InMemoryRulesCache) Get() []*autotag.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isValid {
		return nil
	}

	if c.config.TTL > 0 {
		if time.Since(c.cachedAt) > c.config.TTL {
			return nil
		}
	}

	// Return copy to prevent external modifications
	rulesCopy := make([]*autotag.Rule, len(c.rules))
	copy(rulesCopy, c.rules)
	return rulesCopy
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(rules []*autotag.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy to prevent external modifications
	c.rules = make([]*autotag.Rule, len(rules))
	copy(c.rules, rules)
	c.cachedAt = time.Now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.rules = nil
}

// IsValid returns true if cache contains valid data
func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isValid {
		return false
	}

	if c.config.TTL > 0 {
		return time.Since(c.cachedAt) <= c.config.TTL
	}

	return true
}
