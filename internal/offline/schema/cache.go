package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CachePolicy selects the freshness behavior of a cached read.
type CachePolicy string

const (
	CacheFirst           CachePolicy = "cache-first"
	NetworkFirst         CachePolicy = "network-first"
	StaleWhileRevalidate CachePolicy = "stale-while-revalidate"
)

// ParseCachePolicy converts a user-supplied policy name.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cache-first", "cache":
		return CacheFirst, nil
	case "network-first", "network":
		return NetworkFirst, nil
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return "", fmt.Errorf("%w: unknown cache policy %q", ErrInvalid, s)
}

// CacheKey addresses a cached value: either one entity by id or the result
// of a query over an entity type. Exactly one of ID and Query is set.
type CacheKey struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id,omitempty"`
	Query      string `json:"query,omitempty"`
}

// EntityKey builds the key for a single entity.
func EntityKey(entityType, id string) CacheKey {
	return CacheKey{EntityType: entityType, ID: id}
}

// QueryKey builds the key for a query result.
func QueryKey(entityType, query string) CacheKey {
	return CacheKey{EntityType: entityType, Query: query}
}

// IsQuery reports whether the key addresses a query result.
func (k CacheKey) IsQuery() bool {
	return k.ID == ""
}

// String returns the storage form of the key: "type/id:<id>" or "type/q:<query>".
func (k CacheKey) String() string {
	if k.IsQuery() {
		return k.EntityType + "/q:" + k.Query
	}
	return k.EntityType + "/id:" + k.ID
}

// Validate checks that the key names an entity type and exactly one target.
func (k CacheKey) Validate() error {
	if strings.TrimSpace(k.EntityType) == "" {
		return fmt.Errorf("%w: cache key needs an entity type", ErrInvalid)
	}
	if (k.ID == "") == (k.Query == "") {
		return fmt.Errorf("%w: cache key needs exactly one of id or query", ErrInvalid)
	}
	return nil
}

// CacheEntry is one cached read result.
type CacheEntry struct {
	Key       CacheKey        `json:"key"`
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
	Policy    CachePolicy     `json:"policy"`

	// Stale is set by invalidation. A stale entry is still served under
	// cache-first and stale-while-revalidate.
	Stale bool `json:"stale,omitempty"`

	AccessedAt time.Time `json:"accessed_at"`
}
