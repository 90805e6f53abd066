// Package cache provides a bounded LRU for non-authoritative lookups, such as
// resolving an upstream channel id to a display name. It never holds stream
// state or side-effect markers, so eviction can never cause a correctness
// regression.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FetchFunc loads a value on cache miss.
type FetchFunc func(ctx context.Context, key string) (string, error)

// Names is a fixed-capacity LRU in front of a remote name lookup.
type Names struct {
	c     *lru.Cache[string, string]
	fetch FetchFunc
}

// NewNames builds a cache of the given capacity. fetch is called on miss;
// fetch errors are returned to the caller and nothing is cached.
func NewNames(capacity int, fetch FetchFunc) (*Names, error) {
	if capacity <= 0 {
		capacity = 256
	}
	c, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Names{c: c, fetch: fetch}, nil
}

// Resolve returns the cached value for key, fetching and caching on miss.
func (n *Names) Resolve(ctx context.Context, key string) (string, error) {
	if v, ok := n.c.Get(key); ok {
		return v, nil
	}
	v, err := n.fetch(ctx, key)
	if err != nil {
		return "", err
	}
	n.c.Add(key, v)
	return v, nil
}

// Len returns the number of cached entries.
func (n *Names) Len() int { return n.c.Len() }
