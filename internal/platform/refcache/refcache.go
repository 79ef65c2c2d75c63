// Package refcache remembers which stored reference a requested document
// reference last resolved to, so repeat lookups can skip the fuzzy tiers.
// Values are references only, never document contents.
package refcache

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("cache miss")

// Store is a string key/value cache with per-entry TTL.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
