// Package kv provides the persistent key-value store backing the cache
// index, session history and aggregate stats. Values are opaque strings
// (the callers store JSON blobs under fixed keys).
package kv

import "context"

// Store is a minimal persistent key-value store. Get reports absence via
// the bool, not an error; an absent key is a normal outcome.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
