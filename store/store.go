// Package store defines the storage abstraction used by tagcache.
//
// A Store is a remote key-value store with TTLs and ordered sets (Redis or
// anything speaking the same model). Implementations MUST be byte-for-byte
// transparent for values: Get returns exactly the bytes previously passed to Set.
//
// Important: the keyspaces "item\x00" and "tags\x00" are owned by tagcache.
// External code MUST NOT write under these prefixes.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNilStore = errors.New("tagcache: nil store")

// Store is the narrow contract the tag engine calls through.
// Must be safe for concurrent use. No method retries on its own.
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// GetMany returns one slot per key, nil for misses.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// Set stores value with the given TTL. ttl must be positive.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Exists returns how many of keys are present.
	Exists(ctx context.Context, keys ...string) (int64, error)

	// IncrBy adds delta to the integer stored at key (missing => 0).
	// ttl is applied only when the key carries no expiry afterwards.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// ZAdd sets member's score in the ordered set at key. With onlyIfGreater
	// an existing member is updated only when score exceeds its current one
	// (Redis ZADD GT); new members are always added.
	ZAdd(ctx context.Context, key, member string, score float64, onlyIfGreater bool) error

	// ZScan returns a page of members matching the glob and the next cursor (0 => done).
	ZScan(ctx context.Context, key string, cursor uint64, match string, count int64) ([]string, uint64, error)

	// ZRem removes members from the ordered set.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZRemRangeByScore removes every member with score <= max.
	ZRemRangeByScore(ctx context.Context, key string, max float64) (int64, error)

	// ZCard returns the number of members of the ordered set.
	ZCard(ctx context.Context, key string) (int64, error)

	// Scan returns a page of keys matching the glob and the next cursor (0 => done).
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
