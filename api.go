package tagcache

import (
	"context"
	"math"
	"time"

	c "github.com/unkn0wn-root/tagcache/codec"
	"github.com/unkn0wn-root/tagcache/store"
)

const (
	// NoExpiry passed as a TTL stores the value "forever" (see Options.ForeverTTL).
	NoExpiry time.Duration = math.MaxInt64

	// DefaultForeverTTL bounds "forever": 100 days.
	DefaultForeverTTL = 8640000 * time.Second

	// DefaultScanCount is the page size hint for index and key scans.
	DefaultScanCount = 1000
)

// Getter is the read side of a tagged cache.
type Getter[V any] interface {
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	Many(ctx context.Context, keys []string) (map[string]V, error)
	Has(ctx context.Context, key string) (bool, error)
	Missing(ctx context.Context, key string) (bool, error)
}

// Putter is the write side of a tagged cache.
// Writes report ok=false with a nil error when the store refused the write.
type Putter[V any] interface {
	Put(ctx context.Context, key string, value V, ttl time.Duration) (ok bool, err error)
	PutMany(ctx context.Context, items map[string]V, ttl time.Duration) (ok bool, err error)
	Add(ctx context.Context, key string, value V, ttl time.Duration) (ok bool, err error)
	Forever(ctx context.Context, key string, value V) (ok bool, err error)
	Increment(ctx context.Context, key string, by int64) (int64, error)
	Decrement(ctx context.Context, key string, by int64) (int64, error)
	Remember(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error)) (V, error)
	RememberForever(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error)
	Pull(ctx context.Context, key string) (v V, ok bool, err error)
	Forget(ctx context.Context, key string) (ok bool, err error)
}

// Flusher invalidates everything under the active tags.
type Flusher interface {
	Flush(ctx context.Context) (ok bool, err error)
}

// Cache is a tag-aware cache over a remote store. The zero-tag view is the
// plain keyspace; Tags returns a view scoped to a tag set. Views share the
// store, codec, logger and observer.
type Cache[V any] interface {
	Getter[V]
	Putter[V]
	Flusher

	Tags(names ...string) Cache[V]
	TagNames() []string
	Close(context.Context) error
}

// Options configure a Cache. Only Store and Codec are required.
type Options[V any] struct {
	// Required
	Store store.Store
	Codec c.Codec[V]

	Name       string           // reported in notifications and logs; "" => "tagcache"
	Logger     Logger           // nil => NopLogger
	Observer   Observer         // nil => NopObserver
	ForeverTTL time.Duration    // bound for "forever" writes and index entries; 0 => DefaultForeverTTL
	ScanCount  int64            // scan/delete batch size; 0 => DefaultScanCount
	Now        func() time.Time // nil => time.Now
}

func New[V any](opts Options[V]) (Cache[V], error) {
	cc, err := newCache[V](opts)
	if err != nil {
		return nil, err
	}
	return cc, nil
}
