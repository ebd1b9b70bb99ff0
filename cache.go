package tagcache

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/tagcache/codec"
	"github.com/unkn0wn-root/tagcache/internal/keys"
	"github.com/unkn0wn-root/tagcache/store"
)

const defaultName = "tagcache"

// shared is what every view of one cache has in common.
type shared[V any] struct {
	name  string
	store store.Store
	codec c.Codec[V]
	log   Logger
	obs   Observer
	index IndexOptions
}

type cache[V any] struct {
	*shared[V]
	tags   *TagSet
	tagErr error // set when Tags received an invalid name
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("tagcache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("tagcache: codec is required")
	}

	sh := &shared[V]{
		store: opts.Store,
		codec: opts.Codec,
	}

	// defaults
	sh.name = coalesce[string](opts.Name, defaultName)
	sh.log = coalesce[Logger](opts.Logger, NopLogger{})
	sh.obs = coalesce[Observer](opts.Observer, NopObserver{})
	sh.index = IndexOptions{
		ForeverTTL: opts.ForeverTTL,
		ScanCount:  opts.ScanCount,
		Now:        opts.Now,
	}.withDefaults()

	return &cache[V]{shared: sh, tags: newTagSet(sh.store, nil, sh.index)}, nil
}

func (c *cache[V]) Tags(names ...string) Cache[V] {
	sanitized := make([]string, 0, len(names))
	var tagErr error
	for _, n := range names {
		if err := keys.Validate(n); err != nil {
			tagErr = fmt.Errorf("%w: %q", ErrInvalidTag, n)
			break
		}
		sanitized = append(sanitized, keys.Sanitize(n))
	}
	if tagErr != nil {
		sanitized = nil
	}
	return &cache[V]{shared: c.shared, tags: newTagSet(c.store, sanitized, c.index), tagErr: tagErr}
}

func (c *cache[V]) TagNames() []string { return c.tags.Names() }

func (c *cache[V]) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *cache[V]) check(key string) error {
	if c.tagErr != nil {
		return c.tagErr
	}
	if err := keys.Validate(key); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (c *cache[V]) event(key string, ttl time.Duration, err error) KeyEvent {
	return KeyEvent{Cache: c.name, Key: key, Tags: c.tags.Names(), TTL: ttl, Err: err}
}

// lookup walks the composite keys that may hold key under the active tags
// and calls fn with each live one until fn returns false.
//
// Untagged views have exactly one candidate. Tagged views first probe the
// composite key of every tag ordering in one round-trip, then scan the tag
// indexes for records written under other tag combinations. Index members
// without a value record are skipped (stale).
func (c *cache[V]) lookup(ctx context.Context, key string, fn func(ck string, raw []byte) bool) error {
	if c.tags.Len() == 0 {
		ck := keys.Compose(nil, key)
		raw, ok, err := c.store.Get(ctx, ck)
		if err != nil || !ok {
			return err
		}
		fn(ck, raw)
		return nil
	}

	probes := keys.ComposeAll(c.tags.Namespaces(), key)
	vals, err := c.store.GetMany(ctx, probes)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(probes))
	for i, ck := range probes {
		seen[ck] = struct{}{}
		if vals[i] != nil && !fn(ck, vals[i]) {
			return nil
		}
	}

	for member, err := range c.tags.Entries(ctx, keys.MemberPattern(key)) {
		if err != nil {
			return err
		}
		if !keys.Matches(member, key) {
			continue
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}

		raw, ok, err := c.store.Get(ctx, member)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(member, raw) {
			return nil
		}
	}
	return nil
}

type resolution struct {
	key string // composite key to read or write
	raw []byte
	hit bool
}

// resolve returns the first live record for key, or the composite key a
// new record should be written under.
func (c *cache[V]) resolve(ctx context.Context, key string) (resolution, error) {
	r := resolution{key: keys.Compose(c.tags.Names(), key)}
	err := c.lookup(ctx, key, func(ck string, raw []byte) bool {
		r = resolution{key: ck, raw: raw, hit: true}
		return false
	})
	return r, err
}

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := c.check(key); err != nil {
		return zero, false, err
	}
	c.obs.KeyRetrieving(c.event(key, 0, nil))

	r, err := c.resolve(ctx, key)
	if err != nil || !r.hit {
		c.obs.CacheMissed(c.event(key, 0, err))
		return zero, false, err
	}
	v, err := c.codec.Decode(r.raw)
	if err != nil {
		c.log.Warn("undecodable record treated as miss", Fields{"key": key, "storageKey": r.key, "err": err})
		c.obs.CacheMissed(c.event(key, 0, err))
		return zero, false, nil
	}
	c.obs.CacheHit(c.event(key, 0, nil))
	return v, true, nil
}

func (c *cache[V]) Many(ctx context.Context, ks []string) (map[string]V, error) {
	out := make(map[string]V, len(ks))
	for _, k := range ks {
		v, ok, err := c.Get(ctx, k)
		if err != nil {
			return out, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *cache[V]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *cache[V]) Missing(ctx context.Context, key string) (bool, error) {
	ok, err := c.Has(ctx, key)
	return !ok, err
}

func (c *cache[V]) Put(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	if ttl == NoExpiry {
		return c.Forever(ctx, key, value)
	}
	if ttl <= 0 {
		return c.Forget(ctx, key)
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}
	r, err := c.resolve(ctx, key)
	if err != nil {
		c.obs.KeyWriteFailed(c.event(key, ttl, err))
		return false, err
	}
	return c.write(ctx, key, r, payload, ttl)
}

func (c *cache[V]) PutMany(ctx context.Context, items map[string]V, ttl time.Duration) (bool, error) {
	all := true
	for k, v := range items {
		ok, err := c.Put(ctx, k, v, ttl)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

func (c *cache[V]) Add(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, nil
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}
	r, err := c.resolve(ctx, key)
	if err != nil {
		return false, err
	}
	if r.hit {
		return false, nil
	}
	return c.write(ctx, key, r, payload, ttl)
}

func (c *cache[V]) Forever(ctx context.Context, key string, value V) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return false, fmt.Errorf("encode %q: %w", key, err)
	}
	r, err := c.resolve(ctx, key)
	if err != nil {
		c.obs.KeyWriteFailed(c.event(key, NoExpiry, err))
		return false, err
	}
	return c.write(ctx, key, r, payload, NoExpiry)
}

// write registers the composite key in every active index, then stores the
// record with the same TTL. NoExpiry maps to the bounded ForeverTTL.
func (c *cache[V]) write(ctx context.Context, key string, r resolution, payload []byte, ttl time.Duration) (bool, error) {
	c.obs.KeyWriting(c.event(key, ttl, nil))
	if r.hit {
		c.log.Debug("overwriting existing record", Fields{"key": key, "storageKey": r.key})
	}

	if err := c.register(ctx, r, ttl, Always); err != nil {
		c.obs.KeyWriteFailed(c.event(key, ttl, err))
		return false, err
	}

	storeTTL := ttl
	if ttl == NoExpiry {
		storeTTL = c.index.ForeverTTL
	}
	ok, err := c.store.Set(ctx, r.key, payload, storeTTL)
	if err != nil || !ok {
		c.obs.KeyWriteFailed(c.event(key, ttl, err))
		return false, err
	}
	c.obs.KeyWritten(c.event(key, ttl, nil))
	return true, nil
}

// register adds the composite key to the index of every active tag. A reused
// key may name more tags than the view has (a {a,b} record written through
// Tags("a")); those indexes are refreshed too, so flushing any tag the key
// names still reaches it.
func (c *cache[V]) register(ctx context.Context, r resolution, ttl time.Duration, policy UpdatePolicy) error {
	if err := c.tags.Add(ctx, r.key, ttl, policy); err != nil {
		return err
	}
	if !r.hit {
		return nil
	}
	embedded, _ := keys.Tags(r.key)
	for _, name := range embedded {
		if c.tags.Has(name) {
			continue
		}
		if err := newTagIndex(c.store, name, c.index).Add(ctx, r.key, ttl, policy); err != nil {
			return err
		}
	}
	return nil
}

func (c *cache[V]) Increment(ctx context.Context, key string, by int64) (int64, error) {
	if err := c.check(key); err != nil {
		return 0, err
	}
	r, err := c.resolve(ctx, key)
	if err != nil {
		c.obs.KeyWriteFailed(c.event(key, NoExpiry, err))
		return 0, err
	}
	c.obs.KeyWriting(c.event(key, NoExpiry, nil))

	// The counter may outlive a stale entry left by Forget: extend, never shorten.
	if err := c.register(ctx, r, NoExpiry, IfGreater); err != nil {
		c.obs.KeyWriteFailed(c.event(key, NoExpiry, err))
		return 0, err
	}
	n, err := c.store.IncrBy(ctx, r.key, by, c.index.ForeverTTL)
	if err != nil {
		c.obs.KeyWriteFailed(c.event(key, NoExpiry, err))
		return 0, err
	}
	c.obs.KeyWritten(c.event(key, NoExpiry, nil))
	return n, nil
}

func (c *cache[V]) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	return c.Increment(ctx, key, -by)
}

// Remember is not atomic: concurrent misses may each run fn; the last write wins.
// Store errors on the read or write side are logged, not returned; only fn's
// error is.
func (c *cache[V]) Remember(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error)) (V, error) {
	if err := c.check(key); err != nil {
		var zero V
		return zero, err
	}
	v, ok, err := c.Get(ctx, key)
	if ok {
		return v, nil
	}
	if err != nil {
		c.log.Warn("remember: read failed, recomputing", Fields{"key": key, "err": err})
	}

	v, err = fn(ctx)
	if err != nil {
		return v, err
	}
	if _, err := c.Put(ctx, key, v, ttl); err != nil {
		c.log.Warn("remember: write failed", Fields{"key": key, "err": err})
	}
	return v, nil
}

func (c *cache[V]) RememberForever(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	return c.Remember(ctx, key, NoExpiry, fn)
}

func (c *cache[V]) Pull(ctx context.Context, key string) (V, bool, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if _, err := c.Forget(ctx, key); err != nil {
		return v, true, err
	}
	return v, true, nil
}

// Forget deletes every live record of key reachable from the active tags.
// Index entries are left behind; reads skip them and the Pruner reclaims them.
func (c *cache[V]) Forget(ctx context.Context, key string) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	c.obs.KeyForgetting(c.event(key, 0, nil))

	var live []string
	err := c.lookup(ctx, key, func(ck string, _ []byte) bool {
		live = append(live, ck)
		return true
	})
	if err != nil {
		c.obs.KeyForgetFailed(c.event(key, 0, err))
		return false, err
	}
	if len(live) == 0 {
		c.obs.KeyForgetFailed(c.event(key, 0, nil))
		return false, nil
	}

	n, err := c.store.Delete(ctx, live...)
	if err != nil || n == 0 {
		c.obs.KeyForgetFailed(c.event(key, 0, err))
		return false, err
	}
	c.obs.KeyForgotten(c.event(key, 0, nil))
	return true, nil
}

// Flush deletes every record registered under any active tag, then drops
// the tag's index. A value written under several tags is invalidated by
// flushing any one of them. Flush is best-effort: a failed tag keeps its
// index (so a retry resumes) and is reported in a *FlushError.
//
// The untagged view flushes the whole tagcache keyspace.
func (c *cache[V]) Flush(ctx context.Context) (bool, error) {
	if c.tagErr != nil {
		return false, c.tagErr
	}
	if c.tags.Len() == 0 {
		return c.flushAll(ctx)
	}

	var ferr FlushError
	for _, idx := range c.tags.Indexes() {
		n, err := c.flushIndex(ctx, idx)
		c.obs.TagFlushed(FlushEvent{Cache: c.name, Tag: idx.Name(), Deleted: n, Err: err})
		if err != nil {
			c.log.Warn("tag flush incomplete", Fields{"tag": idx.Name(), "deleted": n, "err": err})
			ferr.add(idx.Name(), err)
			continue
		}
		c.log.Debug("tag flushed", Fields{"tag": idx.Name(), "deleted": n})
	}
	if len(ferr.Failed) > 0 {
		return false, &ferr
	}
	return true, nil
}

func (c *cache[V]) flushIndex(ctx context.Context, idx *TagIndex) (int64, error) {
	var (
		deleted int64
		batch   = make([]string, 0, c.index.ScanCount)
	)
	drain := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.store.Delete(ctx, batch...)
		deleted += n
		batch = batch[:0]
		return err
	}

	for member, err := range idx.Entries(ctx, "") {
		if err != nil {
			if derr := drain(); derr != nil {
				return deleted, derr
			}
			return deleted, err
		}
		batch = append(batch, member)
		if int64(len(batch)) >= c.index.ScanCount {
			if err := drain(); err != nil {
				return deleted, err
			}
		}
	}
	if err := drain(); err != nil {
		return deleted, err
	}
	return deleted, idx.Drop(ctx)
}

// flushAll removes every value record and tag index tagcache owns.
func (c *cache[V]) flushAll(ctx context.Context) (bool, error) {
	var ferr FlushError
	for _, prefix := range []string{keys.ItemPrefix, keys.TagPrefix} {
		n, err := c.deleteByPattern(ctx, keys.EscapeGlob(prefix)+"*")
		c.obs.TagFlushed(FlushEvent{Cache: c.name, Deleted: n, Err: err})
		if err != nil {
			ferr.add("", err)
			break
		}
	}
	if len(ferr.Failed) > 0 {
		return false, &ferr
	}
	return true, nil
}

func (c *cache[V]) deleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var (
		deleted int64
		cursor  uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		page, next, err := c.store.Scan(ctx, cursor, pattern, c.index.ScanCount)
		if err != nil {
			return deleted, err
		}
		if len(page) > 0 {
			n, err := c.store.Delete(ctx, page...)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
