package tagcache

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/unkn0wn-root/tagcache/internal/keys"
	"github.com/unkn0wn-root/tagcache/store"
)

// UpdatePolicy controls how an index entry's score is written.
type UpdatePolicy int

const (
	// Always sets the score, creating or refreshing the entry.
	Always UpdatePolicy = iota
	// IfGreater creates the entry, or moves an existing one to a later
	// score. An entry is never shortened.
	IfGreater
)

// IndexOptions configure TagIndex construction outside of a Cache (e.g. the Pruner).
type IndexOptions struct {
	ForeverTTL time.Duration    // <= 0 => DefaultForeverTTL
	ScanCount  int64            // <= 0 => DefaultScanCount
	Now        func() time.Time // nil => time.Now
}

func (o IndexOptions) withDefaults() IndexOptions {
	o.ForeverTTL = positive(o.ForeverTTL, DefaultForeverTTL)
	o.ScanCount = positive[int64](o.ScanCount, DefaultScanCount)
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// TagIndex is the ordered set of composite keys registered under one tag,
// scored by their expiration time (unix seconds).
type TagIndex struct {
	st   store.Store
	opts IndexOptions
	name string // sanitized
	id   string
}

// NewTagIndex returns the index of tag name. The name is validated and sanitized.
func NewTagIndex(st store.Store, name string, opts IndexOptions) (*TagIndex, error) {
	if st == nil {
		return nil, store.ErrNilStore
	}
	if err := keys.Validate(name); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, name)
	}
	return newTagIndex(st, keys.Sanitize(name), opts.withDefaults()), nil
}

func newTagIndex(st store.Store, sanitized string, opts IndexOptions) *TagIndex {
	return &TagIndex{st: st, opts: opts, name: sanitized, id: keys.TagID(sanitized)}
}

// Name returns the sanitized tag name.
func (t *TagIndex) Name() string { return t.name }

// ID returns the store key of the index.
func (t *TagIndex) ID() string { return t.id }

// expiresAt rounds up to the next second so an entry never expires before its value.
func (t *TagIndex) expiresAt(ttl time.Duration) float64 {
	if ttl <= 0 || ttl == NoExpiry {
		ttl = t.opts.ForeverTTL
	}
	exp := t.opts.Now().Add(ttl)
	secs := exp.Unix()
	if exp.Nanosecond() > 0 {
		secs++
	}
	return float64(secs)
}

// Add registers member with score now+ttl. NoExpiry (or ttl <= 0) uses the
// bounded forever sentinel.
func (t *TagIndex) Add(ctx context.Context, member string, ttl time.Duration, policy UpdatePolicy) error {
	return t.st.ZAdd(ctx, t.id, member, t.expiresAt(ttl), policy == IfGreater)
}

// Entries streams the members matching the glob ("" => all) page by page.
// A store error or context cancellation is yielded once as the last
// element; members yielded before it stand. A fresh call rescans from the start.
func (t *TagIndex) Entries(ctx context.Context, match string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var cursor uint64
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			members, next, err := t.st.ZScan(ctx, t.id, cursor, match, t.opts.ScanCount)
			if err != nil {
				yield("", fmt.Errorf("scan %q: %w", t.name, err))
				return
			}
			for _, m := range members {
				if !yield(m, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// RemoveExpired deletes every entry whose score is <= now.
func (t *TagIndex) RemoveExpired(ctx context.Context, now time.Time) (int64, error) {
	return t.st.ZRemRangeByScore(ctx, t.id, float64(now.Unix()))
}

// Remove deletes specific members.
func (t *TagIndex) Remove(ctx context.Context, members ...string) (int64, error) {
	return t.st.ZRem(ctx, t.id, members...)
}

// Len returns the number of entries, stale ones included.
func (t *TagIndex) Len(ctx context.Context) (int64, error) {
	return t.st.ZCard(ctx, t.id)
}

// Drop deletes the whole index.
func (t *TagIndex) Drop(ctx context.Context) error {
	_, err := t.st.Delete(ctx, t.id)
	return err
}

// TagSet is the active, ordered tag set of a cache view.
type TagSet struct {
	names   []string // sanitized, write order
	indexes []*TagIndex
	ns      []string
}

func newTagSet(st store.Store, sanitized []string, opts IndexOptions) *TagSet {
	s := &TagSet{names: sanitized, indexes: make([]*TagIndex, len(sanitized))}
	for i, n := range sanitized {
		s.indexes[i] = newTagIndex(st, n, opts)
	}
	s.ns = keys.Namespaces(sanitized)
	return s
}

// Names returns the sanitized tag names in write order.
func (s *TagSet) Names() []string { return append([]string(nil), s.names...) }

func (s *TagSet) Len() int { return len(s.names) }

// Has reports whether the sanitized name is one of the active tags.
func (s *TagSet) Has(name string) bool { return slices.Contains(s.names, name) }

func (s *TagSet) Indexes() []*TagIndex { return s.indexes }

// Namespaces returns the tag portion of every composite key a value stored
// under these tags (in any order) can have.
func (s *TagSet) Namespaces() []string { return s.ns }

// Add registers member in every index of the set.
func (s *TagSet) Add(ctx context.Context, member string, ttl time.Duration, policy UpdatePolicy) error {
	for _, idx := range s.indexes {
		if err := idx.Add(ctx, member, ttl, policy); err != nil {
			return err
		}
	}
	return nil
}

// Entries chains the entries of every index. A member registered under
// several of the tags is yielded once per index.
func (s *TagSet) Entries(ctx context.Context, match string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, idx := range s.indexes {
			for m, err := range idx.Entries(ctx, match) {
				if !yield(m, err) || err != nil {
					return
				}
			}
		}
	}
}
