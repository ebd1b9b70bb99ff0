package tagcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/tagcache/codec"
	"github.com/unkn0wn-root/tagcache/internal/keys"
	"github.com/unkn0wn-root/tagcache/store"
	"github.com/unkn0wn-root/tagcache/store/memory"
)

var errBoom = errors.New("boom")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder keeps notifications as "kind:key" strings.
type recorder struct {
	mu      sync.Mutex
	events  []string
	flushes []FlushEvent
}

var _ Observer = (*recorder)(nil)

func (r *recorder) add(kind string, e KeyEvent) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+e.Key)
	r.mu.Unlock()
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) KeyRetrieving(e KeyEvent)   { r.add("retrieving", e) }
func (r *recorder) CacheHit(e KeyEvent)        { r.add("hit", e) }
func (r *recorder) CacheMissed(e KeyEvent)     { r.add("missed", e) }
func (r *recorder) KeyWriting(e KeyEvent)      { r.add("writing", e) }
func (r *recorder) KeyWritten(e KeyEvent)      { r.add("written", e) }
func (r *recorder) KeyWriteFailed(e KeyEvent)  { r.add("write_failed", e) }
func (r *recorder) KeyForgetting(e KeyEvent)   { r.add("forgetting", e) }
func (r *recorder) KeyForgotten(e KeyEvent)    { r.add("forgotten", e) }
func (r *recorder) KeyForgetFailed(e KeyEvent) { r.add("forget_failed", e) }
func (r *recorder) TagFlushed(e FlushEvent) {
	r.mu.Lock()
	r.flushes = append(r.flushes, e)
	r.mu.Unlock()
}

// faultyStore fails selected calls of the wrapped store.
type faultyStore struct {
	store.Store

	mu        sync.Mutex
	setErr    error
	zscanErr  map[string]error // index id => error
	zscanLeft int              // successful ZScan pages before zscanErr applies; 0 => fail at once
}

func (f *faultyStore) Set(ctx context.Context, key string, v []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	err := f.setErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.Set(ctx, key, v, ttl)
}

func (f *faultyStore) ZScan(ctx context.Context, key string, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	err := f.zscanErr[key]
	if err != nil && f.zscanLeft > 0 {
		f.zscanLeft--
		err = nil
	}
	f.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return f.Store.ZScan(ctx, key, cursor, match, count)
}

type env struct {
	st    *memory.Store
	clock *clock
	obs   *recorder
	cache Cache[string]

	foreverTTL time.Duration
}

func newEnv(t *testing.T, mutate func(*Options[string])) *env {
	t.Helper()
	e := &env{clock: newClock(), obs: &recorder{}}
	e.st = memory.New(memory.Config{Now: e.clock.Now})
	opts := Options[string]{
		Store:    e.st,
		Codec:    codec.String{},
		Observer: e.obs,
		Now:      e.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e.foreverTTL = opts.ForeverTTL
	c, err := New[string](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.cache = c
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return e
}

// counters returns an int64 view over the same store, clock and observer.
func (e *env) counters(t *testing.T) Cache[int64] {
	t.Helper()
	c, err := New[int64](Options[int64]{
		Store:      e.st,
		Codec:      codec.Int{},
		Observer:   e.obs,
		ForeverTTL: e.foreverTTL,
		Now:        e.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// records counts value records in the store.
func (e *env) records(t *testing.T) int {
	t.Helper()
	ks, _, err := e.st.Scan(context.Background(), 0, keys.EscapeGlob(keys.ItemPrefix)+"*", 1<<20)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return len(ks)
}

func (e *env) indexLen(t *testing.T, tag string) int64 {
	t.Helper()
	n, err := e.st.ZCard(context.Background(), keys.TagID(keys.Sanitize(tag)))
	if err != nil {
		t.Fatalf("ZCard: %v", err)
	}
	return n
}

func mustPut[V any](t *testing.T, c Cache[V], key string, v V, ttl time.Duration) {
	t.Helper()
	ok, err := c.Put(context.Background(), key, v, ttl)
	if err != nil || !ok {
		t.Fatalf("Put(%q): ok=%v err=%v", key, ok, err)
	}
}

func mustGet[V comparable](t *testing.T, c Cache[V], key string, want V) {
	t.Helper()
	got, ok, err := c.Get(context.Background(), key)
	if err != nil || !ok || got != want {
		t.Fatalf("Get(%q) under %v: got=%v ok=%v err=%v, want %v", key, c.TagNames(), got, ok, err, want)
	}
}

func mustMiss[V any](t *testing.T, c Cache[V], key string) {
	t.Helper()
	got, ok, err := c.Get(context.Background(), key)
	if err != nil || ok {
		t.Fatalf("Get(%q) under %v: expected miss, got=%v ok=%v err=%v", key, c.TagNames(), got, ok, err)
	}
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

func fmtTags(tags []string) string { return fmt.Sprint(tags) }
