package tagcache

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/tagcache/codec"
	"github.com/unkn0wn-root/tagcache/internal/keys"
)

// ==============================
// Lookup and tag order
// ==============================

// TestTagOrderIndependence writes under one ordering and reads under every other.
func TestTagOrderIndependence(t *testing.T) {
	e := newEnv(t, nil)
	key := "user:" + uuid.NewString()

	mustPut(t, e.cache.Tags("a", "b", "c"), key, "v1", time.Hour)
	for _, p := range permutations([]string{"a", "b", "c"}) {
		t.Run(fmtTags(p), func(t *testing.T) {
			mustGet(t, e.cache.Tags(p...), key, "v1")
		})
	}

	// any single tag of the write reaches the record through its index
	mustGet(t, e.cache.Tags("b"), key, "v1")
	// an unrelated tag does not
	mustMiss(t, e.cache.Tags("z"), key)
}

// TestUntaggedAndTaggedCoexist checks the untagged keyspace is its own namespace.
func TestUntaggedAndTaggedCoexist(t *testing.T) {
	e := newEnv(t, nil)

	mustPut(t, e.cache, "user:1", "alice", 5*time.Second)
	mustPut(t, e.cache.Tags("profile"), "user:1", "alice-v2", 5*time.Second)

	mustGet(t, e.cache, "user:1", "alice")
	mustGet(t, e.cache.Tags("profile"), "user:1", "alice-v2")
	if n := e.records(t); n != 2 {
		t.Fatalf("expected 2 independent records, got %d", n)
	}
}

// TestPutReusesCompositeKey overwrites in place instead of minting a second record.
func TestPutReusesCompositeKey(t *testing.T) {
	e := newEnv(t, nil)

	mustPut(t, e.cache.Tags("a", "b"), "k", "v1", time.Hour)
	mustPut(t, e.cache.Tags("b", "a"), "k", "v2", time.Hour)

	if n := e.records(t); n != 1 {
		t.Fatalf("expected one record after rewrite, got %d", n)
	}
	mustGet(t, e.cache.Tags("a", "b"), "k", "v2")
	if e.indexLen(t, "a") != 1 || e.indexLen(t, "b") != 1 {
		t.Fatalf("index grew on rewrite: a=%d b=%d", e.indexLen(t, "a"), e.indexLen(t, "b"))
	}
}

// TestReservedCharacterKeys round-trips keys and tags holding reserved characters.
func TestReservedCharacterKeys(t *testing.T) {
	e := newEnv(t, nil)
	tagged := e.cache.Tags("org:{7}", `path/to\x`)

	for _, k := range []string{"a:b/c", `{x}(y)@z\w`, "plain"} {
		mustPut(t, tagged, k, "v:"+k, time.Hour)
		mustGet(t, tagged, k, "v:"+k)
		mustPut(t, e.cache, k, "u:"+k, time.Hour)
		mustGet(t, e.cache, k, "u:"+k)
	}

	mustPut(t, e.cache, "a.b", "dot", time.Hour)
	mustPut(t, e.cache, "a:b", "colon", time.Hour)
	mustGet(t, e.cache, "a.b", "dot")
	mustGet(t, e.cache, "a:b", "colon")
}

// TestStaleIndexEntryIsMiss removes a value behind the index's back.
func TestStaleIndexEntryIsMiss(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	mustPut(t, e.cache.Tags("a"), "k", "v", time.Hour)

	if _, err := e.st.Delete(ctx, keys.Compose([]string{"a"}, "k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mustMiss(t, e.cache.Tags("a"), "k")
	if e.indexLen(t, "a") != 1 {
		t.Fatalf("stale entry should stay until pruned")
	}
}

// ==============================
// Writes
// ==============================

func TestRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	tagged := e.cache.Tags("users")
	want := map[string]string{}
	for i := 0; i < 20; i++ {
		k := uuid.NewString()
		want[k] = uuid.NewString()
		mustPut(t, tagged, k, want[k], time.Minute)
	}
	for k, v := range want {
		mustGet(t, tagged, k, v)
	}
}

func TestPutForget(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.cache.Tags("a", "b")

	mustPut(t, c, "k", "v", time.Hour)
	if ok, err := c.Forget(ctx, "k"); err != nil || !ok {
		t.Fatalf("Forget: ok=%v err=%v", ok, err)
	}
	mustMiss(t, c, "k")
	mustMiss(t, e.cache.Tags("b"), "k")

	if ok, err := c.Forget(ctx, "k"); err != nil || ok {
		t.Fatalf("second Forget should report false, ok=%v err=%v", ok, err)
	}
}

func TestAddTwice(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.cache.Tags("a")

	if ok, err := c.Add(ctx, "k", "v1", time.Hour); err != nil || !ok {
		t.Fatalf("first Add: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Add(ctx, "k", "v2", time.Hour); err != nil || ok {
		t.Fatalf("second Add: ok=%v err=%v", ok, err)
	}
	mustGet(t, c, "k", "v1")

	if ok, _ := c.Add(ctx, "other", "v", 0); ok {
		t.Fatalf("Add with non-positive ttl must not write")
	}
}

// TestNonPositiveTTLForgets treats ttl <= 0 as an immediate delete.
func TestNonPositiveTTLForgets(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	mustPut(t, e.cache, "k", "v", time.Hour)

	if ok, err := e.cache.Put(ctx, "k", "v2", -time.Second); err != nil || !ok {
		t.Fatalf("Put(ttl<0): ok=%v err=%v", ok, err)
	}
	mustMiss(t, e.cache, "k")
}

func TestExpiry(t *testing.T) {
	e := newEnv(t, nil)
	c := e.cache.Tags("a")
	mustPut(t, c, "k", "v", time.Second)

	e.clock.Advance(2 * time.Second)
	mustMiss(t, c, "k")
	if e.indexLen(t, "a") != 1 {
		t.Fatalf("index entry should outlive the value until pruned")
	}
}

// TestForever bounds "forever" by ForeverTTL on both the record and the index.
func TestForever(t *testing.T) {
	e := newEnv(t, func(o *Options[string]) { o.ForeverTTL = 48 * time.Hour })
	ctx := context.Background()
	c := e.cache.Tags("a")

	if ok, err := c.Forever(ctx, "k", "v"); err != nil || !ok {
		t.Fatalf("Forever: ok=%v err=%v", ok, err)
	}
	mustPut(t, c, "k2", "v2", NoExpiry)

	score, ok := e.st.ZScore(keys.TagID("a"), keys.Compose([]string{"a"}, "k"))
	if !ok || int64(score) != e.clock.Now().Add(48*time.Hour).Unix() {
		t.Fatalf("forever score = %v (ok=%v)", score, ok)
	}

	e.clock.Advance(47 * time.Hour)
	mustGet(t, c, "k", "v")
	mustGet(t, c, "k2", "v2")
	e.clock.Advance(2 * time.Hour)
	mustMiss(t, c, "k")
}

func TestIncrementDecrement(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	counters := e.counters(t).Tags("counters")

	for i := 1; i <= 3; i++ {
		n, err := counters.Increment(ctx, "hits", 1)
		if err != nil || n != int64(i) {
			t.Fatalf("Increment #%d: n=%d err=%v", i, n, err)
		}
	}
	if n, err := counters.Decrement(ctx, "hits", 2); err != nil || n != 1 {
		t.Fatalf("Decrement: n=%d err=%v", n, err)
	}
	mustGet(t, counters, "hits", int64(1))

	mustPut(t, counters, "visits", int64(10), time.Hour)
	if n, err := counters.Increment(ctx, "visits", 5); err != nil || n != 15 {
		t.Fatalf("Increment after Put: n=%d err=%v", n, err)
	}

	if ok, err := counters.Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	mustMiss(t, counters, "hits")
}

// TestIncrementKeepsLongerIndexScore registers counters without shortening an entry.
func TestIncrementKeepsLongerIndexScore(t *testing.T) {
	e := newEnv(t, func(o *Options[string]) { o.ForeverTTL = time.Hour })
	ctx := context.Background()
	counters := e.counters(t).Tags("c")
	member := keys.Compose([]string{"c"}, "n")

	mustPut(t, counters, "n", int64(1), 10*time.Hour)
	before, _ := e.st.ZScore(keys.TagID("c"), member)

	if _, err := counters.Increment(ctx, "n", 1); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	after, _ := e.st.ZScore(keys.TagID("c"), member)
	if before != after {
		t.Fatalf("increment changed score %v -> %v", before, after)
	}
}

// TestIncrementExtendsShorterIndexScore covers the stale entry Forget leaves
// behind: the new counter must stay reachable from its tag after pruning.
func TestIncrementExtendsShorterIndexScore(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	counters := e.counters(t).Tags("c")
	member := keys.Compose([]string{"c"}, "n")

	mustPut(t, counters, "n", int64(1), 5*time.Second)
	before, _ := e.st.ZScore(keys.TagID("c"), member)
	if ok, err := counters.Forget(ctx, "n"); err != nil || !ok {
		t.Fatalf("Forget: ok=%v err=%v", ok, err)
	}
	if n, err := counters.Increment(ctx, "n", 1); err != nil || n != 1 {
		t.Fatalf("Increment: n=%d err=%v", n, err)
	}
	after, _ := e.st.ZScore(keys.TagID("c"), member)
	if after <= before {
		t.Fatalf("increment kept short score %v (was %v)", after, before)
	}

	e.clock.Advance(10 * time.Second)
	res, err := newTestPruner(t, e, false).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EntriesRemoved != 0 {
		t.Fatalf("pruner removed a live counter entry: %+v", res)
	}
	mustGet(t, counters, "n", int64(1))

	if ok, err := counters.Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	mustMiss(t, counters, "n")
	if n := e.records(t); n != 0 {
		t.Fatalf("%d records survived the flush", n)
	}
}

// ==============================
// Read helpers
// ==============================

func TestRemember(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.cache.Tags("a")

	calls := 0
	fn := func(context.Context) (string, error) { calls++; return "computed", nil }

	for i := 0; i < 3; i++ {
		v, err := c.Remember(ctx, "k", time.Hour, fn)
		if err != nil || v != "computed" {
			t.Fatalf("Remember: v=%q err=%v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("producer called %d times", calls)
	}

	_, err := c.Remember(ctx, "failing", time.Hour, func(context.Context) (string, error) { return "", errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("Remember should return the producer error, got %v", err)
	}
	mustMiss(t, c, "failing")

	if _, err := c.RememberForever(ctx, "", fn); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("RememberForever(\"\"): %v", err)
	}
}

func TestPullHasMissingMany(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.cache.Tags("a")

	if ok, err := c.PutMany(ctx, map[string]string{"x": "1", "y": "2"}, time.Hour); err != nil || !ok {
		t.Fatalf("PutMany: ok=%v err=%v", ok, err)
	}
	got, err := c.Many(ctx, []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("Many: %v", err)
	}
	if diff := deep.Equal(got, map[string]string{"x": "1", "y": "2"}); diff != nil {
		t.Fatalf("Many: %v", diff)
	}

	if ok, _ := c.Has(ctx, "x"); !ok {
		t.Fatalf("Has(x) = false")
	}
	if missing, _ := c.Missing(ctx, "z"); !missing {
		t.Fatalf("Missing(z) = false")
	}

	v, ok, err := c.Pull(ctx, "x")
	if err != nil || !ok || v != "1" {
		t.Fatalf("Pull: v=%q ok=%v err=%v", v, ok, err)
	}
	mustMiss(t, c, "x")
	if _, ok, _ := c.Pull(ctx, "x"); ok {
		t.Fatalf("second Pull should miss")
	}
}

// TestUndecodableRecordIsMiss reads a string record through an int codec.
func TestUndecodableRecordIsMiss(t *testing.T) {
	e := newEnv(t, nil)
	mustPut(t, e.cache, "k", "not a number", time.Hour)
	mustMiss(t, e.counters(t), "k")
}

// ==============================
// Flush
// ==============================

// TestFlushAnyTag invalidates a multi-tag value through one of its tags.
func TestFlushAnyTag(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	mustPut(t, e.cache.Tags("A", "B"), "joint", "v", time.Hour)
	mustPut(t, e.cache.Tags("B"), "sibling", "s", time.Hour)
	mustPut(t, e.cache, "untagged", "u", time.Hour)

	if ok, err := e.cache.Tags("A").Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	mustMiss(t, e.cache.Tags("A"), "joint")
	mustMiss(t, e.cache.Tags("B"), "joint")
	mustMiss(t, e.cache.Tags("A", "B"), "joint")
	mustGet(t, e.cache.Tags("B"), "sibling", "s")
	mustGet(t, e.cache, "untagged", "u")

	if e.indexLen(t, "A") != 0 {
		t.Fatalf("flushed index should be dropped")
	}
	if len(e.obs.flushes) != 1 || e.obs.flushes[0].Tag != "A" || e.obs.flushes[0].Deleted != 1 {
		t.Fatalf("unexpected flush events: %+v", e.obs.flushes)
	}
}

// TestFlushBatches deletes more records than one scan page holds.
// TestSubsetViewPutKeepsSiblingIndex overwrites a multi-tag record through a
// view holding only some of its tags, then flushes one of the others.
func TestSubsetViewPutKeepsSiblingIndex(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	joint := keys.Compose([]string{"A", "B"}, "k")

	mustPut(t, e.cache.Tags("A", "B"), "k", "v1", 5*time.Second)
	mustPut(t, e.cache.Tags("A"), "k", "v2", time.Hour)
	if n := e.records(t); n != 1 {
		t.Fatalf("overwrite created %d records", n)
	}
	scoreA, _ := e.st.ZScore(keys.TagID("A"), joint)
	scoreB, _ := e.st.ZScore(keys.TagID("B"), joint)
	if scoreA != scoreB {
		t.Fatalf("indexes disagree on %q: A=%v B=%v", joint, scoreA, scoreB)
	}

	e.clock.Advance(10 * time.Second)
	if _, err := newTestPruner(t, e, false).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mustGet(t, e.cache.Tags("A"), "k", "v2")

	if ok, err := e.cache.Tags("B").Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	mustMiss(t, e.cache.Tags("A"), "k")
	mustMiss(t, e.cache.Tags("A", "B"), "k")
}

func TestFlushBatches(t *testing.T) {
	e := newEnv(t, func(o *Options[string]) { o.ScanCount = 3 })
	ctx := context.Background()
	c := e.cache.Tags("bulk")
	for i := 0; i < 10; i++ {
		mustPut(t, c, uuid.NewString(), "v", time.Hour)
	}
	if ok, err := c.Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	if n := e.records(t); n != 0 {
		t.Fatalf("%d records survived the flush", n)
	}
}

// TestFlushPartialFailure keeps the failed tag's index for a retry.
func TestFlushPartialFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	mustPut(t, e.cache.Tags("a"), "ka", "v", time.Hour)
	mustPut(t, e.cache.Tags("b"), "kb", "v", time.Hour)

	fs := &faultyStore{Store: e.st, zscanErr: map[string]error{keys.TagID("b"): errBoom}}
	c, err := New[string](Options[string]{Store: fs, Codec: codec.String{}, Now: e.clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := c.Tags("a", "b").Flush(ctx)
	var ferr *FlushError
	if ok || !errors.As(err, &ferr) {
		t.Fatalf("expected *FlushError, ok=%v err=%v", ok, err)
	}
	if _, failed := ferr.Failed["b"]; !failed || len(ferr.Failed) != 1 {
		t.Fatalf("unexpected failures: %v", ferr.Failed)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("FlushError should unwrap to the store error")
	}

	mustMiss(t, e.cache.Tags("a"), "ka")
	mustGet(t, e.cache.Tags("b"), "kb", "v")
	if e.indexLen(t, "b") != 1 {
		t.Fatalf("failed tag lost its index")
	}
}

// TestUntaggedFlushClearsKeyspace drops every record and index.
func TestUntaggedFlushClearsKeyspace(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	mustPut(t, e.cache, "k", "v", time.Hour)
	mustPut(t, e.cache.Tags("a", "b"), "k", "v", time.Hour)
	if _, err := e.st.Set(ctx, "foreign", []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if ok, err := e.cache.Flush(ctx); err != nil || !ok {
		t.Fatalf("Flush: ok=%v err=%v", ok, err)
	}
	if n := e.records(t); n != 0 {
		t.Fatalf("%d records survived", n)
	}
	if e.indexLen(t, "a")+e.indexLen(t, "b") != 0 {
		t.Fatalf("indexes survived")
	}
	if _, ok, _ := e.st.Get(ctx, "foreign"); !ok {
		t.Fatalf("flush touched a key outside the tagcache keyspace")
	}
}

// ==============================
// Input validation and notifications
// ==============================

func TestInvalidInput(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	for _, k := range []string{"", "a\x1fb", "a\x00"} {
		if _, _, err := e.cache.Get(ctx, k); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Get(%q): %v", k, err)
		}
		if ok, err := e.cache.Put(ctx, k, "v", time.Hour); ok || !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): ok=%v err=%v", k, ok, err)
		}
		if _, err := e.cache.Increment(ctx, k, 1); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Increment(%q): %v", k, err)
		}
	}

	bad := e.cache.Tags("ok", "")
	if _, err := bad.Put(ctx, "k", "v", time.Hour); !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("Put under invalid tag: %v", err)
	}
	if _, err := bad.Flush(ctx); !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("Flush under invalid tag: %v", err)
	}

	if n := e.records(t); n != 0 {
		t.Fatalf("invalid input wrote %d records", n)
	}
	if got := e.obs.take(); len(got) != 0 {
		t.Fatalf("invalid input notified: %v", got)
	}
}

func TestNotifications(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	c := e.cache.Tags("a")
	n := e.counters(t).Tags("a")

	steps := []struct {
		name string
		do   func()
		want []string
	}{
		{"miss", func() { _, _, _ = c.Get(ctx, "k") }, []string{"retrieving:k", "missed:k"}},
		{"put", func() { _, _ = c.Put(ctx, "k", "v", time.Hour) }, []string{"writing:k", "written:k"}},
		{"hit", func() { _, _, _ = c.Get(ctx, "k") }, []string{"retrieving:k", "hit:k"}},
		{"forget", func() { _, _ = c.Forget(ctx, "k") }, []string{"forgetting:k", "forgotten:k"}},
		{"forget absent", func() { _, _ = c.Forget(ctx, "k") }, []string{"forgetting:k", "forget_failed:k"}},
		{"increment", func() { _, _ = n.Increment(ctx, "n", 2) }, []string{"writing:n", "written:n"}},
		{"decrement", func() { _, _ = n.Decrement(ctx, "n", 1) }, []string{"writing:n", "written:n"}},
	}
	for _, s := range steps {
		s.do()
		if diff := deep.Equal(e.obs.take(), s.want); diff != nil {
			t.Fatalf("%s: %v", s.name, diff)
		}
	}
}

func TestWriteFailureNotifies(t *testing.T) {
	e := newEnv(t, nil)
	fs := &faultyStore{Store: e.st, setErr: errBoom}
	c, err := New[string](Options[string]{Store: fs, Codec: codec.String{}, Observer: e.obs, Now: e.clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ok, err := c.Put(context.Background(), "k", "v", time.Hour)
	if ok || !errors.Is(err, errBoom) {
		t.Fatalf("Put: ok=%v err=%v", ok, err)
	}
	want := []string{"writing:k", "write_failed:k"}
	if got := e.obs.take(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}

	// a counter over a non-integer record fails in the store
	mustPut(t, e.cache, "text", "not a number", time.Hour)
	e.obs.take()
	counters := e.counters(t)
	if _, err := counters.Increment(context.Background(), "text", 1); err == nil {
		t.Fatalf("Increment over text should fail")
	}
	want = []string{"writing:text", "write_failed:text"}
	if got := e.obs.take(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestNewRequiresStoreAndCodec(t *testing.T) {
	if _, err := New[string](Options[string]{Codec: codec.String{}}); err == nil {
		t.Fatalf("New without store should fail")
	}
	e := newEnv(t, nil)
	if _, err := New[string](Options[string]{Store: e.st}); err == nil {
		t.Fatalf("New without codec should fail")
	}
}
