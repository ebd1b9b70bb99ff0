// Package tagcache adds tag-based invalidation to a Redis-like store.
//
// Values are written under one or more tags; flushing any tag invalidates
// every value written under it, across processes sharing the store. The tag
// order used on write does not matter for reads.
//
// Components:
//   - Store: remote key-value store with TTLs and ordered sets (store/redis,
//     store/memory).
//   - Codec[V]: (de)serializes V <-> []byte (package codec).
//   - TagIndex: one ordered set per tag, mapping composite keys to their
//     expiration time.
//   - Cache[V]: the tagged façade (Get, Put, Forget, Flush, ...).
//   - Pruner: removes expired index entries out of band.
//
// Keys:
//
//	item\x00<tag1>\x1e<tag2>\x1f<key>   value records
//	tags\x00<tag>                       tag indexes
//
// Reserved characters @ ( ) { } / \ : in keys and tag names are replaced by
// distinct control bytes, so "a:b" and "a.b" never collide.
//
// Usage:
//
//	st, _ := redisstore.New(redisstore.Config{Client: rdb, Prefix: "app:"})
//	users, _ := tagcache.New[User](tagcache.Options[User]{Store: st, Codec: codec.JSON[User]{}})
//	_, _ = users.Tags("users", "org:7").Put(ctx, "user:1", u, time.Hour)
//	u, ok, _ := users.Tags("org:7", "users").Get(ctx, "user:1") // hit
//	_, _ = users.Tags("org:7").Flush(ctx)                       // invalidates user:1
package tagcache
