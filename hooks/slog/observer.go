// Package sloghook logs cache notifications through log/slog.
//
//	obs := sloghook.New(slog.Default(), sloghook.Options{HitEvery: 100})
//	st, _ := redisstore.New(redisstore.Config{Client: rdb})
//	cache, _ := tagcache.New[User](tagcache.Options[User]{
//	    Store:    st,
//	    Codec:    codec.JSON[User]{},
//	    Observer: asynchook.New(obs, 1, 1000),
//	})
package sloghook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/tagcache"
)

type Options struct {
	// Sampling for the chatty read path; 0/1 = log all.
	HitEvery  uint64
	MissEvery uint64
	// Key redactor. nil keeps keys as they are; HashKeys uses a SHA-256 prefix.
	Redact func(string) string
}

// HashKeys redacts a key to the first 8 bytes of its SHA-256, hex encoded.
func HashKeys(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

// Observer logs reads and writes at Debug, failures at Warn and flushes at Info.
type Observer struct {
	l    *slog.Logger
	opts Options

	hitCtr  atomic.Uint64
	missCtr atomic.Uint64
}

var _ tagcache.Observer = (*Observer)(nil)

func New(l *slog.Logger, opts Options) *Observer {
	return &Observer{l: l, opts: opts}
}

func (o *Observer) key(k string) string {
	if o.opts.Redact != nil {
		return o.opts.Redact(k)
	}
	return k
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (o *Observer) log(lvl slog.Level, msg string, e tagcache.KeyEvent) {
	if o.l == nil || !o.l.Enabled(context.Background(), lvl) {
		return
	}
	attrs := []slog.Attr{
		slog.String("cache", e.Cache),
		slog.String("key", o.key(e.Key)),
	}
	if len(e.Tags) > 0 {
		attrs = append(attrs, slog.Any("tags", e.Tags))
	}
	if e.TTL == tagcache.NoExpiry {
		attrs = append(attrs, slog.Bool("forever", true))
	} else if e.TTL > 0 {
		attrs = append(attrs, slog.Duration("ttl", e.TTL))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	o.l.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func (o *Observer) KeyRetrieving(tagcache.KeyEvent) {}

func (o *Observer) CacheHit(e tagcache.KeyEvent) {
	if sample(o.opts.HitEvery, &o.hitCtr) {
		o.log(slog.LevelDebug, "tagcache.hit", e)
	}
}

func (o *Observer) CacheMissed(e tagcache.KeyEvent) {
	if e.Err != nil {
		o.log(slog.LevelWarn, "tagcache.read_failed", e)
		return
	}
	if sample(o.opts.MissEvery, &o.missCtr) {
		o.log(slog.LevelDebug, "tagcache.miss", e)
	}
}

func (o *Observer) KeyWriting(tagcache.KeyEvent) {}

func (o *Observer) KeyWritten(e tagcache.KeyEvent) { o.log(slog.LevelDebug, "tagcache.written", e) }

func (o *Observer) KeyWriteFailed(e tagcache.KeyEvent) {
	o.log(slog.LevelWarn, "tagcache.write_failed", e)
}

func (o *Observer) KeyForgetting(tagcache.KeyEvent) {}

func (o *Observer) KeyForgotten(e tagcache.KeyEvent) { o.log(slog.LevelDebug, "tagcache.forgotten", e) }

// KeyForgetFailed without an error is a forget of an absent key; not logged.
func (o *Observer) KeyForgetFailed(e tagcache.KeyEvent) {
	if e.Err != nil {
		o.log(slog.LevelWarn, "tagcache.forget_failed", e)
	}
}

func (o *Observer) TagFlushed(e tagcache.FlushEvent) {
	if o.l == nil {
		return
	}
	lvl := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("cache", e.Cache),
		slog.String("tag", e.Tag),
		slog.Int64("deleted", e.Deleted),
	}
	if e.Err != nil {
		lvl = slog.LevelError
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	o.l.LogAttrs(context.Background(), lvl, "tagcache.tag_flushed", attrs...)
}
