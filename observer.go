package tagcache

import "time"

// KeyEvent describes one key-level notification. Key is the caller's key
// (not the composite key). TTL is NoExpiry for forever writes.
type KeyEvent struct {
	Cache string
	Key   string
	Tags  []string
	TTL   time.Duration
	Err   error
}

// FlushEvent reports the outcome of flushing one tag.
type FlushEvent struct {
	Cache   string
	Tag     string
	Deleted int64 // value records removed
	Err     error // non-nil => flush of this tag was partial
}

// Observer receives the cache's notifications.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Observer interface {
	// Every Get emits KeyRetrieving followed by exactly one of CacheHit/CacheMissed.
	KeyRetrieving(e KeyEvent)
	CacheHit(e KeyEvent)
	CacheMissed(e KeyEvent)

	KeyWriting(e KeyEvent)
	KeyWritten(e KeyEvent)
	KeyWriteFailed(e KeyEvent)

	KeyForgetting(e KeyEvent)
	KeyForgotten(e KeyEvent)
	KeyForgetFailed(e KeyEvent)

	TagFlushed(e FlushEvent)
}

// NopObserver is the default no-op
type NopObserver struct{}

func (NopObserver) KeyRetrieving(KeyEvent)   {}
func (NopObserver) CacheHit(KeyEvent)        {}
func (NopObserver) CacheMissed(KeyEvent)     {}
func (NopObserver) KeyWriting(KeyEvent)      {}
func (NopObserver) KeyWritten(KeyEvent)      {}
func (NopObserver) KeyWriteFailed(KeyEvent)  {}
func (NopObserver) KeyForgetting(KeyEvent)   {}
func (NopObserver) KeyForgotten(KeyEvent)    {}
func (NopObserver) KeyForgetFailed(KeyEvent) {}
func (NopObserver) TagFlushed(FlushEvent)    {}
