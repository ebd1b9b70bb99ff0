// Package asynchook moves Observer calls off the cache's hot path.
//
//	obs := asynchook.New(sloghook.New(slog.Default(), sloghook.Options{}), 1, 1000)
//	defer obs.Close()
//
// Events are queued to a bounded channel and delivered by a worker pool.
// When the queue is full the event is dropped and counted; the cache never
// blocks on its observer. With more than one worker, delivery order across
// events is not preserved.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/tagcache"
)

type Observer struct {
	inner   tagcache.Observer
	q       chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	once    sync.Once
	dropped atomic.Uint64
}

var _ tagcache.Observer = (*Observer)(nil)

func New(inner tagcache.Observer, workers, qlen int) *Observer {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	o := &Observer{inner: inner, q: make(chan func(), qlen)}
	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer o.wg.Done()
			for f := range o.q {
				f()
			}
		}()
	}
	return o
}

// Close drains queued events and stops the workers. Later events are dropped.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.q)
		o.mu.Unlock()
		o.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

func (o *Observer) try(f func()) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.q <- f:
	default:
		o.dropped.Add(1)
	}
}

func (o *Observer) KeyRetrieving(e tagcache.KeyEvent) { o.try(func() { o.inner.KeyRetrieving(e) }) }
func (o *Observer) CacheHit(e tagcache.KeyEvent)      { o.try(func() { o.inner.CacheHit(e) }) }
func (o *Observer) CacheMissed(e tagcache.KeyEvent)   { o.try(func() { o.inner.CacheMissed(e) }) }
func (o *Observer) KeyWriting(e tagcache.KeyEvent)    { o.try(func() { o.inner.KeyWriting(e) }) }
func (o *Observer) KeyWritten(e tagcache.KeyEvent)    { o.try(func() { o.inner.KeyWritten(e) }) }
func (o *Observer) KeyWriteFailed(e tagcache.KeyEvent) {
	o.try(func() { o.inner.KeyWriteFailed(e) })
}
func (o *Observer) KeyForgetting(e tagcache.KeyEvent) { o.try(func() { o.inner.KeyForgetting(e) }) }
func (o *Observer) KeyForgotten(e tagcache.KeyEvent)  { o.try(func() { o.inner.KeyForgotten(e) }) }
func (o *Observer) KeyForgetFailed(e tagcache.KeyEvent) {
	o.try(func() { o.inner.KeyForgetFailed(e) })
}
func (o *Observer) TagFlushed(e tagcache.FlushEvent) { o.try(func() { o.inner.TagFlushed(e) }) }
