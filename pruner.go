package tagcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/tagcache/internal/keys"
	"github.com/unkn0wn-root/tagcache/store"
)

// PrunerOptions configure a Pruner.
type PrunerOptions struct {
	ScanCount int64            // 0 => DefaultScanCount
	Now       func() time.Time // nil => time.Now
	Logger    Logger           // nil => NopLogger

	// VerifyRecords also removes entries whose value record is gone
	// (e.g. after Forget) even though their score has not passed yet.
	// Costs one existence check per entry.
	VerifyRecords bool
}

// PruneResult counts what one Run did. On error it holds the partial counts.
type PruneResult struct {
	TagsScanned    int64
	EntriesRemoved int64 // expired by score
	OrphansRemoved int64 // live score, missing value record
}

// Pruner removes expired entries from every tag index in the store.
// It is independent of any Cache and safe to run from another process.
type Pruner struct {
	st      store.Store
	index   IndexOptions
	log     Logger
	verify  bool
	running sync.Mutex

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

var ErrPrunerStarted = errors.New("tagcache: pruner already started")

func NewPruner(st store.Store, opts PrunerOptions) (*Pruner, error) {
	if st == nil {
		return nil, store.ErrNilStore
	}
	return &Pruner{
		st:     st,
		index:  IndexOptions{ScanCount: opts.ScanCount, Now: opts.Now}.withDefaults(),
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		verify: opts.VerifyRecords,
	}, nil
}

// Run makes one pass over all tag indexes. It stops at the first store error
// or when ctx is done. Concurrent calls on one Pruner are serialized.
func (p *Pruner) Run(ctx context.Context) (PruneResult, error) {
	p.running.Lock()
	defer p.running.Unlock()

	var (
		res    PruneResult
		cursor uint64
	)
	now := p.index.Now()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ids, next, err := p.st.Scan(ctx, cursor, keys.TagPattern(), p.index.ScanCount)
		if err != nil {
			return res, fmt.Errorf("scan tags: %w", err)
		}
		for _, id := range ids {
			name, ok := keys.TagName(id)
			if !ok {
				continue
			}
			res.TagsScanned++
			if err := p.prune(ctx, newTagIndex(p.st, name, p.index), now, &res); err != nil {
				return res, err
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	p.log.Debug("prune finished", Fields{
		"tags":    res.TagsScanned,
		"expired": res.EntriesRemoved,
		"orphans": res.OrphansRemoved,
	})
	return res, nil
}

// TagStat is the size of one tag index.
type TagStat struct {
	Tag     string // as passed to Cache.Tags
	Entries int64  // stale entries included
}

// Stats lists every tag index in the store with its size, in scan order.
func (p *Pruner) Stats(ctx context.Context) ([]TagStat, error) {
	var (
		out    []TagStat
		cursor uint64
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ids, next, err := p.st.Scan(ctx, cursor, keys.TagPattern(), p.index.ScanCount)
		if err != nil {
			return out, fmt.Errorf("scan tags: %w", err)
		}
		for _, id := range ids {
			name, ok := keys.TagName(id)
			if !ok {
				continue
			}
			n, err := newTagIndex(p.st, name, p.index).Len(ctx)
			if err != nil {
				return out, fmt.Errorf("count %q: %w", name, err)
			}
			out = append(out, TagStat{Tag: keys.Desanitize(name), Entries: n})
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (p *Pruner) prune(ctx context.Context, idx *TagIndex, now time.Time, res *PruneResult) error {
	n, err := idx.RemoveExpired(ctx, now)
	res.EntriesRemoved += n
	if err != nil {
		return fmt.Errorf("prune %q: %w", idx.Name(), err)
	}
	if !p.verify {
		return nil
	}

	var orphans []string
	for member, err := range idx.Entries(ctx, "") {
		if err != nil {
			return err
		}
		live, err := p.st.Exists(ctx, member)
		if err != nil {
			return fmt.Errorf("prune %q: %w", idx.Name(), err)
		}
		if live == 0 {
			orphans = append(orphans, member)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	n, err = idx.Remove(ctx, orphans...)
	res.OrphansRemoved += n
	if err != nil {
		return fmt.Errorf("prune %q: %w", idx.Name(), err)
	}
	return nil
}

// Start runs the Pruner every interval until Close. Failed runs are logged.
func (p *Pruner) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tagcache: non-positive prune interval %s", interval)
	}
	started := false
	p.startOnce.Do(func() {
		started = true
		p.ticker = time.NewTicker(interval)
		p.stopCh = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer cancel()
			for {
				select {
				case <-p.ticker.C:
					if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
						p.log.Error("prune failed", Fields{"err": err})
					}
				case <-p.stopCh:
					return
				}
			}
		}()
		go func() {
			<-p.stopCh
			cancel()
		}()
	})
	if !started {
		return ErrPrunerStarted
	}
	return nil
}

// Close stops the background loop, waiting for an in-flight run to
// observe cancellation. The store is not closed.
func (p *Pruner) Close() error {
	p.closeOnce.Do(func() {
		p.startOnce.Do(func() {}) // a later Start becomes a no-op
		if p.stopCh != nil {
			close(p.stopCh)
			p.ticker.Stop()
			p.wg.Wait()
		}
	})
	return nil
}
