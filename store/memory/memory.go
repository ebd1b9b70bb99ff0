// Package memory provides an in-process store.Store. It mirrors the Redis
// semantics tagcache relies on (TTL values, ordered sets, cursor scans) and
// is meant for tests, local development and single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/unkn0wn-root/tagcache/store"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no expiry
}

func (e entry) expired(now time.Time) bool { return !e.exp.IsZero() && !now.Before(e.exp) }

// Store keeps values and ordered sets in maps guarded by one mutex.
// Scans walk keys and members in sorted order; items added behind a cursor
// are not returned, like Redis SCAN.
type Store struct {
	mu     sync.RWMutex
	values map[string]entry
	zsets  map[string]map[string]float64
	now    func() time.Time

	// scan cursors: id => last key examined. Resuming after a key (rather
	// than an offset) keeps scans exact while callers delete what they saw.
	cursors    map[uint64]string
	nextCursor uint64

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ store.Store = (*Store)(nil)

var ErrNotInteger = errors.New("memory store: value is not an integer")

type Config struct {
	CleanupInterval time.Duration    // 0 disables the background sweep of expired values
	Now             func() time.Time // defaults to time.Now
}

func New(cfg Config) *Store {
	s := &Store{
		values:  make(map[string]entry),
		zsets:   make(map[string]map[string]float64),
		cursors: make(map[uint64]string),
		now:     cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.CleanupInterval > 0 {
		s.ticker = time.NewTicker(cfg.CleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

// Cleanup drops expired values. Reads already treat them as missing.
func (s *Store) Cleanup() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.values {
		if e.expired(now) {
			delete(s.values, k)
		}
	}
	s.mu.Unlock()
}

func (s *Store) live(key string, now time.Time) (entry, bool) {
	e, ok := s.values[key]
	if !ok || e.expired(now) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.live(key, s.now())
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.v...), true, nil
}

func (s *Store) GetMany(_ context.Context, ks []string) ([][]byte, error) {
	now := s.now()
	out := make([][]byte, len(ks))
	s.mu.RLock()
	for i, k := range ks {
		if e, ok := s.live(k, now); ok {
			out[i] = append([]byte(nil), e.v...)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("memory store: non-positive ttl %s", ttl)
	}
	e := entry{v: append([]byte(nil), value...), exp: s.now().Add(ttl)}
	s.mu.Lock()
	s.values[key] = e
	s.mu.Unlock()
	return true, nil
}

func (s *Store) Delete(_ context.Context, ks ...string) (int64, error) {
	now := s.now()
	var n int64
	s.mu.Lock()
	for _, k := range ks {
		if _, ok := s.live(k, now); ok {
			n++
		}
		if _, ok := s.zsets[k]; ok {
			n++
		}
		delete(s.values, k)
		delete(s.zsets, k)
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) Exists(_ context.Context, ks ...string) (int64, error) {
	now := s.now()
	var n int64
	s.mu.RLock()
	for _, k := range ks {
		if _, ok := s.live(k, now); ok {
			n++
		} else if _, ok := s.zsets[k]; ok {
			n++
		}
	}
	s.mu.RUnlock()
	return n, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, now)
	var cur int64
	if ok {
		v, err := strconv.ParseInt(string(e.v), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = v
	}
	cur += delta
	e.v = []byte(strconv.FormatInt(cur, 10))
	if e.exp.IsZero() && ttl > 0 {
		e.exp = now.Add(ttl)
	}
	s.values[key] = e
	return cur, nil
}

func (s *Store) ZAdd(_ context.Context, key, member string, score float64, onlyIfGreater bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	if cur, exists := z[member]; exists && onlyIfGreater && score <= cur {
		return nil
	}
	z[member] = score
	return nil
}

func (s *Store) ZScan(_ context.Context, key string, cursor uint64, match string, count int64) ([]string, uint64, error) {
	s.mu.RLock()
	z := s.zsets[key]
	all := make([]string, 0, len(z))
	for m := range z {
		all = append(all, m)
	}
	s.mu.RUnlock()
	sort.Strings(all)
	return s.page(all, cursor, match, count)
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return n, nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key string, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for m, score := range z {
		if score <= max {
			delete(z, m)
			n++
		}
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return n, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	n := len(s.zsets[key])
	s.mu.RUnlock()
	return int64(n), nil
}

// ZScore is a test helper (not part of store.Store).
func (s *Store) ZScore(key, member string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.zsets[key][member]
	return v, ok
}

func (s *Store) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	now := s.now()
	s.mu.RLock()
	all := make([]string, 0, len(s.values)+len(s.zsets))
	for k, e := range s.values {
		if !e.expired(now) {
			all = append(all, k)
		}
	}
	for k := range s.zsets {
		all = append(all, k)
	}
	s.mu.RUnlock()
	sort.Strings(all)
	return s.page(all, cursor, match, count)
}

const maxOpenCursors = 1024

// page examines at most count items of sorted after the key remembered for
// cursor, like Redis does (a page may come back empty with a non-zero cursor).
// An unknown cursor restarts from the beginning.
func (s *Store) page(sorted []string, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}
	if match == "" {
		match = "*"
	}

	start := 0
	if cursor != 0 {
		s.mu.Lock()
		after, ok := s.cursors[cursor]
		delete(s.cursors, cursor)
		s.mu.Unlock()
		if ok {
			start = sort.Search(len(sorted), func(i int) bool { return sorted[i] > after })
		}
	}
	if start >= len(sorted) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end > len(sorted) {
		end = len(sorted)
	}

	var out []string
	for _, k := range sorted[start:end] {
		if Match(match, k) {
			out = append(out, k)
		}
	}
	if end == len(sorted) {
		return out, 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cursors) >= maxOpenCursors {
		s.evictOldestCursor()
	}
	s.nextCursor++
	s.cursors[s.nextCursor] = sorted[end-1]
	return out, s.nextCursor, nil
}

// evictOldestCursor forgets the least recently issued cursor. Ids grow
// monotonically, so the smallest one is the oldest. Caller holds s.mu.
func (s *Store) evictOldestCursor() {
	var oldest uint64
	for id := range s.cursors {
		if oldest == 0 || id < oldest {
			oldest = id
		}
	}
	delete(s.cursors, oldest)
}

func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop() // stop ticker before waiting
			s.wg.Wait()
		}
	})
	return nil
}
