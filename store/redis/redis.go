package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tagcache/internal/keys"
	"github.com/unkn0wn-root/tagcache/store"
)

var ErrNilClient = errors.New("redis store: nil client")

// Redis is a store.Store over a go-redis UniversalClient (single node,
// sentinel or cluster). Every key is prefixed with Config.Prefix.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ store.Store = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	Prefix      string // e.g. "app:prod:"; applied to value records and tag indexes
	CloseClient bool   // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

func (s *Redis) key(k string) string { return s.prefix + k }

func (s *Redis) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.prefix + k
	}
	return out
}

func (s *Redis) pattern(match string) string {
	if match == "" {
		match = "*"
	}
	return keys.EscapeGlob(s.prefix) + match
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Redis) GetMany(ctx context.Context, ks []string) ([][]byte, error) {
	if len(ks) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, s.keys(ks)...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ks))
	for i, v := range vals {
		switch vv := v.(type) {
		case nil:
		case string:
			out[i] = []byte(vv)
		case []byte:
			out[i] = vv
		default:
			return nil, fmt.Errorf("redis store: unexpected MGET reply %T at %d", v, i)
		}
	}
	return out, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis store: non-positive ttl %s", ttl)
	}
	if err := s.rdb.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Redis) Delete(ctx context.Context, ks ...string) (int64, error) {
	if len(ks) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, s.keys(ks)...).Result()
}

func (s *Redis) Exists(ctx context.Context, ks ...string) (int64, error) {
	if len(ks) == 0 {
		return 0, nil
	}
	return s.rdb.Exists(ctx, s.keys(ks)...).Result()
}

// IncrBy pipelines INCRBY + TTL in one round-trip and sets the expiry only
// when the counter has none (freshly created).
func (s *Redis) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	k := s.key(key)

	var (
		incr *goredis.IntCmd
		left *goredis.DurationCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.IncrBy(ctx, k, delta)
		left = p.TTL(ctx, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	// -1 => key exists without expiry.
	if ttl > 0 && left.Val() == -1 {
		if err := s.rdb.Expire(ctx, k, ttl).Err(); err != nil {
			return incr.Val(), err
		}
	}
	return incr.Val(), nil
}

func (s *Redis) ZAdd(ctx context.Context, key, member string, score float64, onlyIfGreater bool) error {
	z := goredis.Z{Score: score, Member: member}
	if onlyIfGreater {
		return s.rdb.ZAddGT(ctx, s.key(key), z).Err()
	}
	return s.rdb.ZAdd(ctx, s.key(key), z).Err()
}

// ZScan drops the scores from the interleaved member/score reply.
func (s *Redis) ZScan(ctx context.Context, key string, cursor uint64, match string, count int64) ([]string, uint64, error) {
	if match == "" {
		match = "*"
	}
	pairs, next, err := s.rdb.ZScan(ctx, s.key(key), cursor, match, count).Result()
	if err != nil {
		return nil, 0, err
	}
	members := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		members = append(members, pairs[i])
	}
	return members, next, nil
}

func (s *Redis) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, s.key(key), args...).Result()
}

func (s *Redis) ZRemRangeByScore(ctx context.Context, key string, max float64) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, s.key(key), "-inf", strconv.FormatFloat(max, 'f', -1, 64)).Result()
}

func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, s.key(key)).Result()
}

// Scan strips the store prefix from returned keys.
func (s *Redis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	ks, next, err := s.rdb.Scan(ctx, cursor, s.pattern(match), count).Result()
	if err != nil {
		return nil, 0, err
	}
	if s.prefix == "" {
		return ks, next, nil
	}
	out := ks[:0]
	for _, k := range ks {
		if len(k) >= len(s.prefix) && k[:len(s.prefix)] == s.prefix {
			out = append(out, k[len(s.prefix):])
		}
	}
	return out, next, nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
