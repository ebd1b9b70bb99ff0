// Command tagcache runs maintenance against a tagcache keyspace in Redis.
//
//	tagcache [-addr host:port] [-db n] [-prefix p] [-verbose] <command> [flags]
//
// Commands:
//
//	prune [-verify] [-every 1m]   remove expired (and with -verify, orphaned) index entries
//	stats                         print every tag with its index size
//	flush -tag a [-tag b] | -all  invalidate tags, or the whole keyspace
//
// Global flags fall back to TAGCACHE_ADDR, TAGCACHE_DB, TAGCACHE_PASSWORD and
// TAGCACHE_PREFIX.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/tagcache"
	"github.com/unkn0wn-root/tagcache/codec"
	tagzap "github.com/unkn0wn-root/tagcache/log/zap"
	"github.com/unkn0wn-root/tagcache/store"
	redisstore "github.com/unkn0wn-root/tagcache/store/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv, dialRedis))
}

type config struct {
	addr     string
	db       int
	password string
	prefix   string
	verbose  bool
}

// dialer builds the store for a parsed config. Tests swap it for miniredis.
type dialer func(cfg config) (store.Store, error)

func dialRedis(cfg config) (store.Store, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.addr, DB: cfg.db, Password: cfg.password})
	return redisstore.New(redisstore.Config{Client: rdb, Prefix: cfg.prefix, CloseClient: true})
}

func envOr(getenv func(string) string, name, def string) string {
	if v := getenv(name); v != "" {
		return v
	}
	return def
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: tagcache [flags] prune|stats|flush [command flags]")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string, dial dialer) int {
	var cfg config
	fs := flag.NewFlagSet("tagcache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.addr, "addr", envOr(getenv, "TAGCACHE_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&cfg.password, "password", getenv("TAGCACHE_PASSWORD"), "Redis password")
	fs.StringVar(&cfg.prefix, "prefix", getenv("TAGCACHE_PREFIX"), "key prefix shared with the application")
	fs.BoolVar(&cfg.verbose, "verbose", false, "debug logging to stderr")
	db := fs.String("db", envOr(getenv, "TAGCACHE_DB", "0"), "Redis database number")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	n, err := strconv.Atoi(*db)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -db %q\n", *db)
		return 2
	}
	cfg.db = n

	if fs.NArg() == 0 {
		usage(stderr, fs)
		return 2
	}

	zl := newZap(cfg.verbose)
	defer func() { _ = zl.Sync() }()
	log := tagzap.New(zl, "tagcache")

	st, err := dial(cfg)
	if err != nil {
		log.Error("connect", tagcache.Fields{"addr": cfg.addr, "err": err})
		return 1
	}
	defer func() { _ = st.Close(context.Background()) }()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "prune":
		err = prune(ctx, st, log, rest, stdout, stderr)
	case "stats":
		err = stats(ctx, st, log, stdout)
	case "flush":
		err = flush(ctx, st, log, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr, fs)
		return 2
	}

	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		return 2
	case errors.Is(err, context.Canceled):
		log.Info("interrupted", nil)
		return 130
	default:
		log.Error(cmd+" failed", tagcache.Fields{"err": err})
		return 1
	}
}

type usageError struct{ error }

func newZap(verbose bool) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return zl
}

func prune(ctx context.Context, st store.Store, log tagcache.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verify := fs.Bool("verify", false, "also remove entries whose value record is gone")
	every := fs.Duration("every", 0, "keep running at this interval until interrupted")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}

	p, err := tagcache.NewPruner(st, tagcache.PrunerOptions{Logger: log, VerifyRecords: *verify})
	if err != nil {
		return err
	}
	once := func() error {
		res, err := p.Run(ctx)
		fmt.Fprintf(stdout, "tags=%d expired=%d orphans=%d\n", res.TagsScanned, res.EntriesRemoved, res.OrphansRemoved)
		return err
	}
	if *every <= 0 {
		return once()
	}

	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		if err := once(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("prune failed", tagcache.Fields{"err": err})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func stats(ctx context.Context, st store.Store, log tagcache.Logger, stdout io.Writer) error {
	p, err := tagcache.NewPruner(st, tagcache.PrunerOptions{Logger: log})
	if err != nil {
		return err
	}
	tags, err := p.Stats(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, s := range tags {
		fmt.Fprintf(stdout, "%s\t%d\n", s.Tag, s.Entries)
		total += s.Entries
	}
	fmt.Fprintf(stdout, "%d tag(s), %d entries\n", len(tags), total)
	return nil
}

type tagList []string

func (l *tagList) String() string     { return strings.Join(*l, ",") }
func (l *tagList) Set(v string) error { *l = append(*l, v); return nil }

func flush(ctx context.Context, st store.Store, log tagcache.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("flush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tags tagList
	fs.Var(&tags, "tag", "tag to flush (repeatable)")
	all := fs.Bool("all", false, "flush every record and index in the keyspace")
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if len(tags) == 0 && !*all {
		fmt.Fprintln(stderr, "flush: need -tag or -all")
		return usageError{errors.New("no tags")}
	}
	if len(tags) > 0 && *all {
		fmt.Fprintln(stderr, "flush: -tag and -all are exclusive")
		return usageError{errors.New("conflicting flags")}
	}

	c, err := tagcache.New[[]byte](tagcache.Options[[]byte]{
		Store:  st,
		Codec:  codec.Bytes{},
		Name:   "tagcache-cli",
		Logger: log,
	})
	if err != nil {
		return err
	}
	if _, err := c.Tags(tags...).Flush(ctx); err != nil {
		return err
	}
	if *all {
		fmt.Fprintln(stdout, "flushed keyspace")
	} else {
		fmt.Fprintf(stdout, "flushed %s\n", tags.String())
	}
	return nil
}
