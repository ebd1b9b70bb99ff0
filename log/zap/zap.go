// Package zap adapts a *zap.Logger to tagcache.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/tagcache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ tagcache.Logger = Logger{}

// Logger writes through L. An error under the "err" field becomes zap's
// standard "error" field. A nil L discards everything.
type Logger struct{ L *zap.Logger }

// New names the logger after the cache it serves.
func New(l *zap.Logger, cacheName string) Logger {
	return Logger{L: l.Named(cacheName)}
}

func (z Logger) Debug(msg string, f tagcache.Fields) { z.log(zap.DebugLevel, msg, f) }
func (z Logger) Info(msg string, f tagcache.Fields)  { z.log(zap.InfoLevel, msg, f) }
func (z Logger) Warn(msg string, f tagcache.Fields)  { z.log(zap.WarnLevel, msg, f) }
func (z Logger) Error(msg string, f tagcache.Fields) { z.log(zap.ErrorLevel, msg, f) }

func (z Logger) log(lvl zapcore.Level, msg string, f tagcache.Fields) {
	if z.L == nil {
		return
	}
	if ce := z.L.Check(lvl, msg); ce != nil {
		ce.Write(fields(f)...)
	}
}

func fields(f tagcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]zap.Field, 0, len(f))
	for _, k := range names {
		if err, ok := f[k].(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
