// Package logrus adapts a *logrus.Entry to tagcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/tagcache"
)

var _ tagcache.Logger = Logger{}

// Logger writes through E. An error under the "err" field is attached with
// WithError so it lands under logrus.ErrorKey.
type Logger struct{ E *logrus.Entry }

// New wraps l with a "cache" field.
func New(l *logrus.Logger, cacheName string) Logger {
	return Logger{E: l.WithField("cache", cacheName)}
}

func (l Logger) Debug(msg string, f tagcache.Fields) { l.entry(f).Debug(msg) }
func (l Logger) Info(msg string, f tagcache.Fields)  { l.entry(f).Info(msg) }
func (l Logger) Warn(msg string, f tagcache.Fields)  { l.entry(f).Warn(msg) }
func (l Logger) Error(msg string, f tagcache.Fields) { l.entry(f).Error(msg) }

func (l Logger) entry(f tagcache.Fields) *logrus.Entry {
	e := l.E
	if e == nil {
		e = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(f) == 0 {
		return e
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		lf[k] = v
	}
	return e.WithFields(lf)
}
