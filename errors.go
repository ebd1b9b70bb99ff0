package tagcache

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/unkn0wn-root/tagcache/internal/keys"
)

var (
	// ErrInvalidKey is returned before any I/O for an empty key or a key
	// carrying bytes reserved by the key layout (0x00-0x08, 0x1e, 0x1f).
	// The empty string stands for a missing key and is never stored.
	ErrInvalidKey = keys.ErrInvalid
	// ErrInvalidTag is the tag-name counterpart of ErrInvalidKey.
	ErrInvalidTag = errors.New("tagcache: invalid tag name")
)

// FlushError reports the tags whose flush did not complete. Work done
// before the failure stands; calling Flush again resumes it.
type FlushError struct {
	Failed map[string]error // tag name => first error
}

func (e *FlushError) add(tag string, err error) {
	if e.Failed == nil {
		e.Failed = make(map[string]error)
	}
	e.Failed[tag] = err
}

func (e *FlushError) Error() string {
	tags := make([]string, 0, len(e.Failed))
	for t := range e.Failed {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, fmt.Sprintf("%q: %v", t, e.Failed[t]))
	}
	return fmt.Sprintf("flush incomplete for %d tag(s): %s", len(tags), strings.Join(parts, "; "))
}

func (e *FlushError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
