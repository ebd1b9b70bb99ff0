// Package keys owns the physical key layout of tagcache.
//
// Layout:
//
//	item\x00<tag1>\x1e<tag2>...\x1f<sanitized key>   - value records (composite keys)
//	tags\x00<tag>                                    - per-tag ordered set (tag index)
//
// Tag names and keys are sanitized before they are embedded, so the
// separator and boundary bytes can never appear inside either of them.
package keys

import (
	"errors"
	"strings"
)

const (
	// ItemPrefix marks every composite key.
	ItemPrefix = "item\x00"
	// TagPrefix marks every tag index key.
	TagPrefix = "tags\x00"

	// Separator joins tag names inside a composite key.
	Separator = "\x1e"
	// Boundary separates the tag portion from the sanitized key.
	Boundary = "\x1f"
)

var ErrInvalid = errors.New("tagcache: invalid key")

// reserved characters and their replacements. Each replacement is distinct,
// so two different inputs never sanitize to the same output.
var sanitizer = strings.NewReplacer(
	"@", "\x01",
	"(", "\x02",
	")", "\x03",
	"{", "\x04",
	"}", "\x05",
	"/", "\x06",
	"\\", "\x07",
	":", "\x08",
)

var desanitizer = strings.NewReplacer(
	"\x01", "@",
	"\x02", "(",
	"\x03", ")",
	"\x04", "{",
	"\x05", "}",
	"\x06", "/",
	"\x07", "\\",
	"\x08", ":",
)

func reservedByte(b byte) bool {
	return b <= 0x08 || b == Separator[0] || b == Boundary[0]
}

// Validate rejects the empty string and strings carrying bytes that are
// reserved for the key layout.
func Validate(s string) error {
	if s == "" {
		return ErrInvalid
	}
	for i := 0; i < len(s); i++ {
		if reservedByte(s[i]) {
			return ErrInvalid
		}
	}
	return nil
}

// Sanitize replaces reserved characters with their control-byte
// replacements. The input must have passed Validate.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// Desanitize reverses Sanitize.
func Desanitize(s string) string {
	return desanitizer.Replace(s)
}

// Compose builds the composite key for already sanitized tag names and a raw key.
func Compose(tags []string, key string) string {
	return composeNamespace(strings.Join(tags, Separator), key)
}

func composeNamespace(ns, key string) string {
	var b strings.Builder
	b.Grow(len(ItemPrefix) + len(ns) + len(Boundary) + len(key))
	b.WriteString(ItemPrefix)
	b.WriteString(ns)
	b.WriteString(Boundary)
	b.WriteString(Sanitize(key))
	return b.String()
}

// ComposeAll returns the composite key of key under every namespace.
func ComposeAll(namespaces []string, key string) []string {
	out := make([]string, len(namespaces))
	for i, ns := range namespaces {
		out[i] = composeNamespace(ns, key)
	}
	return out
}

// TagID returns the index key of a sanitized tag name.
func TagID(name string) string { return TagPrefix + name }

// TagName is the inverse of TagID.
func TagName(id string) (string, bool) {
	if !strings.HasPrefix(id, TagPrefix) {
		return "", false
	}
	return id[len(TagPrefix):], true
}

// Suffix returns the sanitized key of a composite key.
func Suffix(composite string) (string, bool) {
	i := strings.Index(composite, Boundary)
	if i < 0 || !strings.HasPrefix(composite, ItemPrefix) {
		return "", false
	}
	return composite[i+len(Boundary):], true
}

// Tags returns the tag names embedded in a composite key, in write order.
func Tags(composite string) ([]string, bool) {
	i := strings.Index(composite, Boundary)
	if i < 0 || !strings.HasPrefix(composite, ItemPrefix) {
		return nil, false
	}
	ns := composite[len(ItemPrefix):i]
	if ns == "" {
		return nil, true
	}
	return strings.Split(ns, Separator), true
}

// Matches reports whether composite holds the sanitized form of key.
func Matches(composite, key string) bool {
	s, ok := Suffix(composite)
	return ok && s == Sanitize(key)
}

// Namespaces returns the tag portion of every ordering of tags.
// Zero and one tag short-circuit to a single namespace.
func Namespaces(tags []string) []string {
	switch len(tags) {
	case 0:
		return []string{""}
	case 1:
		return []string{tags[0]}
	}
	out := make([]string, 0, factorial(len(tags)))
	permute(append([]string(nil), tags...), 0, func(p []string) {
		out = append(out, strings.Join(p, Separator))
	})
	return dedup(out)
}

// permute emits every ordering of a[k:] by swapping in place.
func permute(a []string, k int, emit func([]string)) {
	if k == len(a)-1 {
		emit(a)
		return
	}
	for i := k; i < len(a); i++ {
		a[k], a[i] = a[i], a[k]
		permute(a, k+1, emit)
		a[k], a[i] = a[i], a[k]
	}
}

func factorial(n int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
	}
	return f
}

// dedup keeps the first occurrence; duplicate tag names yield repeated orderings.
func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// MemberPattern returns a glob that matches composite keys of key under any tags.
func MemberPattern(key string) string {
	return "*" + Boundary + EscapeGlob(Sanitize(key))
}

// TagPattern matches every tag index key.
func TagPattern() string { return EscapeGlob(TagPrefix) + "*" }

// EscapeGlob escapes the Redis glob metacharacters in s.
func EscapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\^`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
