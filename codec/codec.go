// Package codec converts cache values to and from the bytes kept in the store.
//
// Counters written by Cache.Increment are stored as decimal text, so reading
// them back through Get needs a codec that understands decimal integers
// (JSON, Int or String).
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
