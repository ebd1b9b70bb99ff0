package codec

import (
	"bytes"
	"encoding/json"
)

// JSON encodes values with encoding/json. The zero value is ready to use.
// With StrictFields, unknown object fields fail Decode instead of being dropped.
type JSON[V any] struct {
	StrictFields bool
}

var _ Codec[map[string]any] = JSON[map[string]any]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (c JSON[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.StrictFields {
		err := json.Unmarshal(b, &v)
		return v, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	err := dec.Decode(&v)
	return v, err
}
