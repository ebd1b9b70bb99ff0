package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

var errNoConstructor = errors.New("codec: protobuf codec has no message constructor")

// Protobuf stores proto messages in their binary wire form. Construct it with
// NewProtobuf; the zero value cannot decode.
type Protobuf[T proto.Message] struct {
	newMsg func() T
	opts   proto.UnmarshalOptions
}

// NewProtobuf takes the constructor of an empty message,
// e.g. func() *userpb.User { return &userpb.User{} }.
func NewProtobuf[T proto.Message](newMsg func() T) Protobuf[T] {
	return Protobuf[T]{newMsg: newMsg, opts: proto.UnmarshalOptions{DiscardUnknown: true}}
}

func (c Protobuf[T]) Encode(m T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.newMsg == nil {
		var zero T
		return zero, errNoConstructor
	}
	m := c.newMsg()
	err := c.opts.Unmarshal(b, m)
	return m, err
}
