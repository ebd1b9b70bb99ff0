package codec

import (
	"fmt"
	"strconv"
)

// Int reads and writes int64 values as decimal text, the representation the
// store uses for counters. Values written with Put and with Increment are
// interchangeable.
type Int struct{}

func (Int) Encode(n int64) ([]byte, error) { return strconv.AppendInt(nil, n, 10), nil }

func (Int) Decode(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("codec: not a decimal integer: %w", err)
	}
	return n, nil
}
