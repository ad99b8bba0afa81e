package wire

import (
	"errors"
	"fmt"
)

// ErrUnknownTag is wrapped by DecodeError when the stream carries a tag this
// codec cannot frame. The stream cannot be resynchronized after that.
var ErrUnknownTag = errors.New("unknown message tag")

// DecodeError reports a message that could not be read in full. A short read
// on the socket surfaces here and is treated as connection loss by callers.
type DecodeError struct {
	Tag   MessageType
	Field string
	Want  int
	Got   int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("decode %s %s: read %d of %d bytes: %v", e.Tag, e.Field, e.Got, e.Want, e.Err)
	}
	return fmt.Sprintf("decode %s %s: %v", e.Tag, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
