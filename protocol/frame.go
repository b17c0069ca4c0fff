package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxLengthPrefix is the longest a frame's length prefix can be. A uint64
// needs at most 10 groups of 7 bits.
const MaxLengthPrefix = 10

var (
	// ErrFraming is wrapped by every error caused by a malformed frame header
	ErrFraming = errors.New("Framing error")

	ErrMalformedLength = fmt.Errorf("%w: length prefix is not a valid varint", ErrFraming)
	ErrFrameTooLarge   = fmt.Errorf("%w: frame is larger than the maximum frame size", ErrFraming)
)

// DecodeError is returned when the codec rejects the body of a frame.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Failed to decode %d byte message: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ConsumeLength parses a frame length prefix from the start of b.
//
// It returns the body size and the number of prefix bytes consumed. n is 0,
// with a nil error, when b holds the start of a prefix that is not yet
// terminated and more bytes are needed.
func ConsumeLength(b []byte) (size uint64, n int, err error) {
	size, n = protowire.ConsumeVarint(b)
	if n >= 0 {
		return size, n, nil
	}

	if len(b) < MaxLengthPrefix {
		// Fewer than 10 bytes can only be a truncated varint, never an overflow
		return 0, 0, nil
	}

	return 0, 0, fmt.Errorf("%w: %v", ErrMalformedLength, protowire.ParseError(n))
}

// AppendFrame appends the length prefix of body followed by body itself.
func AppendFrame(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// FrameSize returns the number of bytes a frame with a body of bodyLen bytes
// takes on the wire.
func FrameSize(bodyLen int) int {
	return protowire.SizeVarint(uint64(bodyLen)) + bodyLen
}
