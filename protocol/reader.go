package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/luma/relay/message"
)

const (
	DefaultReadBufferSize = 4096

	// DefaultMaxFrameSize bounds how much a single length prefix can make us
	// allocate.
	DefaultMaxFrameSize = 4 * 1024 * 1024
)

type readState int

const (
	awaitingLength readState = iota
	awaitingBody
)

// Reader turns a byte stream into messages.
//
// It owns a single growable buffer. offset is the start of the unconsumed
// bytes and length is how many there are; offset+length <= len(buf) always
// holds. Bytes left over from one read are kept for the next message, so a
// frame may be split across any number of reads.
//
// A Reader is not safe for concurrent use, only one read is ever in progress.
type Reader struct {
	r     io.Reader
	codec message.Codec

	maxFrameSize int

	buf    []byte
	offset int
	length int

	state    readState
	expected int
}

type ReaderOption func(*Reader)

// ReadBufferSize sets the initial size of the read buffer.
func ReadBufferSize(size int) ReaderOption {
	return func(r *Reader) {
		if size > 0 {
			r.buf = make([]byte, size)
		}
	}
}

// MaxFrameSize sets the largest frame body the reader will accept. 0 removes
// the limit.
func MaxFrameSize(size int) ReaderOption {
	return func(r *Reader) {
		r.maxFrameSize = size
	}
}

func NewReader(r io.Reader, codec message.Codec, opts ...ReaderOption) *Reader {
	reader := &Reader{
		r:            r,
		codec:        codec,
		maxFrameSize: DefaultMaxFrameSize,
	}

	for _, opt := range opts {
		opt(reader)
	}

	if reader.buf == nil {
		reader.buf = make([]byte, DefaultReadBufferSize)
	}

	return reader
}

// ReadMessage returns the next message on the stream.
//
// Errors are one of:
//   - io.EOF when the stream ended cleanly between frames
//   - io.ErrUnexpectedEOF when the stream ended mid frame
//   - an error wrapping ErrFraming for a bad length prefix
//   - a *DecodeError when the codec rejected the frame body
//   - whatever the underlying reader returned
//
// None of these are recoverable, the stream position can't be trusted after a
// bad frame.
func (r *Reader) ReadMessage() (*message.Message, error) {
	for {
		switch r.state {
		case awaitingLength:
			size, n, err := ConsumeLength(r.unconsumed())
			if err != nil {
				return nil, err
			}

			if n == 0 {
				if err := r.fill(r.length + 1); err != nil {
					return nil, err
				}
				continue
			}

			if size > math.MaxInt32 || (r.maxFrameSize > 0 && size > uint64(r.maxFrameSize)) {
				return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
			}

			r.consume(n)
			r.expected = int(size)
			r.state = awaitingBody

		case awaitingBody:
			if r.length < r.expected {
				if err := r.fill(r.expected); err != nil {
					return nil, err
				}
				continue
			}

			msg, err := r.codec.Decode(r.buf[r.offset : r.offset+r.expected])
			if err != nil {
				return nil, &DecodeError{Size: r.expected, Err: err}
			}

			r.consume(r.expected)
			r.expected = 0
			r.state = awaitingLength

			return msg, nil
		}
	}
}

// Buffered returns the number of bytes read from the stream but not yet
// consumed.
func (r *Reader) Buffered() int {
	return r.length
}

func (r *Reader) unconsumed() []byte {
	return r.buf[r.offset : r.offset+r.length]
}

func (r *Reader) consume(n int) {
	r.offset += n
	r.length -= n

	if r.length == 0 {
		r.offset = 0
	}
}

// fill reads until at least needed unconsumed bytes are buffered.
//
// If the bytes won't fit after offset we first slide the unconsumed bytes to
// the front of the buffer, and only if the whole buffer is still too small do
// we allocate a new one of exactly the needed size.
func (r *Reader) fill(needed int) error {
	if r.offset+needed > len(r.buf) {
		copy(r.buf, r.unconsumed())
		r.offset = 0

		if needed > len(r.buf) {
			buf := make([]byte, needed)
			copy(buf, r.buf[:r.length])
			r.buf = buf
		}
	}

	start := r.offset + r.length
	n, err := io.ReadAtLeast(r.r, r.buf[start:], needed-r.length)
	r.length += n

	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) && (r.length > 0 || r.state == awaitingBody) {
		return io.ErrUnexpectedEOF
	}

	return err
}
