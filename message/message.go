package message

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownCodec = errors.New("Unknown codec")
)

// Message is a single chat message. Once decoded it is never mutated, the same
// pointer is handed to every session it is broadcast to.
type Message struct {
	Author string
	Text   string

	// SentAt is a unix timestamp in milliseconds, 0 when the sender did not
	// provide one.
	SentAt int64
}

func (m *Message) String() string {
	return fmt.Sprintf("%s: %s", m.Author, m.Text)
}

// Codec turns a Message into the bytes carried in a frame body and back again.
//
// Decode is handed exactly the bytes claimed by the frame's length prefix and
// must not retain the slice, it is reused for later frames.
type Codec interface {
	Name() string
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// CodecByName returns the codec registered under name ("proto" or "json").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", ProtoCodecName:
		return ProtoCodec{}, nil
	case JSONCodecName:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnknownCodec, name)
	}
}
