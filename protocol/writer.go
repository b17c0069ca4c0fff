package protocol

import (
	"io"

	"github.com/luma/relay/message"
)

// AppendMessage encodes m with codec and appends it to dst as a single frame.
func AppendMessage(dst []byte, codec message.Codec, m *message.Message) ([]byte, error) {
	body, err := codec.Encode(m)
	if err != nil {
		return dst, err
	}

	return AppendFrame(dst, body), nil
}

// WriteMessage writes m to w as a single frame, in one Write call.
func WriteMessage(w io.Writer, codec message.Codec, m *message.Message) error {
	frame, err := AppendMessage(nil, codec, m)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}
