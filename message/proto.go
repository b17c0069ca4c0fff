package message

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const ProtoCodecName = "proto"

const (
	authorField protowire.Number = 1
	textField   protowire.Number = 2
	sentAtField protowire.Number = 3
)

var (
	ErrInvalidUTF8        = errors.New("String field contains invalid UTF-8")
	ErrUnexpectedWireType = errors.New("Field has an unexpected wire type")
)

// ProtoCodec encodes messages in the protobuf wire format:
//
//	message Message {
//	  string author  = 1;
//	  string text    = 2;
//	  int64  sent_at = 3;
//	}
//
// Unknown fields are skipped on decode so newer clients can add fields.
type ProtoCodec struct{}

func (ProtoCodec) Name() string {
	return ProtoCodecName
}

func (ProtoCodec) Encode(m *Message) ([]byte, error) {
	b := make([]byte, 0, len(m.Author)+len(m.Text)+16)

	if m.Author != "" {
		b = protowire.AppendTag(b, authorField, protowire.BytesType)
		b = protowire.AppendString(b, m.Author)
	}

	if m.Text != "" {
		b = protowire.AppendTag(b, textField, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}

	if m.SentAt != 0 {
		b = protowire.AppendTag(b, sentAtField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.SentAt))
	}

	return b, nil
}

func (ProtoCodec) Decode(data []byte) (*Message, error) {
	m := &Message{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case authorField, textField:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("field %d: %w", num, ErrUnexpectedWireType)
			}

			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}

			if !utf8.ValidString(v) {
				return nil, fmt.Errorf("field %d: %w", num, ErrInvalidUTF8)
			}

			if num == authorField {
				m.Author = v
			} else {
				m.Text = v
			}
			data = data[n:]

		case sentAtField:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("field %d: %w", num, ErrUnexpectedWireType)
			}

			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}

			m.SentAt = int64(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return m, nil
}

var _ Codec = ProtoCodec{}
