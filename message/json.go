package message

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const JSONCodecName = "json"

var (
	ErrMalformedJSON = errors.New("Message is not valid JSON")
	ErrNotAnObject   = errors.New("Message must be a JSON object")
	ErrFieldType     = errors.New("Message field has the wrong JSON type")
)

// JSONCodec encodes messages as `{"author":"...","text":"...","sent_at":123}`.
// sent_at is omitted when zero.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return JSONCodecName
}

func (JSONCodec) Encode(m *Message) (b []byte, err error) {
	b = []byte("{}")

	if b, err = sjson.SetBytes(b, "author", m.Author); err != nil {
		return nil, err
	}

	if b, err = sjson.SetBytes(b, "text", m.Text); err != nil {
		return nil, err
	}

	if m.SentAt != 0 {
		if b, err = sjson.SetBytes(b, "sent_at", m.SentAt); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJSON
	}

	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, ErrNotAnObject
	}

	author := doc.Get("author")
	text := doc.Get("text")
	sentAt := doc.Get("sent_at")

	if !isType(author, gjson.String) || !isType(text, gjson.String) || !isType(sentAt, gjson.Number) {
		return nil, ErrFieldType
	}

	return &Message{
		Author: author.String(),
		Text:   text.String(),
		SentAt: sentAt.Int(),
	}, nil
}

// isType reports whether the result is missing, null or of type t.
func isType(r gjson.Result, t gjson.Type) bool {
	return !r.Exists() || r.Type == gjson.Null || r.Type == t
}

var _ Codec = JSONCodec{}
