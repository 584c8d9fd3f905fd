package codec

import (
	"encoding/json"
	"mime"
	"strconv"
	"strings"
)

// Content types understood by Negotiate
const (
	ContentTypeText     = "text/plain; charset=utf-8"
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec encodes a response payload for the wire
type Codec interface {
	// Encode encodes the payload to body bytes
	Encode(payload []byte) ([]byte, error)

	// ContentType returns the Content-Type of encoded bodies
	ContentType() string

	// Name returns the codec name
	Name() string
}

var (
	textCodec     Codec = &TextCodec{}
	jsonCodec     Codec = &JSONCodec{}
	protobufCodec Codec = &ProtobufCodec{}
)

// Negotiate picks the codec for an Accept header value.
//
// The supported media type with the highest q-value wins; ties keep header
// order. Anything unrecognised (including an empty header) gets plain text.
func Negotiate(accept string) Codec {
	best, bestQ := textCodec, -1.0

	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}

		q := 1.0
		if v, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		if q <= 0 || q <= bestQ {
			continue
		}

		var c Codec
		switch mediaType {
		case "application/json":
			c = jsonCodec
		case ContentTypeProtobuf, "application/protobuf":
			c = protobufCodec
		case "text/plain", "text/*", "*/*":
			c = textCodec
		default:
			continue
		}
		best, bestQ = c, q
	}

	return best
}

// TextCodec sends the payload unchanged
type TextCodec struct{}

func (c *TextCodec) Encode(payload []byte) ([]byte, error) {
	return payload, nil
}

func (c *TextCodec) ContentType() string {
	return ContentTypeText
}

func (c *TextCodec) Name() string {
	return "text"
}

// JSONCodec wraps the payload in a JSON object
type JSONCodec struct{}

type jsonPayload struct {
	Payload string `json:"payload"`
}

func (c *JSONCodec) Encode(payload []byte) ([]byte, error) {
	return json.Marshal(jsonPayload{Payload: string(payload)})
}

func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}

func (c *JSONCodec) Name() string {
	return "json"
}
