package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProtobufCodec encodes the payload as a google.protobuf.BytesValue message
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(payload []byte) ([]byte, error) {
	return proto.Marshal(wrapperspb.Bytes(payload))
}

func (c *ProtobufCodec) ContentType() string {
	return ContentTypeProtobuf
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}
