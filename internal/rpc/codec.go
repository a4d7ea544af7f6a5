package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// wireMessage is implemented by every type in bpfmanpb.
type wireMessage interface {
	Marshal(b []byte) []byte
	Unmarshal(b []byte) error
}

// protoCodec registers under grpc's well-known "proto" content-subtype name
// so the standard grpc-go transport (HTTP/2 framing, deadlines, codes,
// interceptors) works unmodified, while message encoding itself goes
// through bpfmanpb's hand-framed protowire marshalers instead of a
// protoc-generated type.
type protoCodec struct{}

const codecName = "proto"

func init() {
	encoding.RegisterCodec(protoCodec{})
}

func (protoCodec) Name() string { return codecName }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("rpc: codec: %T does not implement wireMessage", v)
	}
	return m.Marshal(nil), nil
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("rpc: codec: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}
