// Package transport carries Raft RPCs and client requests over gRPC.
//
// Messages follow the schema in raft.proto. They are encoded in the
// protobuf binary wire format with protowire and registered with gRPC as the
// "raftwire" codec, so any protobuf client of raft.proto can talk to a node.
package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

const codecName = "raftwire"

// wireMessage is implemented by every request and response type.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(b []byte) error
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("raftwire: cannot marshal %T", v)
	}
	return m.marshalWire(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("raftwire: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

func (codec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendMessage writes an embedded message. Unlike the scalar helpers it
// always emits the field, so an element of a repeated field is never lost.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// field is one decoded field. Only varint and length-delimited values are
// kept; other wire types are skipped.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walkFields calls fn for each varint or length-delimited field in b.
func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) asUint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("raftwire: field %d: expected varint", f.num)
	}
	return f.varint, nil
}

func (f field) asBool() (bool, error) {
	v, err := f.asUint()
	return v != 0, err
}

// asBytes returns a private copy so decoded messages never alias the
// receive buffer.
func (f field) asBytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("raftwire: field %d: expected bytes", f.num)
	}
	return append([]byte(nil), f.bytes...), nil
}

func (f field) asString() (string, error) {
	if f.typ != protowire.BytesType {
		return "", fmt.Errorf("raftwire: field %d: expected string", f.num)
	}
	return string(f.bytes), nil
}
