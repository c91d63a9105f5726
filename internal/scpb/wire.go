// Package scpb defines the wire messages exchanged with the Service
// Control check/allocateQuota/report RPCs and hand-rolled protobuf
// encoders/decoders for them.
//
// The upstream API is proto3-over-HTTP (Content-Type:
// application/x-protobuf, no gRPC framing), but there is no protoc
// invocation available in this build — so these messages are encoded
// and decoded directly against the wire format using
// google.golang.org/protobuf/encoding/protowire's low-level varint and
// length-delimited primitives, the same primitives generated code
// would ultimately call into. Field numbers below are this module's own
// assignment (there is no .proto source to match against); they are
// stable for the lifetime of this codec and documented per message.
package scpb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendInt64Field(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	return b
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	return b
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(v))
	return b
}

func appendMessageField(b []byte, num protowire.Number, payload []byte) []byte {
	if payload == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b
}

// appendStringMapField encodes each proto3 map<string,string> entry
// (key = field 1, value = field 2) as a length-delimited submessage,
// in sorted key order, and appends it under num.
func appendStringMapField(b []byte, num protowire.Number, m map[string]string) []byte {
	if len(m) == 0 {
		return b
	}
	for _, k := range sortedKeys(m) {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, m[k])
		b = appendMessageField(b, num, entry)
	}
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// rawField is one top-level field decoded from a message: its field
// number, wire type, and payload.
type rawField struct {
	num  protowire.Number
	typ  protowire.Type
	data []byte // raw payload: varint value encoded as 8 bytes LE for Varint/Fixed64, raw bytes for BytesType
}

// decodeFields walks buf and returns every top-level field found,
// preserving repetition (callers fold repeated fields themselves).
func decodeFields(buf []byte) ([]rawField, error) {
	var fields []rawField
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("scpb: invalid tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("scpb: invalid varint: %w", protowire.ParseError(n))
			}
			fields = append(fields, rawField{num: num, typ: typ, data: varintBytes(v)})
			buf = buf[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, fmt.Errorf("scpb: invalid fixed64: %w", protowire.ParseError(n))
			}
			fields = append(fields, rawField{num: num, typ: typ, data: varintBytes(v)})
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("scpb: invalid length-delimited field: %w", protowire.ParseError(n))
			}
			fields = append(fields, rawField{num: num, typ: typ, data: append([]byte(nil), v...)})
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("scpb: invalid field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return fields, nil
}

func varintBytes(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func bytesVarint(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func stringMapFromFields(fields []rawField, num protowire.Number) (map[string]string, error) {
	var out map[string]string
	for _, f := range fields {
		if f.num != num {
			continue
		}
		entry, err := decodeFields(f.data)
		if err != nil {
			return nil, err
		}
		var key, val string
		for _, e := range entry {
			switch e.num {
			case 1:
				key = string(e.data)
			case 2:
				val = string(e.data)
			}
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[key] = val
	}
	return out, nil
}
