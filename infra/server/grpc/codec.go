package grpcsrv

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName selects the JSON codec; clients send application/grpc+json.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec frames messages as JSON. Pre-encoded frames ([]byte or
// json.RawMessage) pass through untouched, so envelopes marshalled once
// for every subscriber are not encoded again.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecName }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		return raw, nil
	case *json.RawMessage:
		return *raw, nil
	case []byte:
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}
