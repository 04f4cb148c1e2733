package rolloutzv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v to a Struct through its JSON encoding. v must encode to
// a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("convert message to struct: %w", err)
	}
	return out, nil
}

// Decode fills v from msg using v's JSON decoding. A nil msg decodes as an
// empty object.
func Decode(msg *structpb.Struct, v any) error {
	if msg == nil {
		msg = &structpb.Struct{}
	}
	payload, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("convert struct to json: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
