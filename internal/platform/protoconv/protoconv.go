// Package protoconv moves JSON-tagged Go values in and out of
// google.protobuf.Struct messages, the payload type of the approvals gRPC
// surface.
package protoconv

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct encodes v through its JSON representation. v must marshal to a
// JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v using v's JSON tags. A nil s leaves v untouched.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
