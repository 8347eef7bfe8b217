package jsoncodec

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// RawMessage defers decoding of a nested document. Envelope payloads use it for
// the polymorphic event body.
type RawMessage = json.RawMessage

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

// ToGeneric re-encodes v into maps, slices, strings, float64 and bool values, the
// shape a scripting engine can walk.
func ToGeneric(v any) (any, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
