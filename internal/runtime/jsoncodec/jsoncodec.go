// Package jsoncodec is the single JSON entry point of the bus. Envelopes,
// HTTP bodies and inbox records all go through it so the wire encoding stays
// identical everywhere.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// api matches encoding/json output byte for byte, including HTML escaping
// and sorted map keys.
var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool { return api.Valid(data) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}
