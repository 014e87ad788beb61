package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// EncodeJSON serializes an embedding as a JSON float array, the chunk table's text format.
func EncodeJSON(v []float32) (string, error) {
	if v == nil {
		v = []float32{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode embedding: %w", err)
	}
	return string(b), nil
}

// DecodeJSON parses a JSON float array. Empty or malformed input decodes to an empty
// vector instead of an error so one corrupt row cannot abort a scan.
func DecodeJSON(raw string) []float32 {
	if raw == "" {
		return []float32{}
	}
	var v []float32
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return []float32{}
	}
	return v
}

// EncodeBlob packs v as little-endian float32 values.
func EncodeBlob(v []float32) []byte {
	const size = 4
	out := make([]byte, len(v)*size)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(f))
	}
	return out
}

// DecodeBlob unpacks little-endian float32 values. Trailing bytes that do not form
// a whole value are ignored.
func DecodeBlob(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
