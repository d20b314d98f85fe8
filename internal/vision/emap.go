package vision

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

const (
	emapDim      = 512
	emapBytes    = emapDim * emapDim * 4
	emapSearchPad = 4096
)

// protobuf wire-type/tag bytes used by ONNX's TensorProto encoding. No
// protobuf library is used here — a raw byte scan is enough, since the
// model's emap initializer can be isolated with a handful of tag/length
// checks instead of decoding the whole graph.
const (
	tagNameField    = 0x0A // field 1 (name), wire type 2 (length-delimited)
	tagRawDataField = 0x6A // field 13 (raw_data), wire type 2
	tagFloatData    = 0x2A // field 5 (float_data, packed), wire type 2
)

// ExtractEmap scans an ONNX model file's raw bytes for an initializer
// named "emap" of shape 512x512 float32 and validates it before
// returning. A missing or corrupt emap is reported as
// a distinguishable sentinel error (ErrEmapMissing / ErrEmapCorrupt) —
// both are warnings to the caller, never fatal: the swap proceeds with
// the raw identity vector when no matrix is found.
func ExtractEmap(modelPath string) ([][]float32, error) {
	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model for emap scan: %w", err)
	}

	nameTag := append([]byte{tagNameField, 0x04}, []byte("emap")...)
	nameOffset := bytes.Index(data, nameTag)
	if nameOffset < 0 {
		return nil, fmt.Errorf("no emap initializer found: %w", ErrEmapMissing)
	}

	searchEnd := nameOffset + len(nameTag) + emapBytes + emapSearchPad
	if searchEnd > len(data) {
		searchEnd = len(data)
	}
	window := data[nameOffset:searchEnd]

	payload, err := findEmapPayload(window)
	if err != nil {
		return nil, err
	}

	matrix := decodeFloat32Matrix(payload, emapDim, emapDim)
	if err := validateEmap(matrix); err != nil {
		return nil, err
	}
	return matrix, nil
}

// findEmapPayload looks ahead for a raw_data (preferred) or packed
// float_data field carrying exactly emapBytes of payload.
func findEmapPayload(window []byte) ([]byte, error) {
	if p, ok := findTaggedPayload(window, tagRawDataField, emapBytes); ok {
		return p, nil
	}
	if p, ok := findTaggedPayload(window, tagFloatData, emapBytes); ok {
		return p, nil
	}
	return nil, fmt.Errorf("no emap payload of %d bytes found: %w", emapBytes, ErrEmapCorrupt)
}

// findTaggedPayload scans window for `tag` followed by a varint length
// that equals wantLen, and returns the bytes immediately after the
// length. It does not attempt full protobuf traversal — it simply walks
// every byte offset that could plausibly start such a field, which is
// sufficient because the exact-length match on a 1MB payload is
// vanishingly unlikely to occur by coincidence elsewhere in the window.
func findTaggedPayload(window []byte, tag byte, wantLen int) ([]byte, bool) {
	for i := 0; i < len(window)-1; i++ {
		if window[i] != tag {
			continue
		}
		length, n := decodeVarint(window[i+1:])
		if n <= 0 {
			continue
		}
		if length != wantLen {
			continue
		}
		start := i + 1 + n
		end := start + length
		if end > len(window) {
			continue
		}
		return window[start:end], true
	}
	return nil, false
}

// decodeVarint decodes a protobuf base-128 varint, returning the value
// and the number of bytes consumed (0 if malformed/truncated).
func decodeVarint(b []byte) (int, int) {
	var result int
	var shift uint
	for i := 0; i < len(b) && i < 5; i++ {
		v := b[i]
		result |= int(v&0x7F) << shift
		if v&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// decodeFloat32Matrix parses little-endian float32 payload into a
// row-major rows x cols matrix.
func decodeFloat32Matrix(payload []byte, rows, cols int) [][]float32 {
	matrix := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		for c := 0; c < cols; c++ {
			off := (r*cols + c) * 4
			if off+4 > len(payload) {
				break
			}
			bits := binary.LittleEndian.Uint32(payload[off : off+4])
			row[c] = math.Float32frombits(bits)
		}
		matrix[r] = row
	}
	return matrix
}

// validateEmap is the mandatory sanity gate: sample a sparse set of
// entries, reject on NaN/Inf, and reject if the sampled mean absolute
// value falls outside [0.001, 50].
func validateEmap(matrix [][]float32) error {
	var sum float64
	var count int
	const strideSample = 7
	for r := 0; r < len(matrix); r += strideSample {
		row := matrix[r]
		for c := 0; c < len(row); c += strideSample {
			v := row[c]
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("emap contains non-finite entry: %w", ErrEmapCorrupt)
			}
			sum += math.Abs(float64(v))
			count++
		}
	}
	if count == 0 {
		return fmt.Errorf("emap matrix empty: %w", ErrEmapCorrupt)
	}
	mean := sum / float64(count)
	if mean < 0.001 || mean > 50 {
		return fmt.Errorf("emap mean abs value %.6f out of range: %w", mean, ErrEmapCorrupt)
	}
	return nil
}

// ApplyEmap transforms an L2-normalized identity vector through the emap
// matrix and re-normalizes. If emap is nil, v is returned unchanged
// (copied, so callers never alias the input).
func ApplyEmap(emap [][]float32, v []float32) []float32 {
	if emap == nil {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(emap))
	for r := range emap {
		var sum float32
		row := emap[r]
		for c := range row {
			if c >= len(v) {
				break
			}
			sum += row[c] * v[c]
		}
		out[r] = sum
	}
	normalize(out)
	return out
}
