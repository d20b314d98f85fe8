package vision

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFakeEmapModel assembles a minimal byte blob shaped like the slice
// of an ONNX TensorProto ExtractEmap actually scans for: the `emap` name
// tag immediately followed by a raw_data field tag, a varint length, and
// rows*cols little-endian float32 payload bytes.
func buildFakeEmapModel(t *testing.T, rows, cols int, fill func(r, c int) float32) []byte {
	t.Helper()

	var buf bytes.Buffer
	// Some unrelated leading bytes, as in a real protobuf-encoded graph.
	buf.Write([]byte{0x01, 0x02, 0x03})

	buf.WriteByte(tagNameField)
	buf.WriteByte(0x04)
	buf.WriteString("emap")

	payload := make([]byte, rows*cols*4)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			off := (r*cols + c) * 4
			binary.LittleEndian.PutUint32(payload[off:off+4], math.Float32bits(fill(r, c)))
		}
	}

	buf.WriteByte(tagRawDataField)
	length := encodeVarintForTest(len(payload))
	buf.Write(length)
	buf.Write(payload)

	return buf.Bytes()
}

func encodeVarintForTest(v int) []byte {
	var out []byte
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	out = append(out, byte(v))
	return out
}

func writeTempModel(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake.onnx")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExtractEmap_ValidMatrixRoundTrips(t *testing.T) {
	data := buildFakeEmapModel(t, emapDim, emapDim, func(r, c int) float32 {
		if r == c {
			return 1.0
		}
		return 0.01
	})
	path := writeTempModel(t, data)

	matrix, err := ExtractEmap(path)
	require.NoError(t, err)
	require.Len(t, matrix, emapDim)
	assert.Equal(t, float32(1.0), matrix[0][0])
	assert.Equal(t, float32(0.01), matrix[0][1])
}

func TestExtractEmap_MissingNameTagReportsErrEmapMissing(t *testing.T) {
	path := writeTempModel(t, []byte{0x01, 0x02, 0x03, 0x04})
	_, err := ExtractEmap(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmapMissing))
}

func TestExtractEmap_TruncatedPayloadReportsErrEmapCorrupt(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(tagNameField)
	buf.WriteByte(0x04)
	buf.WriteString("emap")
	buf.WriteByte(tagRawDataField)
	// Claim a full emap payload but only provide a few bytes of it.
	buf.Write(encodeVarintForTest(emapBytes))
	buf.Write([]byte{1, 2, 3, 4})

	path := writeTempModel(t, buf.Bytes())
	_, err := ExtractEmap(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmapCorrupt))
}

func TestExtractEmap_NonFiniteEntryReportsErrEmapCorrupt(t *testing.T) {
	bad := false
	data := buildFakeEmapModel(t, emapDim, emapDim, func(r, c int) float32 {
		if !bad && r%7 == 0 && c%7 == 0 {
			bad = true
			return float32(math.NaN())
		}
		return 0.02
	})
	path := writeTempModel(t, data)

	_, err := ExtractEmap(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmapCorrupt))
}

func TestExtractEmap_OutOfRangeMeanReportsErrEmapCorrupt(t *testing.T) {
	data := buildFakeEmapModel(t, emapDim, emapDim, func(r, c int) float32 {
		return 100.0 // mean abs way above the [0.001, 50] gate
	})
	path := writeTempModel(t, data)

	_, err := ExtractEmap(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmapCorrupt))
}

func TestDecodeVarint(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want int
		n    int
	}{
		{"single byte", []byte{0x05}, 5, 1},
		{"two bytes", []byte{0x96, 0x01}, 150, 2},
		{"truncated", []byte{0x96}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, n := decodeVarint(tc.in)
			assert.Equal(t, tc.want, v)
			assert.Equal(t, tc.n, n)
		})
	}
}

func TestApplyEmap_NilPassesThroughCopy(t *testing.T) {
	v := []float32{1, 2, 3}
	out := ApplyEmap(nil, v)
	assert.Equal(t, v, out)

	// must not alias the input
	out[0] = 99
	assert.Equal(t, float32(1), v[0])
}

func TestApplyEmap_IdentityMatrixNormalizes(t *testing.T) {
	identity := make([][]float32, 3)
	for i := range identity {
		identity[i] = make([]float32, 3)
		identity[i][i] = 1
	}
	v := []float32{3, 4, 0}
	out := ApplyEmap(identity, v)
	require.Len(t, out, 3)
	assert.InDelta(t, 1.0, math.Sqrt(float64(out[0]*out[0]+out[1]*out[1]+out[2]*out[2])), 1e-5)
	assert.InDelta(t, 0.6, out[0], 1e-5)
	assert.InDelta(t, 0.8, out[1], 1e-5)
}
