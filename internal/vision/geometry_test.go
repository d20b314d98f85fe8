package vision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Scales(t *testing.T) {
	t112 := Template(112)
	assert.Equal(t, arcfaceTemplate112, t112)

	t224 := Template(224)
	for i := range t224 {
		assert.InDelta(t, arcfaceTemplate112[i][0]*2, t224[i][0], 1e-4)
		assert.InDelta(t, arcfaceTemplate112[i][1]*2, t224[i][1], 1e-4)
	}
}

func TestEstimateSimilarity_IdentityMapsOntoItself(t *testing.T) {
	src := arcfaceTemplate112
	transform := EstimateSimilarity(src, src)

	for _, p := range src {
		x, y := transform.Apply(p[0], p[1])
		assert.InDelta(t, p[0], x, 0.01)
		assert.InDelta(t, p[1], y, 0.01)
	}
}

func TestEstimateSimilarity_RecoversKnownScaleAndTranslation(t *testing.T) {
	src := arcfaceTemplate112
	var dst [5][2]float32
	const scale = 2.0
	const tx, ty = 10.0, -5.0
	for i, p := range src {
		dst[i] = [2]float32{p[0]*scale + tx, p[1]*scale + ty}
	}

	transform := EstimateSimilarity(src, dst)
	for i, p := range src {
		x, y := transform.Apply(p[0], p[1])
		assert.InDelta(t, dst[i][0], x, 0.05)
		assert.InDelta(t, dst[i][1], y, 0.05)
	}
}

func TestEstimateSimilarity_RecoversRotation(t *testing.T) {
	src := arcfaceTemplate112
	theta := math.Pi / 6
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	var dst [5][2]float32
	for i, p := range src {
		x := float64(p[0])*cosT - float64(p[1])*sinT
		y := float64(p[0])*sinT + float64(p[1])*cosT
		dst[i] = [2]float32{float32(x), float32(y)}
	}

	transform := EstimateSimilarity(src, dst)
	for i, p := range src {
		x, y := transform.Apply(p[0], p[1])
		assert.InDelta(t, dst[i][0], x, 0.05)
		assert.InDelta(t, dst[i][1], y, 0.05)
	}
}

func TestAlignmentTransform_InvertRoundTrips(t *testing.T) {
	transform := EstimateSimilarity(arcfaceTemplate112, Template(128))
	inv := transform.Invert()

	for _, p := range arcfaceTemplate112 {
		x, y := transform.Apply(p[0], p[1])
		bx, by := inv.Apply(x, y)
		assert.InDelta(t, p[0], bx, 0.01)
		assert.InDelta(t, p[1], by, 0.01)
	}
}

func TestAlignmentTransform_InvertDegenerateReturnsIdentity(t *testing.T) {
	degenerate := AlignmentTransform{A: 0, B: 0, C: 0, D: 0}
	inv := degenerate.Invert()
	assert.Equal(t, AlignmentTransform{A: 1, D: 1}, inv)
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	b := [4]float32{5, 5, 15, 15}
	assert.InDelta(t, 25.0/175.0, IoU(a, b), 1e-6)

	disjoint := [4]float32{100, 100, 110, 110}
	assert.Equal(t, float32(0), IoU(a, disjoint))

	assert.InDelta(t, 1.0, IoU(a, a), 1e-6)
}

func TestExpandToSquare(t *testing.T) {
	box := [4]float32{40, 40, 60, 80}
	square, ok := ExpandToSquare(box, 1.0, 10, 1000, 1000)
	require.True(t, ok)
	w := square[2] - square[0]
	h := square[3] - square[1]
	assert.InDelta(t, float64(w), float64(h), 0.01)

	_, ok = ExpandToSquare([4]float32{0, 0, 1, 1}, 1.0, 50, 1000, 1000)
	assert.False(t, ok, "side below minSide should be rejected")
}

func TestExpandToSquare_ClipsToImageBounds(t *testing.T) {
	box := [4]float32{0, 0, 20, 20}
	square, ok := ExpandToSquare(box, 3.0, 1, 50, 50)
	require.True(t, ok)
	assert.GreaterOrEqual(t, square[0], float32(0))
	assert.GreaterOrEqual(t, square[1], float32(0))
	assert.LessOrEqual(t, square[2], float32(50))
	assert.LessOrEqual(t, square[3], float32(50))
}

func TestDedupeByIoU(t *testing.T) {
	boxes := [][4]float32{
		{0, 0, 10, 10},
		{1, 1, 11, 11}, // heavily overlaps box 0
		{100, 100, 110, 110},
	}
	kept := DedupeByIoU(boxes, 0.45)
	assert.Equal(t, []int{0, 2}, kept)
}

func TestFeatheredMask_InteriorIsOneEdgeFadesToZero(t *testing.T) {
	mask := FeatheredMask(64, 0.1)
	center := mask[32*64+32]
	assert.InDelta(t, 1.0, center, 1e-6)

	corner := mask[0]
	assert.Less(t, corner, float32(0.05), "corner should be near-zero relative to the interior")
}

func TestMeasureColorStats(t *testing.T) {
	const size = 12
	pixels := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := (y*size + x) * 3
			pixels[off] = 100
			pixels[off+1] = 150
			pixels[off+2] = 200
		}
	}
	stats := MeasureColorStats(pixels, size)
	assert.InDelta(t, 100, stats.Mean[0], 1e-6)
	assert.InDelta(t, 150, stats.Mean[1], 1e-6)
	assert.InDelta(t, 200, stats.Mean[2], 1e-6)
	// constant input has zero variance, floored to std=1
	assert.Equal(t, float32(1), stats.Std[0])
}

func TestColorTransfer_ZeroStrengthIsNoOp(t *testing.T) {
	output := []float32{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	stats := ColorTransferStats{Mean: [3]float32{0, 0, 0}, Std: [3]float32{1, 1, 1}}
	otherStats := ColorTransferStats{Mean: [3]float32{200, 200, 200}, Std: [3]float32{5, 5, 5}}

	result := ColorTransfer(output, stats, otherStats, 2, 0)
	assert.Equal(t, output, result)
}

func TestBilinearSampleFloat3_OutOfBoundsIsZero(t *testing.T) {
	buf := make([]float32, 3*3*3)
	c0, c1, c2 := BilinearSampleFloat3(buf, 3, 3, -1, -1)
	assert.Equal(t, float32(0), c0)
	assert.Equal(t, float32(0), c1)
	assert.Equal(t, float32(0), c2)
}

func TestBilinearSampleFloat3_ExactGridPoint(t *testing.T) {
	const w, h = 2, 2
	buf := []float32{
		1, 2, 3, 4, 5, 6, // row 0: (0,0) (1,0)
		7, 8, 9, 10, 11, 12, // row 1: (0,1) (1,1)
	}
	c0, c1, c2 := BilinearSampleFloat3(buf, w, h, 1, 1)
	assert.Equal(t, float32(10), c0)
	assert.Equal(t, float32(11), c1)
	assert.Equal(t, float32(12), c2)
}

func TestBilinearSampleFloat1_InterpolatesMidpoint(t *testing.T) {
	buf := []float32{0, 0, 1, 1}
	v := BilinearSampleFloat1(buf, 2, 0.5, 0.5)
	assert.InDelta(t, 0.5, v, 1e-6)
}
