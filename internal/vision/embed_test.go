package vision

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_ProducesUnitVector(t *testing.T) {
	v := []float32{3, 4, 0}
	normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	mag := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1] + v[2]*v[2]))
	assert.InDelta(t, 1.0, mag, 1e-6)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestCosineSimilarity_IdenticalVectorsIsOne(t *testing.T) {
	a := []float32{1, 0, 0}
	normalize(a)
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
}

func TestCosineSimilarity_OrthogonalVectorsIsZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-6)
}

func TestCosineSimilarity_OppositeVectorsIsNegativeOne(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	assert.InDelta(t, -1.0, CosineSimilarity(a, b), 1e-6)
}

func TestCosineSimilarity_HandlesMismatchedLengthsByTruncating(t *testing.T) {
	a := []float32{1, 1, 1}
	b := []float32{1, 1}
	assert.InDelta(t, 2.0, CosineSimilarity(a, b), 1e-6)
}
