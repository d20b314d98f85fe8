package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionsFromDetections_ExpandsAndDedupes(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{100, 100, 140, 140}, Confidence: 0.95},
		{BBox: [4]float32{105, 105, 145, 145}, Confidence: 0.80}, // near-duplicate of above
		{BBox: [4]float32{500, 500, 540, 540}, Confidence: 0.90},
	}
	regions := RegionsFromDetections(detections, 1000, 1000)
	require.Len(t, regions, 2)
}

func TestRegionsFromDetections_DropsBelowMinSide(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 2, 2}, Confidence: 0.9},
	}
	regions := RegionsFromDetections(detections, 1000, 1000)
	assert.Empty(t, regions)
}

func TestMatchRegionToDetection_PicksCenterInsideBox(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.5},   // center (5,5)
		{BBox: [4]float32{90, 90, 110, 110}, Confidence: 0.9}, // center (100,100)
	}
	region := Region{Box: [4]float32{80, 80, 120, 120}}

	idx, inside, ok := MatchRegionToDetection(region, detections)
	require.True(t, ok)
	assert.True(t, inside)
	assert.Equal(t, 1, idx)
}

func TestMatchRegionToDetection_FallsBackToNearestWhenNoneInside(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.5},
		{BBox: [4]float32{500, 500, 510, 510}, Confidence: 0.9},
	}
	region := Region{Box: [4]float32{1000, 1000, 1010, 1010}}

	idx, inside, ok := MatchRegionToDetection(region, detections)
	require.True(t, ok)
	assert.False(t, inside)
	assert.Equal(t, 1, idx, "nearest detection should still be the closer box")
}

func TestMatchRegionToDetection_EmptyDetectionsNotOK(t *testing.T) {
	_, _, ok := MatchRegionToDetection(Region{}, nil)
	assert.False(t, ok)
}

func TestMatchRegionToDetection_TiesBrokenByHigherScore(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.3},
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.95},
	}
	region := Region{Box: [4]float32{0, 0, 10, 10}}

	idx, inside, ok := MatchRegionToDetection(region, detections)
	require.True(t, ok)
	assert.True(t, inside)
	assert.Equal(t, 1, idx)
}
