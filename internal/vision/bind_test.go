package vision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIdentity_PrefersPreResolvedVector(t *testing.T) {
	var e *Engine // neither branch below touches e
	src := FaceSource{ID: "a", IdentityVector: []float32{1, 2, 3}}

	vec, err := e.ResolveIdentity(src)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestResolveIdentity_NoVectorNoImageIsInvalidBind(t *testing.T) {
	var e *Engine
	src := FaceSource{ID: "a"}

	_, err := e.ResolveIdentity(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFaceSourceBind))
}

func TestPickBindingTarget_NoRegionPicksLargest(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.9},  // area 100
		{BBox: [4]float32{20, 20, 60, 60}, Confidence: 0.5}, // area 1600, larger
	}
	src := FaceSource{ID: "a"}

	target, err := PickBindingTarget(src, detections)
	require.NoError(t, err)
	assert.Equal(t, detections[1].BBox, target.BBox)
}

func TestPickBindingTarget_WithRegionMatchesInside(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.9},
		{BBox: [4]float32{90, 90, 110, 110}, Confidence: 0.5},
	}
	region := Region{Box: [4]float32{80, 80, 120, 120}}
	src := FaceSource{ID: "a", Region: &region}

	target, err := PickBindingTarget(src, detections)
	require.NoError(t, err)
	assert.Equal(t, detections[1].BBox, target.BBox)
}

func TestPickBindingTarget_RegionWithNoFaceInsideIsError(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.9},
	}
	region := Region{Box: [4]float32{1000, 1000, 1010, 1010}}
	src := FaceSource{ID: "a", Region: &region}

	_, err := PickBindingTarget(src, detections)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFaceInSelectedRegions))
}

func TestPickBindingTarget_NoDetectionsIsNoFaceDetected(t *testing.T) {
	_, err := PickBindingTarget(FaceSource{ID: "a"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFaceDetected))
}
