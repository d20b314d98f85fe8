package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNMS_SuppressesOverlappingLowerScore(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.9},
		{BBox: [4]float32{1, 1, 11, 11}, Confidence: 0.5}, // overlaps the first heavily
		{BBox: [4]float32{100, 100, 110, 110}, Confidence: 0.6},
	}
	kept := nms(detections, 0.4)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, float32(0.6), kept[1].Confidence)
}

func TestNMS_EmptyInput(t *testing.T) {
	assert.Empty(t, nms(nil, 0.4))
}

func TestNMS_SortsByScoreDescending(t *testing.T) {
	detections := []Detection{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.3},
		{BBox: [4]float32{200, 200, 210, 210}, Confidence: 0.95},
		{BBox: [4]float32{400, 400, 410, 410}, Confidence: 0.6},
	}
	kept := nms(detections, 0.4)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0.95), kept[0].Confidence)
	assert.Equal(t, float32(0.6), kept[1].Confidence)
	assert.Equal(t, float32(0.3), kept[2].Confidence)
}

func TestApplyFallbackLandmarks_SkipsDetectionsWithLandmarks(t *testing.T) {
	withLandmarks := Detection{
		BBox:         [4]float32{0, 0, 100, 100},
		HasLandmarks: true,
		Landmarks:    [5][2]float32{{1, 1}},
	}
	detections := applyFallbackLandmarks([]Detection{withLandmarks})
	assert.Equal(t, withLandmarks.Landmarks, detections[0].Landmarks)
}

func TestApplyFallbackLandmarks_SynthesizesFromBoxGeometry(t *testing.T) {
	det := Detection{BBox: [4]float32{0, 0, 100, 200}}
	detections := applyFallbackLandmarks([]Detection{det})

	require.True(t, detections[0].HasLandmarks)
	cx, cy := float32(50), float32(100)
	// Left eye landmark should sit left-of-center, above the vertical midline.
	assert.Less(t, detections[0].Landmarks[0][0], cx)
	assert.Less(t, detections[0].Landmarks[0][1], cy)
	// Right eye landmark should sit right-of-center.
	assert.Greater(t, detections[0].Landmarks[1][0], cx)
}

func TestAppendIfAboveThreshold_RejectsBelowThreshold(t *testing.T) {
	bboxes := []float32{1, 1, 1, 1}
	out := appendIfAboveThreshold(nil, 0.5, 0.3, 5, 5, 8, bboxes, nil, 0, 640, 640, 1.0)
	assert.Empty(t, out)
}

func TestAppendIfAboveThreshold_DecodesBoxInOriginalScale(t *testing.T) {
	bboxes := []float32{2, 2, 2, 2}
	out := appendIfAboveThreshold(nil, 0.5, 0.9, 10, 10, 8, bboxes, nil, 0, 640, 640, 1.0)
	require.Len(t, out, 1)
	det := out[0]
	assert.Equal(t, float32(0.9), det.Confidence)
	// anchor at (80,80) with stride-scaled offsets of 16 on every side
	assert.InDelta(t, 64, det.BBox[0], 1e-4)
	assert.InDelta(t, 64, det.BBox[1], 1e-4)
	assert.InDelta(t, 96, det.BBox[2], 1e-4)
	assert.InDelta(t, 96, det.BBox[3], 1e-4)
}

func TestAppendIfAboveThreshold_ClipsToImageBounds(t *testing.T) {
	bboxes := []float32{100, 100, 100, 100}
	out := appendIfAboveThreshold(nil, 0.5, 0.9, 1, 1, 8, bboxes, nil, 0, 50, 50, 1.0)
	require.Len(t, out, 1)
	det := out[0]
	assert.GreaterOrEqual(t, det.BBox[0], float32(0))
	assert.LessOrEqual(t, det.BBox[2], float32(50))
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 5, maxInt(5, 3))
	assert.Equal(t, 7, maxInt(2, 7))
	assert.Equal(t, 4, maxInt(4, 4))
}

func TestClampF(t *testing.T) {
	assert.Equal(t, float32(0), clampF(-5, 0, 10))
	assert.Equal(t, float32(10), clampF(15, 0, 10))
	assert.Equal(t, float32(5), clampF(5, 0, 10))
}
