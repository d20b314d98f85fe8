package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_SeedThenUpdateMatchesByIoU(t *testing.T) {
	tr := NewTracker()
	det := Detection{BBox: [4]float32{100, 100, 200, 200}, Confidence: 0.9}
	tr.Seed(det, []float32{1, 0, 0}, "face-a")

	require.Equal(t, 1, tr.TrackCount())

	moved := Detection{BBox: [4]float32{105, 105, 205, 205}, Confidence: 0.9}
	matches := tr.Update([]Detection{moved})

	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].DetectIdx)
	assert.Equal(t, "face-a", matches[0].Track.FaceSourceID)
	assert.Equal(t, moved.BBox, matches[0].Track.LastBBox)
	assert.Equal(t, 0, matches[0].Track.MissedFrames)
}

func TestTracker_Update_FallsBackToCentroidWhenIoUMisses(t *testing.T) {
	tr := NewTracker()
	det := Detection{BBox: [4]float32{100, 100, 150, 150}, Confidence: 0.9}
	tr.Seed(det, nil, "face-a")

	// Disjoint from the last box (IoU 0, below threshold) but its center is
	// 40px away, within 0.65*diagonal (~46px) of the last box.
	shifted := Detection{BBox: [4]float32{150, 110, 180, 140}, Confidence: 0.9}
	matches := tr.Update([]Detection{shifted})

	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].DetectIdx)
}

func TestTracker_Update_MissIncrementsAndExpires(t *testing.T) {
	tr := NewTracker()
	det := Detection{BBox: [4]float32{0, 0, 50, 50}, Confidence: 0.9}
	tr.Seed(det, nil, "face-a")

	farAway := Detection{BBox: [4]float32{900, 900, 950, 950}, Confidence: 0.9}
	for i := 0; i < trackMaxMissedFrames; i++ {
		matches := tr.Update([]Detection{farAway})
		require.Len(t, matches, 1)
		assert.Equal(t, -1, matches[0].DetectIdx)
	}
	assert.Equal(t, 1, tr.TrackCount())

	tr.Update([]Detection{farAway})
	assert.Equal(t, 0, tr.TrackCount())
}

func TestTracker_Update_TwoDetectionsAssignDistinctTracks(t *testing.T) {
	tr := NewTracker()
	tr.Seed(Detection{BBox: [4]float32{0, 0, 50, 50}}, nil, "face-a")
	tr.Seed(Detection{BBox: [4]float32{500, 500, 550, 550}}, nil, "face-b")

	detections := []Detection{
		{BBox: [4]float32{500, 500, 550, 550}}, // matches face-b
		{BBox: [4]float32{0, 0, 50, 50}},       // matches face-a
	}
	matches := tr.Update(detections)
	require.Len(t, matches, 2)

	byFace := map[string]int{}
	for _, m := range matches {
		byFace[m.Track.FaceSourceID] = m.DetectIdx
	}
	assert.Equal(t, 1, byFace["face-a"])
	assert.Equal(t, 0, byFace["face-b"])
}
