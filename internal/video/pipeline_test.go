package video

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/fswap/internal/vision"
)

func TestChooseWorkerCount_AcceleratedIsTwo(t *testing.T) {
	assert.Equal(t, 2, chooseWorkerCount(true))
}

func TestChooseWorkerCount_UnacceleratedIsCappedAtSix(t *testing.T) {
	n := chooseWorkerCount(false)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 6)
}

func TestStillDecoding_ReflectsQueueDepth(t *testing.T) {
	q := make(chan frameItem, 2)
	assert.False(t, stillDecoding(q))

	q <- frameItem{Index: 0}
	assert.True(t, stillDecoding(q))
}

func TestBGRToImage_SwapsChannelOrder(t *testing.T) {
	// One BGR pixel: B=10, G=20, R=30.
	raw := []byte{10, 20, 30}
	img := bgrToImage(raw, 1, 1)
	assert.Equal(t, []uint8{30, 20, 10}, img.Pix)
	assert.Equal(t, 1, img.W)
	assert.Equal(t, 1, img.H)
}

func TestImageToBGR_RoundTripsWithBGRToImage(t *testing.T) {
	raw := []byte{10, 20, 30, 40, 50, 60}
	img := bgrToImage(raw, 2, 1)
	back := imageToBGR(img)
	assert.Equal(t, raw, back)
}

func TestImageToBGR_IsInverseOfRGBOrdering(t *testing.T) {
	img := &vision.Image{Pix: []uint8{1, 2, 3}, W: 1, H: 1}
	raw := imageToBGR(img)
	assert.Equal(t, []byte{3, 2, 1}, raw)
}
