package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.RGBA) *Image {
	img := &Image{Pix: make([]uint8, w*h*3), W: w, H: h}
	for i := 0; i < w*h; i++ {
		img.Pix[i*3], img.Pix[i*3+1], img.Pix[i*3+2] = c.R, c.G, c.B
	}
	return img
}

func TestDecodeImage_RejectsHEIC(t *testing.T) {
	data := make([]byte, 32)
	copy(data[4:], []byte("ftypheic"))

	_, err := DecodeImage(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedImageFormat)
}

func TestDecodeImage_RoundTripsPNG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	img, err := DecodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 4, img.W)
	assert.Equal(t, 4, img.H)
	assert.Equal(t, uint8(10), img.Pix[0])
	assert.Equal(t, uint8(20), img.Pix[1])
	assert.Equal(t, uint8(30), img.Pix[2])
}

func TestCropRect_ClampsToBounds(t *testing.T) {
	img := solidImage(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	cropped := img.CropRect(-5, -5, 100, 100)
	assert.Equal(t, 10, cropped.W)
	assert.Equal(t, 10, cropped.H)
}

func TestCropRect_EmptyWhenInverted(t *testing.T) {
	img := solidImage(10, 10, color.RGBA{})
	cropped := img.CropRect(8, 8, 2, 2)
	assert.Equal(t, 0, cropped.W)
	assert.Equal(t, 0, cropped.H)
}

func TestCropRect_DoesNotAliasSource(t *testing.T) {
	img := solidImage(10, 10, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	cropped := img.CropRect(0, 0, 5, 5)
	cropped.Pix[0] = 255
	assert.Equal(t, uint8(1), img.Pix[0])
}

func TestClone_IsIndependentCopy(t *testing.T) {
	img := solidImage(4, 4, color.RGBA{R: 9, G: 9, B: 9, A: 255})
	clone := img.Clone()
	clone.Pix[0] = 0
	assert.Equal(t, uint8(9), img.Pix[0])
	assert.Equal(t, uint8(0), clone.Pix[0])
}

func TestToCHWFloat32_NormalizesPerChannel(t *testing.T) {
	img := solidImage(2, 2, color.RGBA{R: 255, G: 0, B: 128, A: 255})
	data := ToCHWFloat32(img, 2, [3]float32{0, 0, 0}, [3]float32{1, 1, 1})

	plane := 2 * 2
	// Channel order is BGR: plane 0 is B, plane 1 is G, plane 2 is R.
	assert.Equal(t, float32(128), data[0])
	assert.Equal(t, float32(0), data[plane])
	assert.Equal(t, float32(255), data[2*plane])
}

func TestCHWFloat32ToHWCAndBack_RoundTrips(t *testing.T) {
	size := 2
	chw := []float32{
		1, 2, 3, 4, // B plane
		5, 6, 7, 8, // G plane
		9, 10, 11, 12, // R plane
	}
	hwc := CHWFloat32ToHWC(chw, size)
	back := HWCToCHW(hwc, size)
	assert.Equal(t, chw, back)
}

func TestEncodeForPath_PreservesExtension(t *testing.T) {
	img := solidImage(4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	_, ext, err := EncodeForPath(img, "/out/result.jpg")
	require.NoError(t, err)
	assert.Equal(t, ".jpg", ext)
}

func TestEncodeForPath_DefaultsToPNGForUnknownExtension(t *testing.T) {
	img := solidImage(4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	_, ext, err := EncodeForPath(img, "/out/result.xyz")
	require.NoError(t, err)
	assert.Equal(t, ".png", ext)
}
