package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	// Format registration: decoding WebP/BMP/TIFF support, adopted from
	// smegmarip-stash-compreface-plugin's identical idiom.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Image is the core 8-bit, 3-channel, RGB-ordered pixel buffer. Pix is
// row-major HxWx3. ONNX models consume BGR;
// conversion happens only at the preprocessing boundary (ToCHWFloat32),
// never by mutating this buffer's channel order in place.
type Image struct {
	Pix    []uint8
	W, H   int
}

// heicBrands are the byte sequences that identify an
// ISOBMFF-boxed HEIC/HEIF file by its ftyp brand, checked before handing
// the bytes to image.Decode so HEIC is rejected with a clear boundary
// error rather than a generic decode failure.
var heicBrands = [][]byte{
	[]byte("ftypheic"), []byte("ftypheix"), []byte("ftyphevc"),
	[]byte("ftypheim"), []byte("ftypheis"), []byte("ftypmif1"),
}

// DecodeImage decodes PNG/JPEG/WebP/BMP/TIFF into an 8-bit 3-channel RGB
// Image, converting 16-bit and grayscale sources to 8-bit 3-channel along
// the way. HEIC/HEIF is rejected at the boundary with ErrUnsupportedImageFormat.
func DecodeImage(data []byte) (*Image, error) {
	if len(data) >= 12 {
		for _, brand := range heicBrands {
			if bytes.Contains(data[:min(64, len(data))], brand) {
				return nil, fmt.Errorf("heic/heif input: %w", ErrUnsupportedImageFormat)
			}
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", ErrImageDecodeFailed)
	}
	return fromImage(img), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// fromImage converts any decoded image.Image into our RGB Image buffer.
// Type-switched fast paths for the common decoder outputs avoid the
// image.Image interface's per-pixel method-call overhead.
func fromImage(img image.Image) *Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := &Image{Pix: make([]uint8, w*h*3), W: w, H: h}

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
				pix := src.Pix[off : off+3 : off+3]
				di := (y*w + x) * 3
				out.Pix[di], out.Pix[di+1], out.Pix[di+2] = pix[0], pix[1], pix[2]
			}
		}
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := src.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
				pix := src.Pix[off : off+3 : off+3]
				di := (y*w + x) * 3
				out.Pix[di], out.Pix[di+1], out.Pix[di+2] = pix[0], pix[1], pix[2]
			}
		}
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := bounds.Min.X+x, bounds.Min.Y+y
				yi := src.YOffset(sx, sy)
				ci := src.COffset(sx, sy)
				r, g, b := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				di := (y*w + x) * 3
				out.Pix[di], out.Pix[di+1], out.Pix[di+2] = r, g, b
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
				di := (y*w + x) * 3
				out.Pix[di], out.Pix[di+1], out.Pix[di+2] = v, v, v
			}
		}
	default:
		// Slow path: handles 16-bit (Gray16/RGBA64/NRGBA64) and anything
		// else via the generic At().RGBA(), which always yields 16-bit
		// channels — shifting down to 8-bit here converts all 16-bit
		// inputs to 8-bit.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				di := (y*w + x) * 3
				out.Pix[di], out.Pix[di+1], out.Pix[di+2] = uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
			}
		}
	}
	return out
}

// toImage wraps the Image buffer as a stdlib image.Image for encoding.
func (img *Image) toImage() image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, img.W, img.H))
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			si := (y*img.W + x) * 3
			di := dst.PixOffset(x, y)
			dst.Pix[di] = img.Pix[si]
			dst.Pix[di+1] = img.Pix[si+1]
			dst.Pix[di+2] = img.Pix[si+2]
			dst.Pix[di+3] = 255
		}
	}
	return dst
}

// EncodeForPath encodes img for output, preserving the input extension,
// falling back to PNG if the preferred encoder fails (e.g.
// an exotic extension stdlib/x/image cannot encode — only JPEG and PNG are
// write targets here, matching the corpus: nothing in the pack encodes
// WebP/TIFF/BMP, only decodes them).
func EncodeForPath(img *Image, outputPath string) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(outputPath))
	data, encErr := encodeByExt(img, ext)
	if encErr == nil {
		return data, ext, nil
	}
	data, pngErr := encodePNG(img)
	if pngErr != nil {
		return nil, "", fmt.Errorf("encode fallback png: %w: %w", ErrOutputWriteFailed, pngErr)
	}
	return data, ".png", nil
}

func encodeByExt(img *Image, ext string) ([]byte, error) {
	switch ext {
	case ".jpg", ".jpeg":
		return encodeJPEG(img, 95)
	case ".png", "":
		return encodePNG(img)
	default:
		return nil, fmt.Errorf("no encoder for extension %q", ext)
	}
}

func encodeJPEG(img *Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.toImage(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodePNG(img *Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.toImage()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ResizeRGB resizes the Image to exactly targetW x targetH using
// disintegration/imaging's linear (bilinear) resampler — adopted from
// smegmarip-stash-compreface-plugin, general-purpose enough to cover the
// several distinct alignment resolutions (112/128/512) this pipeline needs.
func ResizeRGB(img *Image, targetW, targetH int) *Image {
	resized := imaging.Resize(img.toImage(), targetW, targetH, imaging.Linear)
	return fromImage(resized)
}

// CropRect extracts the sub-rectangle [x1,y1,x2,y2) (clamped to bounds) as
// a new owned Image — always a copy, never aliasing the source buffer, so
// that multi-source binder mutation can never leak writes back into a
// region another binding already read.
func (img *Image) CropRect(x1, y1, x2, y2 int) *Image {
	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > img.W {
		x2 = img.W
	}
	if y2 > img.H {
		y2 = img.H
	}
	w, h := x2-x1, y2-y1
	if w <= 0 || h <= 0 {
		return &Image{W: 0, H: 0}
	}
	out := &Image{Pix: make([]uint8, w*h*3), W: w, H: h}
	for y := 0; y < h; y++ {
		srcOff := ((y+y1)*img.W + x1) * 3
		dstOff := y * w * 3
		copy(out.Pix[dstOff:dstOff+w*3], img.Pix[srcOff:srcOff+w*3])
	}
	return out
}

// Clone returns an independent deep copy, used whenever a binding in the
// multi-source chain must mutate without aliasing an earlier binding's
// view.
func (img *Image) Clone() *Image {
	out := &Image{Pix: make([]uint8, len(img.Pix)), W: img.W, H: img.H}
	copy(out.Pix, img.Pix)
	return out
}

// ToCHWFloat32 resizes img to size x size and converts to CHW float32 in
// BGR channel order (the ONNX model boundary convention), normalizing as
// (pixel - mean)/std per channel, parameterized by target size rather
// than hard-coded per call site, and fixed to BGR since every model here
// (SCRFD/ArcFace/InSwapper/GFPGAN) is OpenCV-convention BGR.
func ToCHWFloat32(img *Image, size int, mean, std [3]float32) []float32 {
	resized := img
	if img.W != size || img.H != size {
		resized = ResizeRGB(img, size, size)
	}
	data := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			si := (y*size + x) * 3
			idx := y*size + x
			r := float32(resized.Pix[si])
			g := float32(resized.Pix[si+1])
			b := float32(resized.Pix[si+2])
			data[idx] = (b - mean[0]) / std[0]
			data[plane+idx] = (g - mean[1]) / std[1]
			data[2*plane+idx] = (r - mean[2]) / std[2]
		}
	}
	return data
}

// CHWFloat32ToHWC converts a model's CHW BGR float32 output (pixel
// scale 0..255, as InSwapper/GFPGAN both emit before paste-back) into a
// flat HWC BGR uint8-range float32 buffer for the geometry kernel's warp
// and color-transfer helpers, which operate on HWC layout.
func CHWFloat32ToHWC(data []float32, size int) []float32 {
	plane := size * size
	out := make([]float32, len(data))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			di := idx * 3
			out[di] = data[idx]           // B
			out[di+1] = data[plane+idx]   // G
			out[di+2] = data[2*plane+idx] // R
		}
	}
	return out
}

// HWCToCHW is the inverse of CHWFloat32ToHWC, used when an enhanced/swapped
// HWC buffer must be fed back through a model expecting CHW (unused today
// since swap/enhance are terminal stages, kept for symmetry with the
// decode helper and exercised by imageio_test.go's round-trip check).
func HWCToCHW(data []float32, size int) []float32 {
	plane := size * size
	out := make([]float32, len(data))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			si := idx * 3
			out[idx] = data[si]
			out[plane+idx] = data[si+1]
			out[2*plane+idx] = data[si+2]
		}
	}
	return out
}
