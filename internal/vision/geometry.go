package vision

import "math"

// AlignmentTransform is a 2x3 affine mapping source pixels to aligned
// template pixels: x' = a*x + b*y + tx, y' = c*x + d*y + ty.
type AlignmentTransform struct {
	A, B, TX float32
	C, D, TY float32
}

// arcfaceTemplate112 is the fixed 5-point ArcFace reference template at
// 112x112.
var arcfaceTemplate112 = [5][2]float32{
	{38.2946, 51.6963},
	{73.5318, 51.5014},
	{56.0252, 71.7366},
	{41.5493, 92.3655},
	{70.7299, 92.2041},
}

// Template returns the fixed 5-point reference landmarks scaled to the
// requested alignment resolution (112, 128, or 512).
func Template(size int) [5][2]float32 {
	scale := float32(size) / 112.0
	var t [5][2]float32
	for i, p := range arcfaceTemplate112 {
		t[i] = [2]float32{p[0] * scale, p[1] * scale}
	}
	return t
}

// EstimateSimilarity computes a 2x3 affine similarity transform (uniform
// scale + rotation + translation, no shear) that least-squares maps src
// onto dst via the closed-form Umeyama estimator, specialized to 2D.
//
// This is the affine analogue of the general 3x3 homography solve used
// for document rectification: instead of an 8-unknown perspective system,
// the similarity constraint collapses the estimate to 4 unknowns
// (scale*cos, scale*sin, tx, ty), solved directly from centered second
// moments rather than Gaussian elimination over a linear system.
func EstimateSimilarity(src, dst [5][2]float32) AlignmentTransform {
	n := float64(len(src))

	var srcMeanX, srcMeanY, dstMeanX, dstMeanY float64
	for i := 0; i < 5; i++ {
		srcMeanX += float64(src[i][0])
		srcMeanY += float64(src[i][1])
		dstMeanX += float64(dst[i][0])
		dstMeanY += float64(dst[i][1])
	}
	srcMeanX /= n
	srcMeanY /= n
	dstMeanX /= n
	dstMeanY /= n

	// Cross-covariance matrix components and source variance, computed on
	// centered coordinates.
	var sxx, sxy, syx, syy, srcVar float64
	for i := 0; i < 5; i++ {
		sx := float64(src[i][0]) - srcMeanX
		sy := float64(src[i][1]) - srcMeanY
		dx := float64(dst[i][0]) - dstMeanX
		dy := float64(dst[i][1]) - dstMeanY

		sxx += dx * sx
		sxy += dx * sy
		syx += dy * sx
		syy += dy * sy
		srcVar += sx*sx + sy*sy
	}
	srcVar /= n
	sxx /= n
	sxy /= n
	syx /= n
	syy /= n

	// Closed-form 2x2 analytic SVD of the covariance matrix
	// [[sxx, sxy], [syx, syy]] via the rotation-plus-reflection
	// decomposition: for a 2x2 matrix M, U*S*V^T can be built directly
	// from the two angles theta = atan2(m10-m01... ) using the standard
	// one-sided Jacobi trick, avoiding a general SVD routine.
	e := (sxx + syy) / 2
	f := (sxx - syy) / 2
	g := (syx + sxy) / 2
	h := (syx - sxy) / 2

	q := math.Hypot(h, e)
	r := math.Hypot(g, f)

	sx1 := q + r
	sy1 := q - r

	a1 := math.Atan2(g, f)
	a2 := math.Atan2(h, e)

	theta := (a2 - a1) / 2
	phi := (a2 + a1) / 2

	cosTheta, sinTheta := math.Cos(theta), math.Sin(theta)
	cosPhi, sinPhi := math.Cos(phi), math.Sin(phi)

	// U = [[cosPhi,-sinPhi],[sinPhi,cosPhi]], V^T = [[cosTheta,-sinTheta],[sinTheta,cosTheta]]
	// R = U * V^T (the pure-rotation part of the decomposition).
	r00 := cosPhi*cosTheta - sinPhi*sinTheta
	r01 := -cosPhi*sinTheta - sinPhi*cosTheta
	r10 := sinPhi*cosTheta + cosPhi*sinTheta
	r11 := -sinPhi*sinTheta + cosPhi*cosTheta

	// Determinant-sign correction (Umeyama's S matrix): if the implied
	// determinant is negative, flip the smaller singular value's sign so
	// the returned transform is a proper rotation, not a reflection.
	det := r00*r11 - r01*r10
	if det < 0 {
		sy1 = -sy1
		r01 = -r01
		r11 = -r11
	}

	scale := 0.0
	if srcVar > 1e-12 {
		scale = (sx1 + sy1) / srcVar
	}

	a := scale * r00
	b := scale * r01
	c := scale * r10
	d := scale * r11

	tx := dstMeanX - (a*srcMeanX + b*srcMeanY)
	ty := dstMeanY - (c*srcMeanX + d*srcMeanY)

	return AlignmentTransform{
		A: float32(a), B: float32(b), TX: float32(tx),
		C: float32(c), D: float32(d), TY: float32(ty),
	}
}

// Apply maps a source point through the transform.
func (t AlignmentTransform) Apply(x, y float32) (float32, float32) {
	return t.A*x + t.B*y + t.TX, t.C*x + t.D*y + t.TY
}

// Invert returns the inverse affine transform, used to paste a
// processed aligned crop back into source-frame coordinates.
func (t AlignmentTransform) Invert() AlignmentTransform {
	det := float64(t.A)*float64(t.D) - float64(t.B)*float64(t.C)
	if det == 0 {
		// Degenerate transform (should not happen for a similarity fit
		// from non-collinear landmarks); return identity rather than
		// dividing by zero.
		return AlignmentTransform{A: 1, D: 1}
	}
	invDet := 1.0 / det
	ia := float32(float64(t.D) * invDet)
	ib := float32(-float64(t.B) * invDet)
	ic := float32(-float64(t.C) * invDet)
	id := float32(float64(t.A) * invDet)
	itx := -(ia*t.TX + ib*t.TY)
	ity := -(ic*t.TX + id*t.TY)
	return AlignmentTransform{A: ia, B: ib, TX: itx, C: ic, D: id, TY: ity}
}

// IoU computes the intersection-over-union of two axis-aligned boxes in
// (x1, y1, x2, y2) form.
func IoU(a, b [4]float32) float32 {
	return iou(a, b)
}

// CentroidDistance returns the Euclidean distance between box centers.
func CentroidDistance(a, b [4]float32) float32 {
	acx, acy := (a[0]+a[2])/2, (a[1]+a[3])/2
	bcx, bcy := (b[0]+b[2])/2, (b[1]+b[3])/2
	return float32(math.Hypot(float64(acx-bcx), float64(acy-bcy)))
}

// Diagonal returns the box diagonal length, used for the tracker's
// centroid-fallback search radius (0.65 * diagonal).
func Diagonal(box [4]float32) float32 {
	w := box[2] - box[0]
	h := box[3] - box[1]
	return float32(math.Hypot(float64(w), float64(h)))
}

// ExpandToSquare grows a box to a square of side max(w,h)*factor, re-centered,
// clipped to [0,imgW]x[0,imgH]. Returns ok=false if the resulting side is
// below minSide.
func ExpandToSquare(box [4]float32, factor float32, minSide float32, imgW, imgH int) (square [4]float32, ok bool) {
	w := box[2] - box[0]
	h := box[3] - box[1]
	side := w
	if h > side {
		side = h
	}
	side *= factor

	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2

	x1 := cx - side/2
	y1 := cy - side/2
	x2 := cx + side/2
	y2 := cy + side/2

	x1 = clampF(x1, 0, float32(imgW))
	y1 = clampF(y1, 0, float32(imgH))
	x2 = clampF(x2, 0, float32(imgW))
	y2 = clampF(y2, 0, float32(imgH))

	finalSide := x2 - x1
	if y2-y1 < finalSide {
		finalSide = y2 - y1
	}
	if finalSide < minSide {
		return [4]float32{}, false
	}
	return [4]float32{x1, y1, x2, y2}, true
}

// DedupeByIoU keeps the first (highest-score, assuming the caller sorted by
// score descending) box among any group whose pairwise IoU exceeds the
// threshold.
func DedupeByIoU(boxes [][4]float32, threshold float32) []int {
	keep := make([]bool, len(boxes))
	for i := range keep {
		keep[i] = true
	}
	var kept []int
	for i := range boxes {
		if !keep[i] {
			continue
		}
		kept = append(kept, i)
		for j := i + 1; j < len(boxes); j++ {
			if keep[j] && iou(boxes[i], boxes[j]) >= threshold {
				keep[j] = false
			}
		}
	}
	return kept
}

// smoothstep is the classic Hermite ease used to build the feathered
// border ramp: 0 below edge0, 1 above edge1, smooth in between.
func smoothstep(edge0, edge1, x float32) float32 {
	if edge1 == edge0 {
		if x < edge0 {
			return 0
		}
		return 1
	}
	t := clampF((x-edge0)/(edge1-edge0), 0, 1)
	return t * t * (3 - 2*t)
}

// FeatheredMask builds a size x size alpha mask: 1 in the interior, ramping
// down to 0 over a border fraction of each edge via smoothstep, with
// corners taking the per-axis minimum so they fade first.
func FeatheredMask(size int, borderFraction float32) []float32 {
	mask := make([]float32, size*size)
	border := float32(size) * borderFraction
	if border < 1 {
		border = 1
	}
	for y := 0; y < size; y++ {
		fy := edgeFeather(float32(y), float32(size), border)
		for x := 0; x < size; x++ {
			fx := edgeFeather(float32(x), float32(size), border)
			alpha := fx
			if fy < alpha {
				alpha = fy
			}
			mask[y*size+x] = alpha
		}
	}
	return mask
}

// edgeFeather returns the 1D feather value for a coordinate within [0,size):
// 0 right at the edge, ramping to 1 by `border` pixels in, 1 through the
// interior, ramping back to 0 over the last `border` pixels.
func edgeFeather(coord, size, border float32) float32 {
	distToNearEdge := coord + 0.5
	distToFarEdge := size - coord - 0.5
	d := distToNearEdge
	if distToFarEdge < d {
		d = distToFarEdge
	}
	return smoothstep(0, border, d)
}

// ColorTransferStats holds per-channel mean/stddev sampled over the inner
// region of an aligned crop (1/6-margin inset), used for statistical color
// transfer during paste-back.
type ColorTransferStats struct {
	Mean [3]float32
	Std  [3]float32
}

// MeasureColorStats computes per-channel mean/stddev over the inner region
// of a size x size x 3 (HWC) float32 buffer, inset by a 1/6 margin on each
// edge to avoid background contamination at the crop border.
func MeasureColorStats(pixels []float32, size int) ColorTransferStats {
	margin := size / 6
	var sum, sumSq [3]float64
	count := 0
	for y := margin; y < size-margin; y++ {
		for x := margin; x < size-margin; x++ {
			off := (y*size + x) * 3
			for c := 0; c < 3; c++ {
				v := float64(pixels[off+c])
				sum[c] += v
				sumSq[c] += v * v
			}
			count++
		}
	}
	var stats ColorTransferStats
	if count == 0 {
		return stats
	}
	n := float64(count)
	for c := 0; c < 3; c++ {
		mean := sum[c] / n
		variance := sumSq[c]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		std := math.Sqrt(variance)
		if std < 1.0 {
			std = 1.0
		}
		stats.Mean[c] = float32(mean)
		stats.Std[c] = float32(std)
	}
	return stats
}

// ColorTransfer applies channel-wise statistical color transfer from model
// output toward the target (input-aligned) crop's statistics, blended with
// the raw output by strength (0 = no transfer, 1 = full transfer).
func ColorTransfer(output []float32, outStats, targetStats ColorTransferStats, size int, strength float32) []float32 {
	result := make([]float32, len(output))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := (y*size + x) * 3
			for c := 0; c < 3; c++ {
				v := output[off+c]
				corrected := (v-outStats.Mean[c])*(targetStats.Std[c]/outStats.Std[c]) + targetStats.Mean[c]
				result[off+c] = clampF(v*(1-strength)+corrected*strength, 0, 255)
			}
		}
	}
	return result
}

// BilinearSampleBGR samples a HxWx3 uint8 BGR buffer at fractional (x, y),
// returning black for out-of-bounds coordinates (matching the paste-back
// convention of treating the warp as defined only inside the source frame).
func BilinearSampleBGR(pix []uint8, w, h int, x, y float32) (b, g, r float32) {
	if x < 0 || y < 0 || x > float32(w-1) || y > float32(h-1) {
		return 0, 0, 0
	}
	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx := x - float32(x0)
	fy := y - float32(y0)

	sample := func(px, py int) (float32, float32, float32) {
		off := (py*w + px) * 3
		return float32(pix[off]), float32(pix[off+1]), float32(pix[off+2])
	}
	b00, g00, r00 := sample(x0, y0)
	b10, g10, r10 := sample(x1, y0)
	b01, g01, r01 := sample(x0, y1)
	b11, g11, r11 := sample(x1, y1)

	lerp2 := func(v00, v10, v01, v11 float32) float32 {
		top := v00 + (v10-v00)*fx
		bottom := v01 + (v11-v01)*fx
		return top + (bottom-top)*fy
	}
	return lerp2(b00, b10, b01, b11), lerp2(g00, g10, g01, g11), lerp2(r00, r10, r01, r11)
}

// BilinearSampleFloat3 is BilinearSampleBGR's float32-buffer counterpart,
// used to sample model-output HWC crops (already in source-scale float32,
// not uint8) during paste-back.
func BilinearSampleFloat3(buf []float32, w, h int, x, y float32) (c0, c1, c2 float32) {
	if x < 0 || y < 0 || x > float32(w-1) || y > float32(h-1) {
		return 0, 0, 0
	}
	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx := x - float32(x0)
	fy := y - float32(y0)

	sample := func(px, py int) (float32, float32, float32) {
		off := (py*w + px) * 3
		return buf[off], buf[off+1], buf[off+2]
	}
	v00a, v00b, v00c := sample(x0, y0)
	v10a, v10b, v10c := sample(x1, y0)
	v01a, v01b, v01c := sample(x0, y1)
	v11a, v11b, v11c := sample(x1, y1)

	lerp2 := func(v00, v10, v01, v11 float32) float32 {
		top := v00 + (v10-v00)*fx
		bottom := v01 + (v11-v01)*fx
		return top + (bottom-top)*fy
	}
	return lerp2(v00a, v10a, v01a, v11a), lerp2(v00b, v10b, v01b, v11b), lerp2(v00c, v10c, v01c, v11c)
}

// BilinearSampleFloat1 samples a single-channel size x size float32 buffer
// (used for the feathered alpha mask) at fractional (x, y), returning 0
// out of bounds.
func BilinearSampleFloat1(buf []float32, size int, x, y float32) float32 {
	if x < 0 || y < 0 || x > float32(size-1) || y > float32(size-1) {
		return 0
	}
	x0 := int(x)
	y0 := int(y)
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= size {
		x1 = size - 1
	}
	if y1 >= size {
		y1 = size - 1
	}
	fx := x - float32(x0)
	fy := y - float32(y0)
	v00 := buf[y0*size+x0]
	v10 := buf[y0*size+x1]
	v01 := buf[y1*size+x0]
	v11 := buf[y1*size+x1]
	top := v00 + (v10-v00)*fx
	bottom := v01 + (v11-v01)*fx
	return top + (bottom-top)*fy
}
