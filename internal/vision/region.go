package vision

// Region is an axis-aligned rectangle in source-image pixels, optionally
// tagged with the face source that should be swapped into it.
type Region struct {
	Box          [4]float32
	FaceSourceID string
}

const (
	regionExpandFactor = 1.35
	regionMinSide      = 48
	regionDedupeIoU    = 0.45
)

// RegionsFromDetections expands each detection's box to a square
// (factor 1.35, min side 48, clipped to bounds), dropping any that end
// up below the minimum side, then dedupes by IoU
// ≥ 0.45 keeping the first (highest-score, since detections are assumed
// NMS-sorted already) survivor per overlapping group.
func RegionsFromDetections(detections []Detection, imgW, imgH int) []Region {
	var boxes [][4]float32
	for _, det := range detections {
		square, ok := ExpandToSquare(det.BBox, regionExpandFactor, regionMinSide, imgW, imgH)
		if !ok {
			continue
		}
		boxes = append(boxes, square)
	}

	keptIdx := DedupeByIoU(boxes, regionDedupeIoU)
	regions := make([]Region, len(keptIdx))
	for i, idx := range keptIdx {
		regions[i] = Region{Box: boxes[idx]}
	}
	return regions
}

// MatchRegionToDetection picks the detection whose center lies in, or is
// nearest to, region's box, ties broken by higher score — the
// region-to-detection binding rule. Returns ok=false if detections is
// empty; a region with no detection matched
// inside its box still returns the nearest one (the caller decides
// whether "nearest but outside" counts as "no face" for its purposes).
func MatchRegionToDetection(region Region, detections []Detection) (idx int, insideBox bool, ok bool) {
	if len(detections) == 0 {
		return 0, false, false
	}

	best := -1
	bestInside := false
	var bestDist float32
	var bestScore float32

	for i, det := range detections {
		cx := (det.BBox[0] + det.BBox[2]) / 2
		cy := (det.BBox[1] + det.BBox[3]) / 2
		inside := cx >= region.Box[0] && cx <= region.Box[2] && cy >= region.Box[1] && cy <= region.Box[3]

		rcx := (region.Box[0] + region.Box[2]) / 2
		rcy := (region.Box[1] + region.Box[3]) / 2
		dist := CentroidDistance([4]float32{cx, cy, cx, cy}, [4]float32{rcx, rcy, rcx, rcy})

		switch {
		case best < 0:
			best, bestInside, bestDist, bestScore = i, inside, dist, det.Confidence
		case inside && !bestInside:
			best, bestInside, bestDist, bestScore = i, inside, dist, det.Confidence
		case inside == bestInside && dist < bestDist:
			best, bestInside, bestDist, bestScore = i, inside, dist, det.Confidence
		case inside == bestInside && dist == bestDist && det.Confidence > bestScore:
			best, bestInside, bestDist, bestScore = i, inside, dist, det.Confidence
		}
	}

	return best, bestInside, true
}
