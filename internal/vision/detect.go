package vision

import (
	"fmt"
	"math"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is a single detected face, in source-image pixel coordinates.
type Detection struct {
	BBox         [4]float32
	Confidence   float32
	Landmarks    [5][2]float32
	HasLandmarks bool
}

// outputLayout distinguishes the three SCRFD export shapes this detector
// accepts, determined from the model's output count at load time rather
// than assumed: detect which by output count and handle each.
type outputLayout int

const (
	layoutNineTensor outputLayout = iota // 3 strides x {scores, bboxes, landmarks}
	layoutSixTensor                      // 3 strides x {scores, bboxes}, no landmark head
	layoutMerged                         // single concatenated [N, 5|15] tensor
)

var strides = []int{8, 16, 32}

// Detector runs SCRFD-family anchor-based face detection.
type Detector struct {
	session     *ort.DynamicAdvancedSession
	inputName   string
	outputNames []string
	layout      outputLayout
	threshold   float32
	inputW      int
	inputH      int
}

// NewDetector loads a SCRFD ONNX model, probing GetInputOutputInfo to
// classify the export's output layout instead of hard-coding a single
// model's det_10g tensor names — other SCRFD exports don't share them.
// Grounded on pogo's rectify.go Dynamic-session + GetInputOutputInfo
// idiom, the only example in the pack that probes model IO instead of
// assuming it; session construction itself still goes through
// SessionManager.Load for the thread/accelerator configuration.
func NewDetector(modelPath string, threshold float32, mgr *SessionManager) (*Detector, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("probe detector io: %w: %w", ErrModelLoadFailed, err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("detector expects 1 input, model has %d: %w", len(inputs), ErrModelLoadFailed)
	}

	var layout outputLayout
	switch len(outputs) {
	case 9:
		layout = layoutNineTensor
	case 6:
		layout = layoutSixTensor
	case 1:
		layout = layoutMerged
	default:
		return nil, fmt.Errorf("unsupported detector output count %d: %w", len(outputs), ErrModelLoadFailed)
	}

	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	d := &Detector{
		inputName:   inputs[0].Name,
		outputNames: outputNames,
		layout:      layout,
		threshold:   threshold,
		inputW:      640,
		inputH:      640,
	}

	_, err = mgr.Load("detector", func(opts *ort.SessionOptions) error {
		session, err := ort.NewDynamicAdvancedSession(modelPath, []string{d.inputName}, outputNames, opts)
		if err != nil {
			return err
		}
		d.session = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Detect runs detection on a preprocessed CHW BGR float32 buffer
// ((pixel-127.5)/128, letterbox-padded with the normalized zero value,
// not raw zero). letterboxScale is the scale factor
// applied before padding, used to map decoded anchor-space coordinates
// back to origW/origH source pixels.
func (d *Detector) Detect(imgData []float32, origW, origH int, letterboxScale float32) ([]Detection, error) {
	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(d.inputH), int64(d.inputW)), imgData)
	if err != nil {
		return nil, fmt.Errorf("create detector input: %w", err)
	}
	defer input.Destroy()

	outs := make([]ort.Value, len(d.outputNames))
	if err := d.session.Run([]ort.Value{input}, outs); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}
	defer func() {
		for _, o := range outs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	var detections []Detection
	switch d.layout {
	case layoutNineTensor:
		detections = d.parseStridedTensors(outs, true, origW, origH, letterboxScale)
	case layoutSixTensor:
		detections = d.parseStridedTensors(outs, false, origW, origH, letterboxScale)
	case layoutMerged:
		detections = d.parseMergedTensor(outs[0], origW, origH, letterboxScale)
	}

	detections = applyFallbackLandmarks(detections)
	detections = nms(detections, 0.4)
	return detections, nil
}

// parseStridedTensors decodes the 9- or 6-tensor layout: 3 consecutive
// scores tensors, then 3 bboxes, then (if hasLandmarks) 3 landmarks, in
// stride-grouped output order, reading the anchor count per stride from
// the tensor itself instead of det_10g-specific constants 12800/3200/800.
func (d *Detector) parseStridedTensors(outs []ort.Value, hasLandmarks bool, origW, origH int, scale float32) []Detection {
	var detections []Detection

	for si, stride := range strides {
		scoresT, ok := outs[si].(*ort.Tensor[float32])
		if !ok {
			continue
		}
		bboxesT, ok := outs[si+3].(*ort.Tensor[float32])
		if !ok {
			continue
		}
		var landmarks []float32
		if hasLandmarks {
			if lt, ok := outs[si+6].(*ort.Tensor[float32]); ok {
				landmarks = lt.GetData()
			}
		}

		scores := scoresT.GetData()
		bboxes := bboxesT.GetData()

		fmW := d.inputW / stride
		fmH := d.inputH / stride
		anchorsPerPoint := len(scores) / maxInt(fmW*fmH, 1)
		if anchorsPerPoint == 0 {
			anchorsPerPoint = 1
		}

		idx := 0
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerPoint && idx < len(scores); a++ {
					detections = appendIfAboveThreshold(detections, d.threshold, scores[idx],
						float32(cx)+0.5, float32(cy)+0.5, float32(stride),
						bboxes, landmarks, idx, origW, origH, scale)
					idx++
				}
			}
		}
	}
	return detections
}

// parseMergedTensor decodes the single-tensor layout: one row of stride
// width 5 (box+score) or 15 (box+score+landmarks) per anchor, concatenated
// across strides in the same stride-major order as the split layout.
func (d *Detector) parseMergedTensor(out ort.Value, origW, origH int, scale float32) []Detection {
	t, ok := out.(*ort.Tensor[float32])
	if !ok {
		return nil
	}
	data := t.GetData()
	shape := t.GetShape()
	if len(shape) < 2 {
		return nil
	}
	rowWidth := int(shape[len(shape)-1])
	hasLandmarks := rowWidth >= 15
	n := len(data) / rowWidth

	totalCells := 0
	for _, st := range strides {
		totalCells += (d.inputW / st) * (d.inputH / st)
	}
	anchorsPerPoint := n / maxInt(totalCells, 1)
	if anchorsPerPoint == 0 {
		anchorsPerPoint = 1
	}

	var detections []Detection
	row := 0
	for _, st := range strides {
		fmW := d.inputW / st
		fmH := d.inputH / st
		for cy := 0; cy < fmH; cy++ {
			for cx := 0; cx < fmW; cx++ {
				for a := 0; a < anchorsPerPoint && row < n; a++ {
					base := row * rowWidth
					score := data[base+4]
					bboxes := data[base : base+4]
					var landmarks []float32
					if hasLandmarks {
						landmarks = data[base+5 : base+15]
					}
					detections = appendIfAboveThreshold(detections, d.threshold, score,
						float32(cx)+0.5, float32(cy)+0.5, float32(st),
						bboxes, landmarks, 0, origW, origH, scale)
					row++
				}
			}
		}
	}
	return detections
}

func appendIfAboveThreshold(detections []Detection, threshold, score, cx, cy, stride float32,
	bboxes, landmarks []float32, idx, origW, origH int, scale float32) []Detection {
	if score < threshold {
		return detections
	}
	anchorX := cx * stride
	anchorY := cy * stride

	boff := idx * 4
	if len(bboxes) < boff+4 {
		boff = 0
	}
	x1 := (anchorX - bboxes[boff+0]*stride) / scale
	y1 := (anchorY - bboxes[boff+1]*stride) / scale
	x2 := (anchorX + bboxes[boff+2]*stride) / scale
	y2 := (anchorY + bboxes[boff+3]*stride) / scale

	x1 = clampF(x1, 0, float32(origW))
	y1 = clampF(y1, 0, float32(origH))
	x2 = clampF(x2, 0, float32(origW))
	y2 = clampF(y2, 0, float32(origH))

	det := Detection{BBox: [4]float32{x1, y1, x2, y2}, Confidence: score}

	if len(landmarks) >= 10 {
		loff := idx * 10
		if len(landmarks) < loff+10 {
			loff = 0
		}
		for li := 0; li < 5; li++ {
			det.Landmarks[li][0] = (anchorX + landmarks[loff+li*2]*stride) / scale
			det.Landmarks[li][1] = (anchorY + landmarks[loff+li*2+1]*stride) / scale
		}
		det.HasLandmarks = true
	}

	return append(detections, det)
}

// applyFallbackLandmarks synthesizes the five-point landmark set from box
// geometry for any detection the model didn't supply landmarks for,
// using a fixed-offset fallback. These are deliberately coarse.
func applyFallbackLandmarks(detections []Detection) []Detection {
	offsets := [5][2]float32{
		{-0.17, -0.12}, {0.17, -0.12}, {0, 0.02}, {-0.14, 0.18}, {0.14, 0.18},
	}
	for i := range detections {
		if detections[i].HasLandmarks {
			continue
		}
		b := detections[i].BBox
		w := b[2] - b[0]
		h := b[3] - b[1]
		cx := (b[0] + b[2]) / 2
		cy := (b[1] + b[3]) / 2
		for li, off := range offsets {
			detections[i].Landmarks[li][0] = cx + off[0]*w
			detections[i].Landmarks[li][1] = cy + off[1]*h
		}
		detections[i].HasLandmarks = true
	}
	return detections
}

// InputSize returns the model's expected input dimensions.
func (d *Detector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
}

// nms performs score-descending Non-Maximum Suppression, 0.4 IoU
// threshold.
func nms(detections []Detection, iouThreshold float32) []Detection {
	if len(detections) == 0 {
		return detections
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	keep := make([]bool, len(detections))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(detections); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(detections); j++ {
			if !keep[j] {
				continue
			}
			if iou(detections[i].BBox, detections[j].BBox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []Detection
	for i, d := range detections {
		if keep[i] {
			result = append(result, d)
		}
	}
	return result
}

// iou and clampF are shared numeric primitives: geometry.go's
// IoU/ExpandToSquare/DedupeByIoU/FeatheredMask all call these unexported
// forms directly rather than duplicating them package-wide.
func iou(a, b [4]float32) float32 {
	x1 := float32(math.Max(float64(a[0]), float64(b[0])))
	y1 := float32(math.Max(float64(a[1]), float64(b[1])))
	x2 := float32(math.Min(float64(a[2]), float64(b[2])))
	y2 := float32(math.Min(float64(a[3]), float64(b[3])))

	intersection := float32(math.Max(0, float64(x2-x1))) * float32(math.Max(0, float64(y2-y1)))

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
