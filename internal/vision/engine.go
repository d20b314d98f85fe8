package vision

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/fswap/internal/observability"
)

// Options carries the per-task tunables left as configuration, including
// the resolved color-transfer-strength default of 0.85.
type Options struct {
	ColorTransferStrength float32
	UseEnhancer           bool
}

// DefaultOptions returns the engine's default tunables.
func DefaultOptions() Options {
	return Options{ColorTransferStrength: 0.85, UseEnhancer: true}
}

const (
	detectNormMean = 127.5
	detectNormStd  = 128.0
	embedNormMean  = 127.5
	embedNormStd   = 127.5
)

// EngineConfig names the four model files and the accelerator preference,
// loaded from internal/config's Models section.
type EngineConfig struct {
	DetectorPath    string
	EmbedderPath    string
	SwapperPath     string
	EnhancerPath    string // optional; Enhancer is nil if empty or load fails
	IntraOpThreads  int
	InterOpThreads  int
	Accelerator     Accelerator
}

// Engine wires the four ONNX stages plus the geometric kernel into the
// single per-face pipeline: detect → embed → (emap transform) → swap →
// paste-back → optionally enhance, each stage owning its own session
// lifecycle under the shared SessionManager.
type Engine struct {
	mgr      *SessionManager
	detector *Detector
	embedder *Embedder
	swapper  *Swapper
	enhancer *Enhancer
	emap     [][]float32
	logger   *slog.Logger
}

// NewEngine loads the detector, embedder, and swapper (mandatory) plus the
// enhancer (optional — a missing/unloadable enhancer disables the
// enhance stage rather than failing engine construction, since it is an
// optional stage). The emap is extracted from the swapper model file and,
// if missing or failing validation, logged as a warning — never a fatal
// error.
func NewEngine(cfg EngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := NewSessionManager(cfg.IntraOpThreads, cfg.InterOpThreads, cfg.Accelerator)

	logger.Info("loading detector", "path", cfg.DetectorPath)
	det, err := NewDetector(cfg.DetectorPath, 0.5, mgr)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	logger.Info("loading embedder", "path", cfg.EmbedderPath)
	emb, err := NewEmbedder(cfg.EmbedderPath, mgr)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	logger.Info("loading swapper", "path", cfg.SwapperPath)
	swp, err := NewSwapper(cfg.SwapperPath, mgr)
	if err != nil {
		det.Close()
		emb.Close()
		return nil, fmt.Errorf("load swapper: %w", err)
	}

	e := &Engine{mgr: mgr, detector: det, embedder: emb, swapper: swp, logger: logger}

	if cfg.EnhancerPath != "" {
		enh, err := NewEnhancer(cfg.EnhancerPath, mgr)
		if err != nil {
			logger.Warn("enhancer unavailable, continuing without it", "path", cfg.EnhancerPath, "error", err)
		} else {
			e.enhancer = enh
		}
	}

	emap, err := ExtractEmap(cfg.SwapperPath)
	switch {
	case err == nil:
		e.emap = emap
		observability.EmapStatus.Set(1)
	case errors.Is(err, ErrEmapCorrupt):
		logger.Warn("emap corrupt, swapping without identity transform", "error", err)
		observability.EmapStatus.Set(-1)
	default:
		logger.Warn("emap missing, swapping without identity transform", "error", err)
		observability.EmapStatus.Set(0)
	}

	return e, nil
}

func (e *Engine) Close() {
	e.detector.Close()
	e.embedder.Close()
	e.swapper.Close()
	if e.enhancer != nil {
		e.enhancer.Close()
	}
}

// HasEnhancer reports whether the optional GFPGAN stage loaded.
func (e *Engine) HasEnhancer() bool {
	return e.enhancer != nil
}

// UsesAccelerator reports whether the most recently loaded model session
// attached a non-CPU execution provider, which gates the video pipeline's worker
// count policy (2 when an accelerator is active — GPU contention would
// thrash).
func (e *Engine) UsesAccelerator() bool {
	return e.mgr.ActiveAccelerator() != AcceleratorCPU
}

// letterboxPreprocess builds the detector's CHW BGR input tensor for img,
// letterbox-scaled (aspect preserved, anchored top-left, no centering
// offset — scale back by dividing by the letterbox scale, with no
// translation term) and padded with the normalized value of zero,
// (0-127.5)/128.
func letterboxPreprocess(img *Image, targetW, targetH int) ([]float32, float32) {
	scale := float32(targetW) / float32(img.W)
	if s := float32(targetH) / float32(img.H); s < scale {
		scale = s
	}
	newW := int(float32(img.W) * scale)
	newH := int(float32(img.H) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	resized := ResizeRGB(img, newW, newH)

	fillValue := float32((0 - detectNormMean) / detectNormStd)
	data := make([]float32, 3*targetH*targetW)
	for i := range data {
		data[i] = fillValue
	}

	plane := targetW * targetH
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			si := (y*newW + x) * 3
			idx := y*targetW + x
			r := float32(resized.Pix[si])
			g := float32(resized.Pix[si+1])
			b := float32(resized.Pix[si+2])
			data[idx] = (b - detectNormMean) / detectNormStd
			data[plane+idx] = (g - detectNormMean) / detectNormStd
			data[2*plane+idx] = (r - detectNormMean) / detectNormStd
		}
	}
	return data, scale
}

// DetectFaces runs the detector over img and returns raw detections in
// source-pixel coordinates (before any region expansion).
func (e *Engine) DetectFaces(img *Image) ([]Detection, error) {
	start := time.Now()
	defer func() { observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds()) }()

	w, h := e.detector.InputSize()
	data, scale := letterboxPreprocess(img, w, h)
	detections, err := e.detector.Detect(data, img.W, img.H, scale)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(detections) == 0 {
		return nil, ErrNoFaceDetected
	}
	return detections, nil
}

// alignCrop resamples img into a size x size RGB crop aligned to the
// template via transform's inverse (template pixel -> source pixel).
func alignCrop(img *Image, transform AlignmentTransform, size int) *Image {
	inv := transform.Invert()
	out := &Image{Pix: make([]uint8, size*size*3), W: size, H: size}
	for oy := 0; oy < size; oy++ {
		for ox := 0; ox < size; ox++ {
			sx, sy := inv.Apply(float32(ox), float32(oy))
			c0, c1, c2 := BilinearSampleBGR(img.Pix, img.W, img.H, sx, sy)
			di := (oy*size + ox) * 3
			out.Pix[di], out.Pix[di+1], out.Pix[di+2] = uint8(clampF(c0, 0, 255)), uint8(clampF(c1, 0, 255)), uint8(clampF(c2, 0, 255))
		}
	}
	return out
}

// Embed aligns a detected face to 112x112 and returns its L2-normalized
// 512-d ArcFace identity vector.
func (e *Engine) Embed(img *Image, det Detection) ([]float32, error) {
	start := time.Now()
	defer func() { observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds()) }()

	transform := EstimateSimilarity(det.Landmarks, Template(112))
	aligned := alignCrop(img, transform, 112)
	chw := ToCHWFloat32(aligned, 112, [3]float32{embedNormMean, embedNormMean, embedNormMean}, [3]float32{embedNormStd, embedNormStd, embedNormStd})
	vec, err := e.embedder.Extract(chw)
	if err != nil {
		return nil, fmt.Errorf("embed face: %w", err)
	}
	return vec, nil
}

// IdentityFromImage is the single-source convenience path: detect the
// largest face in a reference photo and return its emap-transformed
// identity vector, used by the façade's single-identity swap_image call
// and by FaceSource resolution in the binder.
func (e *Engine) IdentityFromImage(img *Image) ([]float32, error) {
	detections, err := e.DetectFaces(img)
	if err != nil {
		return nil, err
	}
	largest := largestDetection(detections)
	raw, err := e.Embed(img, largest)
	if err != nil {
		return nil, err
	}
	return ApplyEmap(e.emap, raw), nil
}

func largestDetection(detections []Detection) Detection {
	best := detections[0]
	bestArea := area(best.BBox)
	for _, d := range detections[1:] {
		if a := area(d.BBox); a > bestArea {
			best, bestArea = d, a
		}
	}
	return best
}

func area(b [4]float32) float32 {
	return (b[2] - b[0]) * (b[3] - b[1])
}

// SwapFace runs the InSwapper stage on a single detection and composites
// the result back into frame, returning a new Image (frame is never
// mutated in place — the multi-source binder relies on this to chain
// swaps safely).
// identity must already be emap-transformed (ApplyEmap/IdentityFromImage).
func (e *Engine) SwapFace(frame *Image, det Detection, identity []float32, opts Options) (*Image, error) {
	start := time.Now()
	defer func() { observability.InferenceDuration.WithLabelValues("swap").Observe(time.Since(start).Seconds()) }()

	transform := EstimateSimilarity(det.Landmarks, Template(swapInputSize))
	aligned := alignCrop(frame, transform, swapInputSize)

	chw := ToCHWFloat32(aligned, swapInputSize, [3]float32{0, 0, 0}, [3]float32{1, 1, 1})
	swapped, err := e.swapper.Run(chw, identity)
	if err != nil {
		return nil, fmt.Errorf("swap face: %w", err)
	}

	outputHWC := CHWFloat32ToHWC(swapped, swapInputSize)
	targetHWC := imageToHWCBGRFloat32(aligned)

	outStats := MeasureColorStats(outputHWC, swapInputSize)
	targetStats := MeasureColorStats(targetHWC, swapInputSize)
	corrected := ColorTransfer(outputHWC, outStats, targetStats, swapInputSize, opts.ColorTransferStrength)

	mask := FeatheredMask(swapInputSize, 0.12)

	return pasteBack(frame, transform, swapInputSize, corrected, mask), nil
}

// EnhanceFace runs the optional GFPGAN stage on a detection already
// present in frame (typically right after SwapFace) and composites the
// restored crop back in, with a 10%-border feather and no color
// transfer. Skipped (frame returned unchanged) if the enhancer didn't
// load or the detection has fewer than 5 landmarks.
func (e *Engine) EnhanceFace(frame *Image, det Detection, opts Options) (*Image, error) {
	if e.enhancer == nil || !opts.UseEnhancer {
		return frame, nil
	}
	if !det.HasLandmarks {
		return frame, nil
	}

	start := time.Now()
	defer func() { observability.InferenceDuration.WithLabelValues("enhance").Observe(time.Since(start).Seconds()) }()

	transform := EstimateSimilarity(det.Landmarks, Template(enhanceInputSize))
	aligned := alignCrop(frame, transform, enhanceInputSize)

	chw := ToCHWFloat32(aligned, enhanceInputSize, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
	raw, err := e.enhancer.Run(chw)
	if err != nil {
		return nil, fmt.Errorf("enhance face: %w", err)
	}
	for i := range raw {
		raw[i] = (raw[i]*0.5 + 0.5) * 255
	}

	outputHWC := CHWFloat32ToHWC(raw, enhanceInputSize)
	mask := FeatheredMask(enhanceInputSize, 0.10)

	return pasteBack(frame, transform, enhanceInputSize, outputHWC, mask), nil
}

// imageToHWCBGRFloat32 reads an RGB uint8 Image into a BGR-ordered
// float32 HWC buffer, matching the channel order the swapper/enhancer
// models emit so ColorTransfer/pasteBack operate on consistent layouts.
func imageToHWCBGRFloat32(img *Image) []float32 {
	out := make([]float32, len(img.Pix))
	for i := 0; i < len(img.Pix); i += 3 {
		out[i] = float32(img.Pix[i+2])
		out[i+1] = float32(img.Pix[i+1])
		out[i+2] = float32(img.Pix[i+0])
	}
	return out
}

// pasteBack inverse-warps a size x size BGR float32 crop (and its alpha
// mask) from template space back into frame's source-pixel coordinates
// and alpha-composites. Iterates only the source-space bounding box of
// the aligned square, not the whole frame.
func pasteBack(frame *Image, transform AlignmentTransform, size int, correctedBGR, mask []float32) *Image {
	out := frame.Clone()
	inv := transform.Invert()

	corners := [4][2]float32{{0, 0}, {float32(size), 0}, {0, float32(size)}, {float32(size), float32(size)}}
	minX, minY := float32(frame.W), float32(frame.H)
	maxX, maxY := float32(0), float32(0)
	for _, c := range corners {
		sx, sy := inv.Apply(c[0], c[1])
		if sx < minX {
			minX = sx
		}
		if sy < minY {
			minY = sy
		}
		if sx > maxX {
			maxX = sx
		}
		if sy > maxY {
			maxY = sy
		}
	}
	x0 := clampInt(int(minX), 0, frame.W)
	y0 := clampInt(int(minY), 0, frame.H)
	x1 := clampInt(int(maxX)+1, 0, frame.W)
	y1 := clampInt(int(maxY)+1, 0, frame.H)

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			ax, ay := transform.Apply(float32(x), float32(y))
			if ax < 0 || ay < 0 || ax > float32(size-1) || ay > float32(size-1) {
				continue
			}
			alpha := BilinearSampleFloat1(mask, size, ax, ay)
			if alpha <= 0 {
				continue
			}
			b, g, r := BilinearSampleFloat3(correctedBGR, size, size, ax, ay)

			di := (y*frame.W + x) * 3
			origR := float32(out.Pix[di])
			origG := float32(out.Pix[di+1])
			origB := float32(out.Pix[di+2])

			out.Pix[di] = uint8(clampF(origR*(1-alpha)+r*alpha, 0, 255))
			out.Pix[di+1] = uint8(clampF(origG*(1-alpha)+g*alpha, 0, 255))
			out.Pix[di+2] = uint8(clampF(origB*(1-alpha)+b*alpha, 0, 255))
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
