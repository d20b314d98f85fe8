// Package task implements the headless façade: the four
// public operations (detect_faces_in_image, detect_faces_in_video,
// swap_image, swap_video) any in-process Go caller — a CLI, a NATS
// worker, eventually a UI shell outside this repo's scope — drives
// directly. It owns no HTTP surface; cmd/fswap and cmd/taskworker are
// its only callers in this repo.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourorg/fswap/internal/config"
	"github.com/yourorg/fswap/internal/vision"
	"github.com/yourorg/fswap/internal/video"
)

// Facade is the single entry point into the engine for any caller of this
// repo. Model sessions inside engine are shared read-only for the
// process lifetime; Facade adds no per-call session state, only task
// bookkeeping.
type Facade struct {
	engine    *vision.Engine
	outputDir string
	logger    *slog.Logger
	sem       chan struct{}
}

// NewFacade wires engine to the façade's task-concurrency and output
// directory settings from internal/config's TaskConfig.
func NewFacade(engine *vision.Engine, cfg config.TaskConfig, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Facade{
		engine:    engine,
		outputDir: cfg.OutputDir,
		logger:    logger,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

// DetectFacesInImage runs the detector over imageBytes and returns the
// square-expanded, deduped regions. An image with no detected faces
// returns a nil slice, not an error — "no face" is a reportable result
// for this operation, not a boundary failure.
func (f *Facade) DetectFacesInImage(imageBytes []byte) ([]vision.Region, error) {
	img, err := vision.DecodeImage(imageBytes)
	if err != nil {
		return nil, err
	}

	detections, err := f.engine.DetectFaces(img)
	if err != nil {
		if errors.Is(err, vision.ErrNoFaceDetected) {
			return nil, nil
		}
		return nil, err
	}
	return vision.RegionsFromDetections(detections, img.W, img.H), nil
}

// VideoDetection is the result of DetectFacesInVideo.
type VideoDetection struct {
	Regions    []vision.Region
	FrameW     int
	FrameH     int
	FrameIndex int
}

// DetectFacesInVideo seeks to keyFrameMs, decodes that single frame, and
// runs the same detection pathway as DetectFacesInImage.
func (f *Facade) DetectFacesInVideo(ctx context.Context, videoPath string, keyFrameMs int) (VideoDetection, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return VideoDetection{}, fmt.Errorf("stat video: %w", vision.ErrFileNotFound)
	}

	img, frameIndex, err := video.ExtractKeyFrame(ctx, videoPath, keyFrameMs)
	if err != nil {
		return VideoDetection{}, err
	}

	result := VideoDetection{FrameW: img.W, FrameH: img.H, FrameIndex: frameIndex}

	detections, err := f.engine.DetectFaces(img)
	if err != nil {
		if errors.Is(err, vision.ErrNoFaceDetected) {
			return result, nil
		}
		return VideoDetection{}, err
	}
	result.Regions = vision.RegionsFromDetections(detections, img.W, img.H)
	return result, nil
}

// SwapImageRequest carries swap_image's inputs. Exactly one of
// TargetIdentity or Bindings should be set: Bindings takes precedence
// (explicit multi-source assignment); TargetIdentity is the single-source
// convenience form. Regions, when set alongside TargetIdentity, restricts
// the swap to the detections matching those regions; when unset, every
// detected subject face is swapped with the one identity.
type SwapImageRequest struct {
	Subject        []byte
	TargetIdentity []byte
	Bindings       []vision.FaceSource
	Regions        []vision.Region
	Options        vision.Options

	// OutputExt selects the output codec ("png"/"jpg"/"jpeg"), preserving
	// the subject's original extension. Defaults to "png" since
	// swap_image takes raw bytes, not a path, to decode from.
	OutputExt string
}

// SwapImage runs the image pathway synchronously.
func (f *Facade) SwapImage(req SwapImageRequest) ([]byte, error) {
	subject, err := vision.DecodeImage(req.Subject)
	if err != nil {
		return nil, err
	}

	var result *vision.Image

	switch {
	case len(req.Bindings) > 0:
		result, err = f.engine.Bind(subject, req.Bindings, req.Options)

	case len(req.Regions) > 0:
		identity, idErr := f.resolveSingleIdentity(req.TargetIdentity)
		if idErr != nil {
			return nil, idErr
		}
		sources := make([]vision.FaceSource, len(req.Regions))
		for i, region := range req.Regions {
			r := region
			sources[i] = vision.FaceSource{ID: fmt.Sprintf("region-%d", i), IdentityVector: identity, Region: &r}
		}
		result, err = f.engine.Bind(subject, sources, req.Options)

	default:
		identity, idErr := f.resolveSingleIdentity(req.TargetIdentity)
		if idErr != nil {
			return nil, idErr
		}
		result, err = f.swapEveryFace(subject, identity, req.Options)
	}
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(req.OutputExt)
	if ext == "" {
		ext = "png"
	}
	data, _, err := vision.EncodeForPath(result, "output."+ext)
	return data, err
}

// resolveSingleIdentity detects the largest face in identityBytes and
// returns its emap-transformed identity vector — the single-source
// shortcut shared by SwapImage's no-bindings paths.
func (f *Facade) resolveSingleIdentity(identityBytes []byte) ([]float32, error) {
	if identityBytes == nil {
		return nil, vision.ErrMissingFaceSources
	}
	img, err := vision.DecodeImage(identityBytes)
	if err != nil {
		return nil, err
	}
	return f.engine.IdentityFromImage(img)
}

// swapEveryFace implements the single-source, no-region data flow:
// every detected subject face is swapped (and optionally enhanced)
// with the same identity vector, chaining on the mutated image exactly
// as the multi-source binder does, but without the binder's
// without-region "largest face only" shortcut (which only applies to an
// explicit, region-less binding).
func (f *Facade) swapEveryFace(subject *vision.Image, identity []float32, opts vision.Options) (*vision.Image, error) {
	detections, err := f.engine.DetectFaces(subject)
	if err != nil {
		return nil, err
	}

	current := subject
	swappedAny := false
	for i, det := range detections {
		next, swapErr := f.engine.SwapFace(current, det, identity, opts)
		if swapErr != nil {
			f.logger.Error("swap failed for face, skipping", "face_index", i, "error", swapErr)
			continue
		}
		current = next
		swappedAny = true
		if opts.UseEnhancer {
			enhanced, enhErr := f.engine.EnhanceFace(current, det, opts)
			if enhErr != nil {
				f.logger.Error("enhance failed for face, keeping swapped result", "face_index", i, "error", enhErr)
				continue
			}
			current = enhanced
		}
	}
	if !swappedAny {
		return nil, fmt.Errorf("swap every face: %w", vision.ErrNoFaceDetected)
	}
	return current, nil
}

// SwapVideoRequest carries swap_video's inputs.
type SwapVideoRequest struct {
	SubjectPath    string
	TargetIdentity []byte
	Bindings       []vision.FaceSource
	KeyFrameMs     int
	OutputPath     string

	// UseAccelerator opts this task into the video pipeline's 2-worker
	// GPU-contention-safe concurrency policy. Execution providers are
	// attached to model sessions once at engine construction, so this
	// cannot switch providers per task — it only takes effect when the
	// engine already has an accelerator attached (video.Config.Accelerated
	// is req.UseAccelerator && engine.UsesAccelerator()); requesting it
	// against a CPU-only engine is a no-op since the CPU worker-count
	// branch is already bounded at min(6, cores-1).
	UseAccelerator bool
	Options        vision.Options
}

// SwapVideo launches the video pathway asynchronously and returns a
// Handle. Boundary validation (file existence, probe failures, identity
// resolution) happens synchronously before the handle is returned —
// boundary validation errors are raised before any inference begins.
func (f *Facade) SwapVideo(req SwapVideoRequest) (*Handle, error) {
	if _, err := os.Stat(req.SubjectPath); err != nil {
		return nil, fmt.Errorf("stat subject: %w", vision.ErrFileNotFound)
	}

	sources, err := f.resolveVideoSources(req)
	if err != nil {
		return nil, err
	}

	info, err := video.Probe(context.Background(), req.SubjectPath)
	if err != nil {
		return nil, fmt.Errorf("probe subject video: %w", err)
	}
	keyFrameIndex := 0
	if req.KeyFrameMs > 0 && info.FPS > 0 {
		keyFrameIndex = int(float64(req.KeyFrameMs)/1000.0*info.FPS + 0.5)
	}

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(f.outputDir, outputFileName(req.SubjectPath))
	}

	opts := req.Options
	accelerated := req.UseAccelerator && f.engine.UsesAccelerator()

	h := newHandle()
	cfg := video.Config{Sources: sources, KeyFrameIndex: keyFrameIndex, Options: opts, Accelerated: accelerated}

	go func() {
		f.sem <- struct{}{}
		defer func() { <-f.sem }()

		h.setRunning()

		runErr := video.RunSwap(context.Background(), f.engine, req.SubjectPath, outputPath, cfg, h.reportProgress, h.cancelled)
		if runErr != nil {
			h.finish("", runErr)
			return
		}
		h.finish(outputPath, nil)
	}()

	return h, nil
}

func (f *Facade) resolveVideoSources(req SwapVideoRequest) ([]vision.FaceSource, error) {
	if len(req.Bindings) > 0 {
		return req.Bindings, nil
	}
	identity, err := f.resolveSingleIdentity(req.TargetIdentity)
	if err != nil {
		return nil, err
	}
	return []vision.FaceSource{{ID: "default", IdentityVector: identity}}, nil
}

// outputFileName derives a `<name>_swapped.mp4` output path from the
// subject's base name.
func outputFileName(subjectPath string) string {
	base := filepath.Base(subjectPath)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return name + "_swapped.mp4"
}
