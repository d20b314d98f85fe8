package video

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourorg/fswap/internal/vision"
)

// frameItem is one unit of work flowing through the pipeline: a decoded
// frame (Img nil and Final true for a worker-termination sentinel —
// the decoder enqueues N_workers sentinel items on EOS).
type frameItem struct {
	Index int
	Img   *vision.Image
	Final bool
}

// frameResult is what a worker deposits into the ordered write-back map.
type frameResult struct {
	Img *vision.Image
	Err error
}

// ProgressFunc receives the running processed/total counters and the
// current ETA estimate.
type ProgressFunc func(processed, total int, etaSeconds float64)

// Config carries the per-task tunables for RunSwap: the resolved
// identity bindings (already validated against the subject's key frame
// by the caller, the façade layer), the key frame at which tracks seed,
// and the underlying image-processing options.
type Config struct {
	Sources       []vision.FaceSource
	KeyFrameIndex int
	Options       vision.Options

	// Accelerated selects the 2-worker GPU-contention-safe concurrency
	// policy for this task. The caller is expected to have already
	// ANDed this with engine.UsesAccelerator() — requesting it when no
	// accelerator is attached has no effect since chooseWorkerCount's
	// CPU branch is already contention-safe at min(6, cores-1).
	Accelerated bool
}

// chooseWorkerCount implements the concurrency policy: 2 workers when
// an accelerator is active (to avoid GPU contention thrashing), else
// min(6, cores-1).
func chooseWorkerCount(accelerated bool) int {
	if accelerated {
		return 2
	}
	n := runtime.NumCPU() - 1
	if n > 6 {
		n = 6
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RunSwap drives the full video-swap task: probe, decode, N concurrent
// swap/enhance workers, ordered write-back, audio remux. cancelled is
// polled at the three checkpoints: decoder after each frame, worker
// before inference, writer before each muxer write;
// when observed true the task aborts, the encoder is killed, and any
// partial output file is removed.
func RunSwap(ctx context.Context, engine *vision.Engine, sourcePath, outputPath string, cfg Config, progress ProgressFunc, cancelled *atomic.Bool) error {
	info, err := Probe(ctx, sourcePath)
	if err != nil {
		return fmt.Errorf("probe video: %w", err)
	}

	decoder, err := NewDecoder(ctx, sourcePath, info.Width, info.Height)
	if err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}

	videoOnlyPath := outputPath + ".video-only.mp4"
	encoder, err := NewEncoder(ctx, videoOnlyPath, info.Width, info.Height, info.FPS)
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	nWorkers := chooseWorkerCount(cfg.Accelerated)
	qInCap := 3 * nWorkers
	if qInCap < 5 {
		qInCap = 5
	}
	qIn := make(chan frameItem, qInCap)

	tracker := vision.NewTracker()

	var (
		resultMu sync.Mutex
		results  = make(map[int]frameResult)
		decoded  atomic.Int64
		aborted  atomic.Bool
		wg       sync.WaitGroup
		keySeed  sync.Once
	)
	var decodeDone atomic.Bool

	// Decoder goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer decoder.Close()
		defer close(qIn)

		idx := 0
		for {
			if cancelled.Load() {
				aborted.Store(true)
				// Stop ffmpeg so the deferred Close does not wait on a
				// process blocked writing into a pipe nobody reads.
				if decoder.cmd.Process != nil {
					_ = decoder.cmd.Process.Kill()
				}
				break
			}
			raw, err := decoder.ReadFrame()
			if err != nil {
				break // EOF or hard decode error both end the stream here
			}
			qIn <- frameItem{Index: idx, Img: bgrToImage(raw, info.Width, info.Height)}
			decoded.Add(1)
			idx++
		}
		decodeDone.Store(true)

		for i := 0; i < nWorkers; i++ {
			qIn <- frameItem{Final: true}
		}
	}()

	// Worker goroutines.
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range qIn {
				if item.Final {
					return
				}
				if cancelled.Load() {
					aborted.Store(true)
					continue
				}

				processed, err := processFrame(engine, tracker, item, cfg, &keySeed)
				resultMu.Lock()
				results[item.Index] = frameResult{Img: processed, Err: err}
				resultMu.Unlock()
			}
		}()
	}

	// Writer goroutine: ordered write-back, polling every 50ms for the
	// next expected index.
	writerDone := make(chan error, 1)
	go func() {
		expected := 0
		var written int64
		start := time.Now()

		for {
			if cancelled.Load() {
				aborted.Store(true)
				writerDone <- fmt.Errorf("cancelled: %w", vision.ErrCancelled)
				return
			}

			resultMu.Lock()
			res, ok := results[expected]
			if ok {
				delete(results, expected)
			}
			resultMu.Unlock()

			if !ok {
				// No decoded frame waiting and the decoder is long done:
				// the stream ended at `expected` frames.
				if decodeDone.Load() && int64(expected) >= decoded.Load() && !stillDecoding(qIn) {
					writerDone <- nil
					return
				}
				time.Sleep(50 * time.Millisecond)
				continue
			}

			img := res.Img
			if res.Err != nil {
				slog.Error("frame processing failed, passing through original", "frame", expected, "error", res.Err)
			}
			if err := encoder.WriteFrame(imageToBGR(img)); err != nil {
				writerDone <- fmt.Errorf("write frame %d: %w", expected, vision.ErrVideoWriteFailed)
				return
			}

			written++
			expected++

			if progress != nil {
				elapsed := time.Since(start).Seconds()
				total := info.TotalFrames
				if total <= 0 {
					total = expected
				}
				var eta float64
				if elapsed > 0 {
					fps := float64(written) / elapsed
					if fps > 0 {
						eta = float64(total-expected) / fps
					}
				}
				progress(expected, total, eta)
			}
		}
	}()

	wg.Wait()
	writerErr := <-writerDone

	if aborted.Load() || writerErr != nil {
		encoder.Kill()
		_ = os.Remove(videoOnlyPath)
		if writerErr != nil && !aborted.Load() {
			return writerErr
		}
		return vision.ErrCancelled
	}

	if err := encoder.Close(); err != nil {
		_ = os.Remove(videoOnlyPath)
		return fmt.Errorf("finalize encoder: %w", vision.ErrVideoWriteFailed)
	}

	if err := RemuxAudio(ctx, sourcePath, videoOnlyPath, outputPath, info.HasAudio); err != nil {
		return fmt.Errorf("remux audio: %w", err)
	}
	return nil
}

// stillDecoding reports whether the decoder side of qIn might still
// deliver more items — a conservative, racy-but-safe check used only to
// decide whether the writer should keep polling or conclude the stream
// ended; channel length/closedness is an approximation, not a
// synchronization primitive, so the writer's own 50ms poll bounds any
// staleness.
func stillDecoding(qIn chan frameItem) bool {
	return len(qIn) > 0
}

// processFrame runs detection once, seeds the tracker from cfg.Sources
// on the configured key frame (tracks are seeded from the user's
// bindings), matches this frame's detections against live tracks, and
// swaps+optionally-enhances every matched face. A per-frame failure is
// isolated: the original frame is returned unchanged rather than
// aborting the task.
func processFrame(engine *vision.Engine, tracker *vision.Tracker, item frameItem, cfg Config, keySeed *sync.Once) (img *vision.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing frame %d: %v", item.Index, r)
			img = item.Img
		}
	}()

	detections, detErr := engine.DetectFaces(item.Img)
	if detErr != nil {
		// No face this frame is not a failure to isolate against — just
		// nothing to swap. Hard detector errors fall through the same
		// path: pass the original frame through.
		return item.Img, nil
	}

	if item.Index == cfg.KeyFrameIndex {
		keySeed.Do(func() {
			for _, src := range cfg.Sources {
				identity, idErr := engine.ResolveIdentity(src)
				if idErr != nil {
					slog.Error("resolve face source at key frame failed", "source", src.ID, "error", idErr)
					continue
				}
				target, pickErr := vision.PickBindingTarget(src, detections)
				if pickErr != nil {
					slog.Error("bind face source at key frame failed", "source", src.ID, "error", pickErr)
					continue
				}
				tracker.Seed(target, identity, src.ID)
			}
		})
	}

	matches := tracker.Update(detections)
	current := item.Img
	for _, m := range matches {
		if m.DetectIdx < 0 {
			continue
		}
		det := detections[m.DetectIdx]
		swapped, swapErr := engine.SwapFace(current, det, m.Track.Identity, cfg.Options)
		if swapErr != nil {
			slog.Error("swap failed for track, passing frame through", "track", m.Track.ID, "frame", item.Index, "error", swapErr)
			continue
		}
		current = swapped
		if cfg.Options.UseEnhancer {
			enhanced, enhErr := engine.EnhanceFace(current, det, cfg.Options)
			if enhErr != nil {
				slog.Error("enhance failed for track, keeping swapped frame", "track", m.Track.ID, "frame", item.Index, "error", enhErr)
				continue
			}
			current = enhanced
		}
	}
	return current, nil
}

// bgrToImage wraps a raw BGR24 frame (ffmpeg's native pixel format) into
// the engine's RGB-ordered Image buffer.
func bgrToImage(raw []byte, w, h int) *vision.Image {
	pix := make([]uint8, len(raw))
	for i := 0; i+2 < len(raw); i += 3 {
		pix[i], pix[i+1], pix[i+2] = raw[i+2], raw[i+1], raw[i]
	}
	return &vision.Image{Pix: pix, W: w, H: h}
}

// imageToBGR converts the engine's RGB-ordered Image back to the raw
// BGR24 bytes the encoder expects.
func imageToBGR(img *vision.Image) []byte {
	raw := make([]byte, len(img.Pix))
	for i := 0; i+2 < len(img.Pix); i += 3 {
		raw[i], raw[i+1], raw[i+2] = img.Pix[i+2], img.Pix[i+1], img.Pix[i]
	}
	return raw
}
