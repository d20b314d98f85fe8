// Command fswap is the thin CLI shell around the task façade: a single
// in-process driver of task.Facade, never an HTTP server, never a UI
// shell. cmd/taskworker adds an optional distributed deployment of the
// same façade behind NATS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/yourorg/fswap/internal/config"
	"github.com/yourorg/fswap/internal/observability"
	"github.com/yourorg/fswap/internal/task"
	"github.com/yourorg/fswap/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	mode := flag.String("mode", "", "detect-image | detect-video | swap-image | swap-video")
	subject := flag.String("subject", "", "path to the subject image/video")
	target := flag.String("target", "", "path to the target identity photo")
	output := flag.String("out", "", "output path (image bytes/video file)")
	keyFrameMs := flag.Int("keyframe-ms", 0, "key frame timestamp in milliseconds (video modes)")
	useEnhancer := flag.Bool("enhance", true, "run the optional GFPGAN enhancer stage")
	useAccelerator := flag.Bool("accelerate", true, "prefer a non-CPU execution provider if available")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	ort.SetSharedLibraryPath(onnxLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		logger.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	accelerator := vision.Accelerator(cfg.Models.Accelerator)
	if !*useAccelerator {
		accelerator = vision.AcceleratorCPU
	}

	engine, err := vision.NewEngine(vision.EngineConfig{
		DetectorPath:   filepath.Join(cfg.Models.Dir, cfg.Models.DetectorFile),
		EmbedderPath:   filepath.Join(cfg.Models.Dir, cfg.Models.EmbedderFile),
		SwapperPath:    filepath.Join(cfg.Models.Dir, cfg.Models.SwapperFile),
		EnhancerPath:   filepath.Join(cfg.Models.Dir, cfg.Models.EnhancerFile),
		IntraOpThreads: cfg.Models.IntraOpThreads,
		InterOpThreads: cfg.Models.InterOpThreads,
		Accelerator:    accelerator,
	}, logger)
	if err != nil {
		logger.Error("init vision engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	facade := task.NewFacade(engine, cfg.Task, logger)

	opts := vision.DefaultOptions()
	opts.ColorTransferStrength = float32(cfg.Video.ColorTransferStrength)
	opts.UseEnhancer = *useEnhancer && engine.HasEnhancer()

	ctx := context.Background()

	var runErr error
	switch *mode {
	case "detect-image":
		runErr = runDetectImage(facade, *subject)
	case "detect-video":
		runErr = runDetectVideo(ctx, facade, *subject, *keyFrameMs)
	case "swap-image":
		runErr = runSwapImage(facade, *subject, *target, *output, opts)
	case "swap-video":
		runErr = runSwapVideo(facade, *subject, *target, *output, *keyFrameMs, *useAccelerator, opts)
	default:
		fmt.Fprintln(os.Stderr, "usage: fswap -mode {detect-image|detect-video|swap-image|swap-video} ...")
		os.Exit(2)
	}
	if runErr != nil {
		logger.Error("command failed", "mode", *mode, "error", runErr)
		os.Exit(1)
	}
}

func runDetectImage(facade *task.Facade, subjectPath string) error {
	data, err := os.ReadFile(subjectPath)
	if err != nil {
		return fmt.Errorf("read subject: %w", err)
	}
	regions, err := facade.DetectFacesInImage(data)
	if err != nil {
		return err
	}
	return printJSON(regions)
}

func runDetectVideo(ctx context.Context, facade *task.Facade, subjectPath string, keyFrameMs int) error {
	result, err := facade.DetectFacesInVideo(ctx, subjectPath, keyFrameMs)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runSwapImage(facade *task.Facade, subjectPath, targetPath, outputPath string, opts vision.Options) error {
	subject, err := os.ReadFile(subjectPath)
	if err != nil {
		return fmt.Errorf("read subject: %w", err)
	}
	targetIdentity, err := os.ReadFile(targetPath)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	out, err := facade.SwapImage(task.SwapImageRequest{
		Subject:        subject,
		TargetIdentity: targetIdentity,
		OutputExt:      extWithoutDot(outputPath),
		Options:        opts,
	})
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = "output.png"
	}
	return os.WriteFile(outputPath, out, 0o644)
}

func runSwapVideo(facade *task.Facade, subjectPath, targetPath, outputPath string, keyFrameMs int, useAccelerator bool, opts vision.Options) error {
	targetIdentity, err := os.ReadFile(targetPath)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}

	handle, err := facade.SwapVideo(task.SwapVideoRequest{
		SubjectPath:    subjectPath,
		TargetIdentity: targetIdentity,
		KeyFrameMs:     keyFrameMs,
		OutputPath:     outputPath,
		UseAccelerator: useAccelerator,
		Options:        opts,
	})
	if err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				p := handle.Progress()
				slog.Info("swap progress", "status", p.Status, "percent", p.Percent, "eta_seconds", p.ETASeconds, "stage", p.Stage)
			case <-done:
				return
			}
		}
	}()

	out, err := handle.AwaitResult(context.Background())
	close(done)
	if err != nil {
		return err
	}
	slog.Info("swap complete", "output", out)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func extWithoutDot(path string) string {
	ext := filepath.Ext(path)
	if len(ext) > 0 {
		return ext[1:]
	}
	return ""
}

func onnxLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
