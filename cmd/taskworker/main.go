// Command taskworker is the optional fleet deployment of the task façade:
// a NATS JetStream consumer of SWAPTASKS task submissions, backed by the
// same durable identity library and blob store the in-process cmd/fswap
// CLI never needs, following the familiar
// config/logger/ONNX-init/datastore/consumer/metrics-endpoint/
// signal-shutdown startup shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/yourorg/fswap/internal/config"
	"github.com/yourorg/fswap/internal/observability"
	"github.com/yourorg/fswap/internal/storage"
	"github.com/yourorg/fswap/internal/task"
	"github.com/yourorg/fswap/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	workerCount := flag.Int("workers", 2, "number of concurrent task handlers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting fswap task worker",
		"workers", *workerCount,
		"cpu_cores", runtime.NumCPU(),
	)

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	identities, err := storage.NewIdentityStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer identities.Close()

	blobs, err := storage.NewBlobStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := blobs.EnsureBucket(context.Background()); err != nil {
		slog.Error("ensure minio bucket", "error", err)
		os.Exit(1)
	}

	q, err := task.NewQueue(cfg.NATS)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	engine, err := vision.NewEngine(vision.EngineConfig{
		DetectorPath:   filepath.Join(cfg.Models.Dir, cfg.Models.DetectorFile),
		EmbedderPath:   filepath.Join(cfg.Models.Dir, cfg.Models.EmbedderFile),
		SwapperPath:    filepath.Join(cfg.Models.Dir, cfg.Models.SwapperFile),
		EnhancerPath:   filepath.Join(cfg.Models.Dir, cfg.Models.EnhancerFile),
		IntraOpThreads: cfg.Models.IntraOpThreads,
		InterOpThreads: cfg.Models.InterOpThreads,
		Accelerator:    vision.Accelerator(cfg.Models.Accelerator),
	}, slog.Default())
	if err != nil {
		slog.Error("init vision engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	facade := task.NewFacade(engine, cfg.Task, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newTaskHandler(facade, engine, identities, blobs, cfg)

	if err := q.Consume(ctx, *workerCount, handler); err != nil {
		slog.Error("start swap task consumer", "error", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("taskworker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := identities.Ping(ctx); err != nil {
					slog.Warn("identity store ping failed", "error", err)
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down taskworker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("taskworker stopped")
}

// newTaskHandler closes over the façade and stores to turn one decoded
// task.Request into a task.Response, resolving bindings/identities and
// staging subject/output bytes through the blob store before delegating
// to the in-process façade operations.
func newTaskHandler(facade *task.Facade, engine *vision.Engine, identities *storage.IdentityStore, blobs *storage.BlobStore, cfg config.Config) task.Handler {
	return func(ctx context.Context, req task.Request) task.Response {
		observability.ActiveTasks.Inc()
		defer observability.ActiveTasks.Dec()

		subjectLocal, err := stageSubject(ctx, blobs, req.SubjectPath, cfg.Task.OutputDir)
		if err != nil {
			return task.Response{Status: task.StatusFailed, Stage: "stage_subject", ErrorCode: task.ErrorCode(err)}
		}

		bindings, err := resolveBindings(ctx, engine, identities, blobs, req)
		if err != nil {
			return task.Response{Status: task.StatusFailed, Stage: "resolve_identity", ErrorCode: task.ErrorCode(err)}
		}

		outputPath := filepath.Join(cfg.Task.OutputDir, req.ID+"_swapped.mp4")

		handle, err := facade.SwapVideo(task.SwapVideoRequest{
			SubjectPath:    subjectLocal,
			Bindings:       bindings,
			KeyFrameMs:     req.KeyFrameMs,
			OutputPath:     outputPath,
			UseAccelerator: req.UseAccelerator,
			Options:        vision.DefaultOptions(),
		})
		if err != nil {
			return task.Response{Status: task.StatusFailed, Stage: "launch", ErrorCode: task.ErrorCode(err)}
		}

		out, err := handle.AwaitResult(ctx)
		if err != nil {
			return task.Response{Status: task.StatusFailed, Stage: "swap", ErrorCode: task.ErrorCode(err)}
		}

		if err := uploadOutput(ctx, blobs, out, req.ID); err != nil {
			slog.Error("upload swap output", "task_id", req.ID, "error", err)
			return task.Response{Status: task.StatusFailed, Stage: "upload", ErrorCode: task.ErrorCode(err)}
		}

		return task.Response{Status: task.StatusSucceeded, Progress: 100, Stage: "done", OutputPath: out}
	}
}

// stageSubject downloads the task's subject media from the blob store to
// local disk so the video engine can operate on a plain file path.
func stageSubject(ctx context.Context, blobs *storage.BlobStore, key, outputDir string) (string, error) {
	data, err := blobs.GetSubject(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch subject %s: %w", key, err)
	}
	local := filepath.Join(outputDir, filepath.Base(key))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", fmt.Errorf("stage subject %s: %w", key, err)
	}
	return local, nil
}

// resolveBindings turns a task.Request's identity references (stored name
// or inline reference key) into face sources the façade can bind,
// preferring a pre-resolved identity vector from the identity store over
// re-deriving one from a reference photo.
func resolveBindings(ctx context.Context, engine *vision.Engine, identities *storage.IdentityStore, blobs *storage.BlobStore, req task.Request) ([]vision.FaceSource, error) {
	if len(req.Bindings) == 0 {
		vec, err := resolveIdentityVector(ctx, engine, identities, blobs, req.IdentityName, req.TargetIdentity)
		if err != nil {
			return nil, err
		}
		return []vision.FaceSource{{ID: "default", IdentityVector: vec}}, nil
	}

	sources := make([]vision.FaceSource, 0, len(req.Bindings))
	for _, b := range req.Bindings {
		vec, err := resolveIdentityVector(ctx, engine, identities, blobs, b.IdentityName, b.ReferenceKey)
		if err != nil {
			return nil, err
		}
		var region *vision.Region
		if b.Region != nil {
			r := vision.Region{Box: *b.Region, FaceSourceID: b.FaceSourceID}
			region = &r
		}
		sources = append(sources, vision.FaceSource{ID: b.FaceSourceID, IdentityVector: vec, Region: region})
	}
	return sources, nil
}

// resolveIdentityVector prefers a named, pre-resolved identity from the
// store over re-deriving an embedding from a reference photo.
func resolveIdentityVector(ctx context.Context, engine *vision.Engine, identities *storage.IdentityStore, blobs *storage.BlobStore, name, referenceKey string) ([]float32, error) {
	if name != "" {
		rec, err := identities.Lookup(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup identity %s: %w", name, err)
		}
		if rec != nil {
			return rec.Embedding, nil
		}
	}
	if referenceKey == "" {
		return nil, vision.ErrMissingFaceSources
	}
	data, err := blobs.GetReference(ctx, referenceKey)
	if err != nil {
		return nil, fmt.Errorf("fetch reference %s: %w", referenceKey, err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return engine.IdentityFromImage(img)
}

func uploadOutput(ctx context.Context, blobs *storage.BlobStore, localPath, taskID string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read swap output: %w", err)
	}
	return blobs.PutOutput(ctx, taskID, filepath.Ext(localPath), data)
}

func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
