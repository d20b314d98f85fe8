package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InferenceDuration times each ONNX stage (detect/embed/swap/enhance)
	// per invocation.
	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fswap",
		Name:      "inference_duration_seconds",
		Help:      "Duration of ONNX inference stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"stage"})

	// FramesProcessed counts video frames that went through at least one
	// face swap/enhance.
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswap",
		Name:      "frames_processed_total",
		Help:      "Total number of video frames processed",
	}, []string{"task_id"})

	// FramesPassedThrough counts frames written unchanged because
	// detection found nothing or a per-frame worker failure was isolated
	// rather than aborting the whole task.
	FramesPassedThrough = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fswap",
		Name:      "frames_passed_through_total",
		Help:      "Total number of video frames written without modification",
	}, []string{"task_id", "reason"})

	// ActiveTasks tracks in-flight façade tasks (image and video).
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswap",
		Name:      "active_tasks",
		Help:      "Number of currently running tasks",
	})

	// QueueDepth tracks the optional NATS-backed task queue depth, used
	// only by cmd/taskworker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswap",
		Name:      "task_queue_depth",
		Help:      "Number of pending swap tasks in the queue",
	})

	// EmapStatus reports whether the currently loaded swapper model's
	// emap matrix was found and validated (1), missing (0), or corrupt
	// (-1), surfacing it as an observable signal rather than only a log
	// line.
	EmapStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fswap",
		Name:      "emap_status",
		Help:      "Swapper emap matrix status: 1 ok, 0 missing, -1 corrupt",
	})
)
