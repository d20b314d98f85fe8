package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yourorg/fswap/internal/vision"
)

// Status is one of the task-state enum.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Progress is a point-in-time snapshot of a running task, the shape
// the task protocol response mirrors ({status, progress, eta_seconds,
// stage, ...}).
type Progress struct {
	Status     Status
	Percent    float64
	ETASeconds float64
	Stage      string
}

// Handle is the task façade's asynchronous handle — a task handle
// instead of a callback: progress()/cancel()/await_result(), backed by
// a single atomic cancellation flag the video pipeline polls at its
// three checkpoints.
type Handle struct {
	mu         sync.RWMutex
	status     Status
	percent    float64
	eta        float64
	stage      string
	outputPath string
	err        error

	cancelled *atomic.Bool
	done      chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		status:    StatusQueued,
		stage:     "queued",
		cancelled: &atomic.Bool{},
		done:      make(chan struct{}),
	}
}

// Progress returns the current status snapshot.
func (h *Handle) Progress() Progress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Progress{Status: h.status, Percent: h.percent, ETASeconds: h.eta, Stage: h.stage}
}

// Cancel requests cooperative cancellation. Best-effort: up to
// N_workers+2 frames may still be processed before the task observes it.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// AwaitResult blocks until the task reaches a terminal state (or ctx is
// done), returning the output path on success.
func (h *Handle) AwaitResult(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.outputPath, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Handle) setRunning() {
	h.mu.Lock()
	h.status = StatusRunning
	h.stage = "processing"
	h.mu.Unlock()
}

func (h *Handle) reportProgress(processed, total int, etaSeconds float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if total > 0 {
		h.percent = 100 * float64(processed) / float64(total)
	}
	h.eta = etaSeconds
}

func (h *Handle) finish(outputPath string, err error) {
	h.mu.Lock()
	h.outputPath = outputPath
	h.err = err
	switch {
	case err == nil:
		h.status = StatusSucceeded
		h.percent = 100
		h.stage = "done"
	case errors.Is(err, vision.ErrCancelled):
		h.status = StatusCancelled
		h.stage = "cancelled"
	default:
		h.status = StatusFailed
		h.stage = "failed"
	}
	h.mu.Unlock()
	close(h.done)
}
