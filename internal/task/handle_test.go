package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/fswap/internal/vision"
)

func TestHandle_InitialStateIsQueued(t *testing.T) {
	h := newHandle()
	p := h.Progress()
	assert.Equal(t, StatusQueued, p.Status)
	assert.Equal(t, "queued", p.Stage)
}

func TestHandle_SetRunningTransitionsStatus(t *testing.T) {
	h := newHandle()
	h.setRunning()
	p := h.Progress()
	assert.Equal(t, StatusRunning, p.Status)
	assert.Equal(t, "processing", p.Stage)
}

func TestHandle_ReportProgressComputesPercent(t *testing.T) {
	h := newHandle()
	h.reportProgress(25, 100, 12.5)
	p := h.Progress()
	assert.InDelta(t, 25.0, p.Percent, 1e-6)
	assert.InDelta(t, 12.5, p.ETASeconds, 1e-6)
}

func TestHandle_ReportProgressIgnoresZeroTotal(t *testing.T) {
	h := newHandle()
	h.reportProgress(0, 0, 5)
	p := h.Progress()
	assert.Equal(t, 0.0, p.Percent)
	assert.Equal(t, 5.0, p.ETASeconds)
}

func TestHandle_FinishSuccessReachesSucceeded(t *testing.T) {
	h := newHandle()
	h.finish("/tmp/out.mp4", nil)

	out, err := h.AwaitResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.mp4", out)

	p := h.Progress()
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, 100.0, p.Percent)
	assert.Equal(t, "done", p.Stage)
}

func TestHandle_FinishCancelledMapsFromSentinelError(t *testing.T) {
	h := newHandle()
	h.finish("", vision.ErrCancelled)

	_, err := h.AwaitResult(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, vision.ErrCancelled))
	assert.Equal(t, StatusCancelled, h.Progress().Status)
}

func TestHandle_FinishOtherErrorIsFailed(t *testing.T) {
	h := newHandle()
	h.finish("", errors.New("boom"))

	_, err := h.AwaitResult(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusFailed, h.Progress().Status)
}

func TestHandle_AwaitResultRespectsContextCancellation(t *testing.T) {
	h := newHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.AwaitResult(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHandle_CancelSetsFlag(t *testing.T) {
	h := newHandle()
	assert.False(t, h.cancelled.Load())
	h.Cancel()
	assert.True(t, h.cancelled.Load())
}
