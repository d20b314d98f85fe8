package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScaledBitrate_ReferenceResolutionMatchesReference(t *testing.T) {
	assert.Equal(t, 4_000_000, scaledBitrate(1920, 1080))
}

func TestScaledBitrate_ScalesLinearlyWithPixelCount(t *testing.T) {
	// Half the reference pixel count should yield half the bitrate.
	got := scaledBitrate(1920, 540)
	assert.Equal(t, 2_000_000, got)
}

func TestScaledBitrate_FloorsAtOneMbpsForSmallFrames(t *testing.T) {
	got := scaledBitrate(320, 240)
	assert.Equal(t, 1_000_000, got)
}

func TestScaledBitrate_ScalesUpFor4K(t *testing.T) {
	got := scaledBitrate(3840, 2160)
	assert.Equal(t, 16_000_000, got)
}

func TestParseFrameRate_RationalForm(t *testing.T) {
	assert.InDelta(t, 30.0, parseFrameRate("30/1"), 1e-9)
	assert.InDelta(t, 29.97002997, parseFrameRate("30000/1001"), 1e-6)
}

func TestParseFrameRate_PlainNumber(t *testing.T) {
	assert.InDelta(t, 25.0, parseFrameRate("25"), 1e-9)
}

func TestParseFrameRate_ZeroDenominatorIsZero(t *testing.T) {
	assert.Equal(t, 0.0, parseFrameRate("30/0"))
}

func TestParseFrameRate_MalformedIsZero(t *testing.T) {
	assert.Equal(t, 0.0, parseFrameRate("not-a-rate"))
}
