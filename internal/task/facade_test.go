package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yourorg/fswap/internal/vision"
)

func TestOutputFileName_SwapsExtensionForMP4Suffix(t *testing.T) {
	assert.Equal(t, "clip_swapped.mp4", outputFileName("/tmp/uploads/clip.mov"))
}

func TestOutputFileName_HandlesNameWithNoExtension(t *testing.T) {
	assert.Equal(t, "clip_swapped.mp4", outputFileName("clip"))
}

func TestErrorCode_DelegatesToVisionCode(t *testing.T) {
	assert.Equal(t, vision.Code(vision.ErrNoFaceDetected), ErrorCode(vision.ErrNoFaceDetected))
}

func TestErrorCode_UnknownErrorIsEmptyString(t *testing.T) {
	unknown := errors.New("something unexpected")
	assert.Equal(t, "", ErrorCode(unknown))
}
