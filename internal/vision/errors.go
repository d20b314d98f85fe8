package vision

import "errors"

// Sentinel errors forming the closed taxonomy surfaced to façade callers.
// Every boundary in this package wraps one of these with %w so errors.Is
// keeps working after fmt.Errorf wrapping.
var (
	ErrUnsupportedImageFormat  = errors.New("unsupported-image-format")
	ErrUnsupportedVideoFormat  = errors.New("unsupported-video-format")
	ErrImageDecodeFailed       = errors.New("image-decode-failed")
	ErrVideoOpenFailed         = errors.New("video-open-failed")
	ErrFileNotFound            = errors.New("file-not-found")
	ErrNoFaceDetected          = errors.New("no-face-detected")
	ErrNoFaceInSelectedRegions = errors.New("no-face-in-selected-regions")
	ErrMissingFaceSources      = errors.New("missing-face-sources")
	ErrInvalidFaceSourceBind   = errors.New("invalid-face-source-binding")
	ErrFaceSourceNotFound      = errors.New("face-source-not-found")
	ErrOutputWriteFailed       = errors.New("output-write-failed")
	ErrVideoWriteFailed        = errors.New("video-write-failed")
	ErrVideoOutputMissing      = errors.New("video-output-missing")
	ErrCancelled               = errors.New("cancelled")
	ErrModelLoadFailed         = errors.New("model-load-failed")

	// ErrEmapMissing and ErrEmapCorrupt distinguish two cases: a model
	// with no emap initializer at all versus one whose payload fails
	// validation. Both are warnings, never errors returned to a caller —
	// the swap proceeds without the transform.
	ErrEmapMissing = errors.New("emap-missing")
	ErrEmapCorrupt = errors.New("emap-corrupt")
)

// Code maps a taxonomy sentinel to the exact string the task protocol
// puts in a task record's error_code field.
func Code(err error) string {
	for _, e := range []error{
		ErrUnsupportedImageFormat, ErrUnsupportedVideoFormat,
		ErrImageDecodeFailed, ErrVideoOpenFailed, ErrFileNotFound,
		ErrNoFaceDetected, ErrNoFaceInSelectedRegions,
		ErrMissingFaceSources, ErrInvalidFaceSourceBind, ErrFaceSourceNotFound,
		ErrOutputWriteFailed, ErrVideoWriteFailed, ErrVideoOutputMissing,
		ErrCancelled, ErrModelLoadFailed,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return ""
}
