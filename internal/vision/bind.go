package vision

import "fmt"

// FaceSource is one entry of a multi-source swap request: a reference
// image supplying an identity, optionally pre-resolved to a stored
// identity vector, optionally scoped to a region of the subject image.
type FaceSource struct {
	ID string

	// IdentityVector, when non-nil, is used directly (already
	// emap-transformed) instead of re-detecting/re-embedding SourceImage —
	// the resolution path for a caller that passed identity_id and had it
	// looked up against the identity store, which takes precedence over
	// SourceImage when both are present.
	IdentityVector []float32

	// SourceImage is detected and embedded once per Bind call when
	// IdentityVector is nil.
	SourceImage *Image

	// Region, when set, scopes this binding to the subject detection whose
	// center falls inside (or nearest) this box, per the region binding
	// rule. When nil, this binding targets the single largest detected
	// subject face (the "without region" single-source shortcut).
	Region *Region
}

// Bind resolves and applies every FaceSource to subject in the caller's
// given order: each swap mutates a *new* owned image
// (never the caller's original or the previous binding's buffer in
// place), and each subsequent binding detects and swaps against that new
// image — so bindings are order-sensitive and later ones see earlier
// ones' results. Returns the final swapped image.
func (e *Engine) Bind(subject *Image, sources []FaceSource, opts Options) (*Image, error) {
	if len(sources) == 0 {
		return nil, ErrMissingFaceSources
	}

	current := subject
	for i, src := range sources {
		identity, err := e.ResolveIdentity(src)
		if err != nil {
			return nil, fmt.Errorf("resolve face source %d (%s): %w", i, src.ID, err)
		}

		detections, err := e.DetectFaces(current)
		if err != nil {
			return nil, fmt.Errorf("detect for binding %d (%s): %w", i, src.ID, err)
		}

		target, err := PickBindingTarget(src, detections)
		if err != nil {
			return nil, fmt.Errorf("bind face source %d (%s): %w", i, src.ID, err)
		}

		next, err := e.SwapFace(current, target, identity, opts)
		if err != nil {
			return nil, fmt.Errorf("swap for binding %d (%s): %w", i, src.ID, err)
		}
		if opts.UseEnhancer {
			next, err = e.EnhanceFace(next, target, opts)
			if err != nil {
				return nil, fmt.Errorf("enhance for binding %d (%s): %w", i, src.ID, err)
			}
		}
		current = next
	}
	return current, nil
}

// ResolveIdentity returns src's emap-transformed identity vector, taking
// a pre-resolved IdentityVector over re-deriving one from SourceImage.
// Exported so the video engine can resolve multi-source bindings once at
// key-frame time before seeding tracks.
func (e *Engine) ResolveIdentity(src FaceSource) ([]float32, error) {
	if src.IdentityVector != nil {
		return src.IdentityVector, nil
	}
	if src.SourceImage == nil {
		return nil, ErrInvalidFaceSourceBind
	}
	return e.IdentityFromImage(src.SourceImage)
}

// PickBindingTarget applies the region binding rule: with a region, bind
// to the detection MatchRegionToDetection resolves inside it; without one,
// fall back to the single largest detected face. Exported so the video
// engine can reuse the same binding-resolution rule when seeding tracks
// at the key frame.
func PickBindingTarget(src FaceSource, detections []Detection) (Detection, error) {
	if len(detections) == 0 {
		return Detection{}, ErrNoFaceDetected
	}
	if src.Region == nil {
		return largestDetection(detections), nil
	}

	idx, inside, ok := MatchRegionToDetection(*src.Region, detections)
	if !ok || !inside {
		return Detection{}, ErrNoFaceInSelectedRegions
	}
	return detections[idx], nil
}
