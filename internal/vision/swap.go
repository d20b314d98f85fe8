package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// swapInputSize is InSwapper 128's fixed aligned-crop resolution.
const swapInputSize = 128

// Swapper runs the InSwapper 128 identity-swap model: an aligned
// 128x128 BGR crop plus an emap-transformed 512-d identity vector in,
// a 128x128 BGR crop out.
type Swapper struct {
	session      *ort.DynamicAdvancedSession
	imageInput   string
	vectorInput  string
	outputName   string
}

// NewSwapper loads the InSwapper ONNX model. Input names are resolved by
// probing GetInputOutputInfo and picking the input whose tensor shape has
// a trailing dimension of 512 as the identity vector, the other as the
// image — InSwapper exports vary in naming ("target"/"source" vs.
// numeric) but not in this shape distinction, so probing is more robust
// than hard-coding names the way a fixed-IO model like the enhancer can.
func NewSwapper(modelPath string, mgr *SessionManager) (*Swapper, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("probe swapper io: %w: %w", ErrModelLoadFailed, err)
	}
	if len(inputs) != 2 || len(outputs) != 1 {
		return nil, fmt.Errorf("swapper expects 2 inputs/1 output, got %d/%d: %w",
			len(inputs), len(outputs), ErrModelLoadFailed)
	}

	s := &Swapper{outputName: outputs[0].Name}
	for _, in := range inputs {
		if isVectorShape(in.Dimensions) {
			s.vectorInput = in.Name
		} else {
			s.imageInput = in.Name
		}
	}
	if s.vectorInput == "" || s.imageInput == "" {
		return nil, fmt.Errorf("could not classify swapper inputs by shape: %w", ErrModelLoadFailed)
	}

	_, err = mgr.Load("swapper", func(opts *ort.SessionOptions) error {
		session, err := ort.NewDynamicAdvancedSession(modelPath,
			[]string{s.imageInput, s.vectorInput}, []string{s.outputName}, opts)
		if err != nil {
			return err
		}
		s.session = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func isVectorShape(dims []int64) bool {
	if len(dims) == 0 {
		return false
	}
	return dims[len(dims)-1] == emapDim
}

// Run forwards a 128x128 CHW BGR crop (pixel scale 0..255) and an
// emap-transformed identity vector (512-d) through InSwapper, returning
// the raw CHW BGR output at the same pixel scale.
func (s *Swapper) Run(faceCHW []float32, identity []float32) ([]float32, error) {
	imgTensor, err := ort.NewTensor(ort.NewShape(1, 3, swapInputSize, swapInputSize), faceCHW)
	if err != nil {
		return nil, fmt.Errorf("create swapper image tensor: %w", err)
	}
	defer imgTensor.Destroy()

	vecTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(identity))), identity)
	if err != nil {
		return nil, fmt.Errorf("create swapper vector tensor: %w", err)
	}
	defer vecTensor.Destroy()

	outs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{imgTensor, vecTensor}, outs); err != nil {
		return nil, fmt.Errorf("run swap: %w", err)
	}
	defer func() {
		if outs[0] != nil {
			outs[0].Destroy()
		}
	}()

	out, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected swapper output type")
	}
	result := make([]float32, 3*swapInputSize*swapInputSize)
	copy(result, out.GetData())
	return result, nil
}

// InputSize returns the swap model's fixed aligned-crop resolution.
func (s *Swapper) InputSize() int {
	return swapInputSize
}

func (s *Swapper) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
}
