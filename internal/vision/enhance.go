package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// enhanceInputSize is GFPGAN 1.4's fixed aligned-crop resolution.
const enhanceInputSize = 512

// Enhancer runs GFPGAN 1.4 face restoration: a 512x512 aligned BGR crop
// in, a 512x512 BGR crop out. Single input/output, so this uses a fixed
// AdvancedSession shape rather than swap.go's dynamic-probed one —
// GFPGAN's ONNX export has a single, stable IO pair.
type Enhancer struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputName    string
	outputName   string
}

// NewEnhancer loads the GFPGAN ONNX model, probing input/output names
// (exports vary between "input"/"output" and numeric ONNX-exported
// names) but assuming the fixed 512x512x3 single-IO shape.
func NewEnhancer(modelPath string, mgr *SessionManager) (*Enhancer, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("probe enhancer io: %w: %w", ErrModelLoadFailed, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("enhancer expects 1 input/1 output, got %d/%d: %w",
			len(inputs), len(outputs), ErrModelLoadFailed)
	}

	inputShape := ort.NewShape(1, 3, enhanceInputSize, enhanceInputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create enhancer input tensor: %w", err)
	}
	outputShape := ort.NewShape(1, 3, enhanceInputSize, enhanceInputSize)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create enhancer output tensor: %w", err)
	}

	e := &Enhancer{
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputName:    inputs[0].Name,
		outputName:   outputs[0].Name,
	}

	_, err = mgr.Load("enhancer", func(opts *ort.SessionOptions) error {
		session, err := ort.NewAdvancedSession(modelPath,
			[]string{e.inputName}, []string{e.outputName},
			[]ort.Value{inputTensor}, []ort.Value{outputTensor}, opts)
		if err != nil {
			return err
		}
		e.session = session
		return nil
	})
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	return e, nil
}

// Run forwards a 512x512 CHW BGR crop preprocessed as (p/255-0.5)/0.5
// and returns the raw model output in the same normalized scale; the
// caller post-processes with (o*0.5+0.5)*255.
func (e *Enhancer) Run(faceCHW []float32) ([]float32, error) {
	inputSlice := e.inputTensor.GetData()
	copy(inputSlice, faceCHW)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run enhance: %w", err)
	}

	out := e.outputTensor.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

// InputSize returns the enhancer's fixed aligned-crop resolution.
func (e *Enhancer) InputSize() int {
	return enhanceInputSize
}

func (e *Enhancer) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}
