package vision

import (
	"fmt"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// Embedder extracts 512-d ArcFace identity embeddings.
type Embedder struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	embDim       int
}

// NewEmbedder loads the ArcFace r50 ONNX model (112x112 input, 512-d
// output), routed through the shared SessionManager for thread/accelerator
// configuration rather than fixed nil options.
func NewEmbedder(modelPath string, mgr *SessionManager) (*Embedder, error) {
	inputW, inputH := 112, 112
	embDim := 512

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(embDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	e := &Embedder{
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		embDim:       embDim,
	}

	_, err = mgr.Load("embedder", func(opts *ort.SessionOptions) error {
		session, err := ort.NewAdvancedSession(modelPath,
			[]string{"input.1"},
			[]string{"683"},
			[]ort.Value{inputTensor},
			[]ort.Value{outputTensor},
			opts,
		)
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

// Extract runs embedding extraction on a face aligned to 112x112, BGR,
// preprocessed as (p-127.5)/127.5 in CHW layout, and L2-normalizes the
// result.
func (e *Embedder) Extract(faceData []float32) ([]float32, error) {
	inputSlice := e.inputTensor.GetData()
	copy(inputSlice, faceData)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	outputData := e.outputTensor.GetData()
	embedding := make([]float32, e.embDim)
	copy(embedding, outputData)

	normalize(embedding)
	return embedding, nil
}

// InputSize returns the expected face crop dimensions.
func (e *Embedder) InputSize() (int, int) {
	return e.inputW, e.inputH
}

// EmbeddingDim returns the embedding vector dimension.
func (e *Embedder) EmbeddingDim() int {
	return e.embDim
}

func (e *Embedder) Close() {
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

// normalize performs L2 normalization in-place; a zero vector is left
// untouched rather than dividing by zero.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

// CosineSimilarity returns the dot product of a and b over their common
// length, which is their cosine similarity when both are L2-normalized.
func CosineSimilarity(a, b []float32) float32 {
	var dot float32
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += a[i] * b[i]
	}
	return dot
}
