package vision

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Accelerator names the execution-provider preference a caller can ask
// the session manager for. "auto" walks the platform's fallback chain;
// any other value pins a single provider and falls back to CPU only if
// that provider fails to attach.
type Accelerator string

const (
	AcceleratorAuto     Accelerator = "auto"
	AcceleratorCUDA     Accelerator = "cuda"
	AcceleratorDirectML Accelerator = "directml"
	AcceleratorCoreML   Accelerator = "coreml"
	AcceleratorNNAPI    Accelerator = "nnapi"
	AcceleratorCPU      Accelerator = "cpu"
)

// platformChain is the ordered list of providers attempted for
// AcceleratorAuto on this GOOS, terminating in CPU. Grounded on
// MrCodeEU-FacePassIR's acceleration.Manager.selectBackend priority list,
// adapted from its ROCm/CUDA/OpenVINO trio to the providers
// yalue/onnxruntime_go actually exposes on each desktop/mobile target.
func platformChain() []Accelerator {
	switch runtime.GOOS {
	case "windows":
		return []Accelerator{AcceleratorDirectML, AcceleratorCUDA, AcceleratorCPU}
	case "darwin":
		return []Accelerator{AcceleratorCoreML, AcceleratorCPU}
	case "android":
		return []Accelerator{AcceleratorNNAPI, AcceleratorCPU}
	default:
		return []Accelerator{AcceleratorCUDA, AcceleratorCPU}
	}
}

// SessionManager loads ONNX models with a per-call thread configuration
// and execution-provider fallback, as a reusable, named component shared
// by every model stage.
type SessionManager struct {
	mu              sync.Mutex
	intraOpThreads  int
	interOpThreads  int
	preferred       Accelerator
	active          Accelerator
	activeOnce      sync.Once
}

// NewSessionManager builds a manager that will attach preferred (or walk
// platformChain() when preferred is AcceleratorAuto/empty) on every Load,
// always falling back to plain CPU execution rather than failing the load.
func NewSessionManager(intraOpThreads, interOpThreads int, preferred Accelerator) *SessionManager {
	if preferred == "" {
		preferred = AcceleratorAuto
	}
	return &SessionManager{
		intraOpThreads: intraOpThreads,
		interOpThreads: interOpThreads,
		preferred:      preferred,
	}
}

// ActiveAccelerator reports the provider actually attached by the most
// recent successful Load call (informational only; each model session
// negotiates its own provider, they need not agree).
func (m *SessionManager) ActiveAccelerator() Accelerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// sessionOptions builds a fresh *ort.SessionOptions with thread caps
// applied and the first viable execution provider from the preference
// chain attached. The returned options must be Destroy()'d by the caller
// once the session construction that consumes them returns (whether it
// succeeds or fails), per the onnxruntime_go API contract.
func (m *SessionManager) sessionOptions(logicalName string) (*ort.SessionOptions, Accelerator, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("create session options for %s: %w", logicalName, err)
	}
	if m.intraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(m.intraOpThreads); err != nil {
			opts.Destroy()
			return nil, "", fmt.Errorf("set intra_op_threads: %w", err)
		}
	}
	if m.interOpThreads > 0 {
		if err := opts.SetInterOpNumThreads(m.interOpThreads); err != nil {
			opts.Destroy()
			return nil, "", fmt.Errorf("set inter_op_threads: %w", err)
		}
	}

	chain := []Accelerator{m.preferred}
	if m.preferred == AcceleratorAuto {
		chain = platformChain()
	} else {
		chain = append(chain, AcceleratorCPU)
	}

	for _, accel := range chain {
		if accel == AcceleratorCPU {
			slog.Info("onnx session using cpu execution", "model", logicalName)
			return opts, AcceleratorCPU, nil
		}
		if attachProvider(opts, accel) == nil {
			slog.Info("onnx session accelerator attached", "model", logicalName, "accelerator", accel)
			return opts, accel, nil
		}
		slog.Warn("onnx execution provider unavailable, trying next", "model", logicalName, "accelerator", accel)
	}

	return opts, AcceleratorCPU, nil
}

// attachProvider appends the named execution provider to opts. Every
// branch degrades to "provider unavailable" rather than panicking —
// providers not compiled into the local onnxruntime shared library
// return an error here, which the caller treats as a fallthrough signal,
// never as a load failure — the engine never refuses to run solely
// because a preferred accelerator is unavailable.
func attachProvider(opts *ort.SessionOptions, accel Accelerator) error {
	switch accel {
	case AcceleratorCUDA:
		return opts.AppendExecutionProviderCUDA(0)
	case AcceleratorDirectML:
		return opts.AppendExecutionProviderDirectML(0)
	case AcceleratorCoreML:
		return opts.AppendExecutionProviderCoreML(0)
	case AcceleratorNNAPI:
		return opts.AppendExecutionProviderNNAPI(0)
	default:
		return fmt.Errorf("unknown accelerator %q", accel)
	}
}

// Load creates an *ort.SessionOptions configured for logicalName, invokes
// build with it, destroys the options regardless of outcome, and records
// the accelerator that was actually attached. build is expected to call
// one of the ort.NewAdvancedSession/NewDynamicAdvancedSession constructors.
func (m *SessionManager) Load(logicalName string, build func(*ort.SessionOptions) error) (Accelerator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opts, accel, err := m.sessionOptions(logicalName)
	if err != nil {
		return "", err
	}
	defer opts.Destroy()

	if err := build(opts); err != nil {
		return "", fmt.Errorf("load %s: %w: %w", logicalName, ErrModelLoadFailed, err)
	}
	m.active = accel
	return accel, nil
}
