//go:build onnx

package vad

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// SileroScorer runs the Silero VAD ONNX model as the window classifier.
// It keeps the model's recurrent state across windows, so like the other
// detector internals it must not be shared between participants.
type SileroScorer struct {
	session *ort.DynamicAdvancedSession
	state   *ort.Tensor[float32]
	srTen   *ort.Tensor[int64]
	mu      sync.Mutex
}

const sileroWindow = 512 // model input length at 16 kHz

var ortInitOnce sync.Once
var ortInitErr error

func ensureOrtEnv() error {
	ortInitOnce.Do(func() {
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	return ortInitErr
}

// NewSileroScorer loads the model from modelPath.
func NewSileroScorer(modelPath string) (*SileroScorer, error) {
	if err := ensureOrtEnv(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil)
	if err != nil {
		return nil, fmt.Errorf("load silero model: %w", err)
	}

	state, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("allocate state tensor: %w", err)
	}
	srTen, err := ort.NewTensor(ort.NewShape(1), []int64{16000})
	if err != nil {
		state.Destroy()
		session.Destroy()
		return nil, fmt.Errorf("allocate sr tensor: %w", err)
	}

	return &SileroScorer{session: session, state: state, srTen: srTen}, nil
}

// Score implements Scorer. Windows shorter than the model input are
// zero-padded; longer ones use the trailing samples.
func (s *SileroScorer) Score(window []int16) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := make([]float32, sileroWindow)
	src := window
	if len(src) > sileroWindow {
		src = src[len(src)-sileroWindow:]
	}
	for i, v := range src {
		input[i] = float32(v) / 32768.0
	}

	inTen, err := ort.NewTensor(ort.NewShape(1, sileroWindow), input)
	if err != nil {
		return 0
	}
	defer inTen.Destroy()

	outputs := make([]ort.Value, 2)
	err = s.session.Run(
		[]ort.Value{inTen, s.state, s.srTen},
		outputs,
	)
	if err != nil {
		return 0
	}

	prob := 0.0
	if out, ok := outputs[0].(*ort.Tensor[float32]); ok {
		data := out.GetData()
		if len(data) > 0 {
			prob = float64(data[0])
		}
	}
	// Carry the recurrent state forward.
	if next, ok := outputs[1].(*ort.Tensor[float32]); ok {
		copy(s.state.GetData(), next.GetData())
	}
	for _, o := range outputs {
		if o != nil {
			o.Destroy()
		}
	}

	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return prob
}

// Close releases the model and tensors.
func (s *SileroScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.srTen.Destroy()
	s.state.Destroy()
	return s.session.Destroy()
}
