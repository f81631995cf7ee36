//go:build !onnx

package vad

import "errors"

// SileroScorer requires the onnx build tag and the onnxruntime shared
// library. Without it, NewSileroScorer fails and callers fall back to the
// energy scorer.
type SileroScorer struct{}

// NewSileroScorer always fails in builds without the onnx tag.
func NewSileroScorer(modelPath string) (*SileroScorer, error) {
	return nil, errors.New("silero scorer requires building with -tags onnx")
}

// Score is unreachable without the onnx tag.
func (s *SileroScorer) Score(window []int16) float64 { return 0 }

// Close is a no-op.
func (s *SileroScorer) Close() error { return nil }
