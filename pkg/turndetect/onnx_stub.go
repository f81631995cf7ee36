//go:build !onnx

package turndetect

import (
	"context"
	"errors"
	"log/slog"
)

// ModelPredictor requires the onnx build tag. Without it construction
// fails and the launcher keeps the heuristic.
type ModelPredictor struct{}

// NewModelPredictor always fails in builds without the onnx tag.
func NewModelPredictor(modelFile, tokenizerFile string, threshold float64, logger *slog.Logger) (*ModelPredictor, error) {
	return nil, errors.New("model predictor requires building with -tags onnx")
}

// LikelyComplete is unreachable without the onnx tag.
func (p *ModelPredictor) LikelyComplete(ctx context.Context, text string) bool { return false }

// Close is a no-op.
func (p *ModelPredictor) Close() error { return nil }
