//go:build onnx

package turndetect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ModelPredictor scores end-of-utterance with a small ONNX language
// model. It refines the punctuation heuristic on transcripts that lack
// clear sentence boundaries; when inference fails it falls back to the
// heuristic rather than stalling the commit path.
type ModelPredictor struct {
	modelFile string
	threshold float64
	fallback  Heuristic
	logger    *slog.Logger

	tokOnce sync.Once
	tok     *tokenizer.Tokenizer
	tokErr  error

	sessOnce sync.Once
	sess     *ort.DynamicAdvancedSession
	sessErr  error
}

const maxTokens = 128

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

// NewModelPredictor creates a predictor from an ONNX model and its
// tokenizer.json next to it. threshold is the minimum end-of-utterance
// probability that counts as complete.
func NewModelPredictor(modelFile, tokenizerFile string, threshold float64, logger *slog.Logger) (*ModelPredictor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ModelPredictor{modelFile: modelFile, threshold: threshold, logger: logger}
	p.tokOnce.Do(func() {
		p.tok, p.tokErr = pretrained.FromFile(tokenizerFile)
	})
	if p.tokErr != nil {
		return nil, fmt.Errorf("load tokenizer: %w", p.tokErr)
	}
	return p, nil
}

// LikelyComplete implements Predictor.
func (p *ModelPredictor) LikelyComplete(ctx context.Context, text string) bool {
	prob, err := p.predict(ctx, text)
	if err != nil {
		p.logger.Warn("end-of-utterance inference failed, using heuristic",
			slog.String("error", err.Error()))
		return p.fallback.LikelyComplete(ctx, text)
	}
	return prob >= p.threshold
}

func (p *ModelPredictor) predict(ctx context.Context, text string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	if err := p.loadSession(); err != nil {
		return 0, err
	}

	start := time.Now()
	encoding, err := p.tok.EncodeSingle(fmt.Sprintf("<|im_start|><|user|>%s<|im_end|>", text), false)
	if err != nil {
		return 0, fmt.Errorf("tokenize: %w", err)
	}
	ids := encoding.GetIds()
	if len(ids) == 0 {
		return 0.5, nil
	}
	if len(ids) > maxTokens {
		ids = ids[len(ids)-maxTokens:]
	}
	input := make([]int64, len(ids))
	for i, id := range ids {
		input[i] = int64(id)
	}

	inTen, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer inTen.Destroy()

	outputs := make([]ort.Value, 1)
	if err := p.sess.Run([]ort.Value{inTen}, outputs); err != nil {
		return 0, fmt.Errorf("inference: %w", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || len(out.GetData()) == 0 {
		return 0, fmt.Errorf("unexpected output tensor")
	}
	prob := float64(out.GetData()[0])
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}

	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		p.logger.Debug("slow end-of-utterance inference", slog.Duration("elapsed", elapsed))
	}
	return prob, nil
}

func (p *ModelPredictor) loadSession() error {
	p.sessOnce.Do(func() {
		if err := ensureOrtEnv(); err != nil {
			p.sessErr = fmt.Errorf("initialize onnxruntime: %w", err)
			return
		}
		opts, err := ort.NewSessionOptions()
		if err != nil {
			p.sessErr = fmt.Errorf("session options: %w", err)
			return
		}
		defer opts.Destroy()
		if err := opts.SetIntraOpNumThreads(1); err != nil {
			p.sessErr = err
			return
		}
		p.sess, p.sessErr = ort.NewDynamicAdvancedSession(p.modelFile,
			[]string{"input_ids"}, []string{"prob"}, opts)
	})
	return p.sessErr
}

// Close releases the ONNX session.
func (p *ModelPredictor) Close() error {
	if p.sess != nil {
		return p.sess.Destroy()
	}
	return nil
}
