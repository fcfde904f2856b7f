// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/spans"
	"github.com/antflydb/gliner/lib/tokenizer"
)

// Names of the tensors a GLiNER span model consumes.
const (
	InputIDsTensor      = "input_ids"
	AttentionMaskTensor = "attention_mask"
	WordsMaskTensor     = "words_mask"
	TextLengthsTensor   = "text_lengths"
	SpanIdxTensor       = "span_idx"
	SpanMaskTensor      = "span_mask"
)

// RecognizeOptions are the per-call inference parameters. All fields are
// used as given; DefaultOptions returns the model's configured values.
type RecognizeOptions struct {
	Labels     []string
	Threshold  float32
	FlatNER    bool
	MultiLabel bool
}

// GLiNERPipeline wraps a GLiNER model for zero-shot Named Entity Recognition.
// Unlike traditional NER models, GLiNER can extract entities of any type
// specified at inference time without requiring retraining.
//
// A pipeline is safe for concurrent use. Calls into the session are
// serialized, so parallelism comes from batching or from pooling pipelines.
type GLiNERPipeline struct {
	// Session is the engine session for the span model.
	Session backends.Session

	// Config holds model configuration.
	Config *GLiNERModelConfig

	splitter *spans.WordSplitter
	encoder  *spans.BatchEncoder
	decoder  spans.SpanDecoder
	logger   *zap.Logger

	backendType backends.BackendType
	closeTok    func() error

	mu     sync.Mutex
	closed bool
}

// NewGLiNERPipeline creates a pipeline from an open session and a per-word
// tokenizer. The configuration is validated here; a nil logger is replaced
// with a no-op logger.
func NewGLiNERPipeline(
	session backends.Session,
	tok spans.Tokenizer,
	cfg *GLiNERModelConfig,
	logger *zap.Logger,
) (*GLiNERPipeline, error) {
	if session == nil {
		return nil, errors.New("nil session")
	}
	if cfg == nil {
		cfg = DefaultGLiNERModelConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating model config: %w", err)
	}
	encoder, err := spans.NewBatchEncoder(tok, cfg.EncoderConfig())
	if err != nil {
		return nil, fmt.Errorf("creating batch encoder: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GLiNERPipeline{
		Session:  session,
		Config:   cfg,
		splitter: spans.NewWordSplitter(),
		encoder:  encoder,
		decoder:  spans.GreedyDecoder{},
		logger:   logger.Named("gliner"),
	}, nil
}

// DefaultOptions returns the options Recognize uses.
func (p *GLiNERPipeline) DefaultOptions() RecognizeOptions {
	return RecognizeOptions{
		Labels:     p.Config.DefaultLabels,
		Threshold:  p.Config.Threshold,
		FlatNER:    p.Config.FlatNER,
		MultiLabel: p.Config.MultiLabel,
	}
}

// Recognize extracts entities from texts using the default labels.
func (p *GLiNERPipeline) Recognize(ctx context.Context, texts []string) ([][]spans.EntityResult, error) {
	if p == nil || p.Config == nil {
		return nil, ErrNotInitialized
	}
	return p.RecognizeWithOptions(ctx, texts, p.DefaultOptions())
}

// RecognizeWithLabels extracts entities of the specified types (zero-shot NER).
func (p *GLiNERPipeline) RecognizeWithLabels(ctx context.Context, texts []string, labels []string) ([][]spans.EntityResult, error) {
	if p == nil || p.Config == nil {
		return nil, ErrNotInitialized
	}
	opts := p.DefaultOptions()
	opts.Labels = labels
	return p.RecognizeWithOptions(ctx, texts, opts)
}

// RecognizeWithOptions runs one batched inference over texts. The result is
// aligned with texts; either every text gets a list or the call fails.
func (p *GLiNERPipeline) RecognizeWithOptions(ctx context.Context, texts []string, opts RecognizeOptions) ([][]spans.EntityResult, error) {
	if p == nil || p.Config == nil || p.isClosed() {
		return nil, ErrNotInitialized
	}
	if err := validateThreshold(opts.Threshold); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if len(texts) == 0 {
		return [][]spans.EntityResult{}, nil
	}

	labels := spans.NewLabelTable(opts.Labels)
	if dups := labels.Duplicates(); len(dups) > 0 {
		p.logger.Warn("Request has duplicate labels; they share one label id",
			zap.Strings("duplicates", dups))
	}

	words := p.splitter.SplitBatch(texts)
	inputLength := 0
	for i := range words {
		if len(words[i]) > p.Config.MaxLength {
			p.logger.Debug("Truncating text to max length",
				zap.Int("index", i),
				zap.Int("words", len(words[i])),
				zap.Int("maxLength", p.Config.MaxLength))
			words[i] = words[i][:p.Config.MaxLength]
		}
		inputLength = max(inputLength, len(words[i]))
	}

	layout := spans.ScoreLayout{
		Batch:       len(texts),
		InputLength: inputLength,
		MaxWidth:    p.Config.MaxWidth,
		NumLabels:   labels.Len(),
	}
	if layout.Len() == 0 {
		return emptyResults(len(texts)), nil
	}

	candidates := spans.EnumerateBatch(words, p.Config.MaxWidth)
	encoded, err := p.encoder.EncodeBatch(words, labels.Names())
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	batch := spans.BuildBatch(encoded, candidates)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scores, err := p.run(batchTensors(batch), layout)
	if err != nil {
		return nil, err
	}

	selected := p.decoder.Decode(spans.DecodeInput{
		Scores: scores,
		Layout: layout,
		Words:  words,
		Params: spans.DecodeParams{
			Threshold:  opts.Threshold,
			FlatNER:    opts.FlatNER,
			MultiLabel: opts.MultiLabel,
		},
	})

	results := make([][]spans.EntityResult, len(texts))
	for i, text := range texts {
		var sel []spans.DecodedSpan
		if i < len(selected) {
			sel = selected[i]
		}
		results[i] = spans.BuildResults(text, sel, labels)
	}
	return results, nil
}

// run hands the batch to the engine and returns the flat score buffer.
func (p *GLiNERPipeline) run(inputs []backends.NamedTensor, layout spans.ScoreLayout) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotInitialized
	}

	outputs, err := p.Session.Run(inputs)
	if err != nil {
		return nil, &EngineExecutionError{Op: "run", Err: err}
	}
	scores, err := scoreOutput(outputs)
	if err != nil {
		return nil, &EngineExecutionError{Op: "output", Err: err}
	}
	if len(scores) != layout.Len() {
		return nil, &EngineExecutionError{
			Op:  "output",
			Err: fmt.Errorf("score buffer has %d elements, expected %d for shape %v", len(scores), layout.Len(), layout.Shape()),
		}
	}
	return scores, nil
}

// scoreOutput picks the span logits: the output whose name mentions
// "logits", otherwise the first output.
func scoreOutput(outputs []backends.NamedTensor) ([]float32, error) {
	if len(outputs) == 0 {
		return nil, errors.New("model returned no outputs")
	}
	out := outputs[0]
	for _, o := range outputs {
		if strings.Contains(strings.ToLower(o.Name), "logits") {
			out = o
			break
		}
	}
	data, ok := out.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("output %q has type %T, expected []float32", out.Name, out.Data)
	}
	return data, nil
}

// batchTensors lays the padded batch out as the six model inputs.
func batchTensors(b *spans.Batch) []backends.NamedTensor {
	size := int64(b.Size())
	seqLen := int64(b.SeqLen())
	numSpans := int64(b.NumSpans())
	return []backends.NamedTensor{
		{Name: InputIDsTensor, Shape: []int64{size, seqLen}, Data: spans.Flatten(b.InputIDs)},
		{Name: AttentionMaskTensor, Shape: []int64{size, seqLen}, Data: spans.Flatten(b.AttentionMask)},
		{Name: WordsMaskTensor, Shape: []int64{size, seqLen}, Data: spans.Flatten(b.WordsMask)},
		{Name: TextLengthsTensor, Shape: []int64{size, 1}, Data: append([]int64(nil), b.TextLengths...)},
		{Name: SpanIdxTensor, Shape: []int64{size, numSpans, 2}, Data: b.FlatSpanIdx()},
		{Name: SpanMaskTensor, Shape: []int64{size, numSpans}, Data: spans.Flatten(b.SpanMask)},
	}
}

func emptyResults(n int) [][]spans.EntityResult {
	out := make([][]spans.EntityResult, n)
	for i := range out {
		out[i] = []spans.EntityResult{}
	}
	return out
}

func (p *GLiNERPipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Backend returns the backend type this pipeline uses.
func (p *GLiNERPipeline) Backend() backends.BackendType {
	return p.backendType
}

// Close releases the session and tokenizer. Later calls fail with
// ErrNotInitialized.
func (p *GLiNERPipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var err error
	if p.Session != nil {
		err = p.Session.Close()
	}
	if p.closeTok != nil {
		if closeErr := p.closeTok(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// ============================================================================
// Loader Functions
// ============================================================================

// GLiNERLoaderOption configures GLiNER pipeline loading.
type GLiNERLoaderOption func(*glinerLoaderConfig)

type glinerLoaderConfig struct {
	threshold     *float32
	maxWidth      int
	flatNER       *bool
	multiLabel    *bool
	defaultLabels []string
	quantized     bool
	threads       int
	graphOptLevel *int
	logger        *zap.Logger
}

// WithGLiNERThreshold sets the score threshold for entity detection.
func WithGLiNERThreshold(threshold float32) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.threshold = &threshold
	}
}

// WithGLiNERMaxWidth sets the maximum entity span width.
func WithGLiNERMaxWidth(maxWidth int) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.maxWidth = maxWidth
	}
}

// WithGLiNERFlatNER enables flat NER mode (no overlapping entities).
func WithGLiNERFlatNER(flatNER bool) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.flatNER = &flatNER
	}
}

// WithGLiNERMultiLabel enables multi-label mode.
func WithGLiNERMultiLabel(multiLabel bool) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.multiLabel = &multiLabel
	}
}

// WithGLiNERLabels sets the default labels.
func WithGLiNERLabels(labels []string) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.defaultLabels = labels
	}
}

// WithGLiNERQuantized uses quantized model files if available.
func WithGLiNERQuantized(quantized bool) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.quantized = quantized
	}
}

// WithGLiNERThreads sets the engine's worker thread count. Zero keeps the
// session default (one per CPU).
func WithGLiNERThreads(n int) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.threads = n
	}
}

// WithGLiNERGraphOptimization sets the ONNX Runtime graph optimization level
// (0 disables, 3 enables all). Other engines ignore it.
func WithGLiNERGraphOptimization(level int) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.graphOptLevel = &level
	}
}

// WithGLiNERLogger sets the pipeline logger.
func WithGLiNERLogger(logger *zap.Logger) GLiNERLoaderOption {
	return func(c *glinerLoaderConfig) {
		c.logger = logger
	}
}

// LoadGLiNERPipeline loads a GLiNER pipeline from a model directory.
// Returns the pipeline and the backend type that was used.
func LoadGLiNERPipeline(
	modelPath string,
	sessionManager *backends.SessionManager,
	modelBackends []string,
	opts ...GLiNERLoaderOption,
) (*GLiNERPipeline, backends.BackendType, error) {
	loaderCfg := &glinerLoaderConfig{}
	for _, opt := range opts {
		opt(loaderCfg)
	}
	logger := loaderCfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	modelConfig, err := LoadGLiNERModelConfig(modelPath)
	if err != nil {
		return nil, "", err
	}

	// Override config with loader options
	if loaderCfg.threshold != nil {
		modelConfig.Threshold = *loaderCfg.threshold
	}
	modelConfig.MaxWidth = FirstNonZero(loaderCfg.maxWidth, modelConfig.MaxWidth)
	if loaderCfg.flatNER != nil {
		modelConfig.FlatNER = *loaderCfg.flatNER
	}
	if loaderCfg.multiLabel != nil {
		modelConfig.MultiLabel = *loaderCfg.multiLabel
	}
	if len(loaderCfg.defaultLabels) > 0 {
		modelConfig.DefaultLabels = loaderCfg.defaultLabels
	}
	if loaderCfg.quantized {
		if quantizedFile := FindONNXFile(modelPath, []string{"model_quantized.onnx"}); quantizedFile != "" {
			modelConfig.ModelFile = quantizedFile
		}
	}
	if err := modelConfig.Validate(); err != nil {
		return nil, "", fmt.Errorf("validating model config: %w", err)
	}

	tok, err := tokenizer.Load(modelPath,
		tokenizer.WithSpecialTokens(int(modelConfig.BeginTokenID), int(modelConfig.EndTokenID)))
	if err != nil {
		return nil, "", &ResourceLoadError{Resource: "tokenizer", Path: modelPath, Err: err}
	}

	var sessionOpts []backends.SessionOption
	if loaderCfg.threads > 0 {
		sessionOpts = append(sessionOpts, backends.WithSessionThreads(loaderCfg.threads))
	}
	if loaderCfg.graphOptLevel != nil {
		sessionOpts = append(sessionOpts, backends.WithSessionGraphOptimization(*loaderCfg.graphOptLevel))
	}
	session, backendType, err := sessionManager.CreateSession(modelConfig.ModelFile, modelBackends, sessionOpts...)
	if err != nil {
		_ = tok.Close()
		return nil, "", &ResourceLoadError{Resource: "model", Path: modelConfig.ModelFile, Err: err}
	}

	pipeline, err := NewGLiNERPipeline(session, tok, modelConfig, logger)
	if err != nil {
		_ = session.Close()
		_ = tok.Close()
		return nil, "", err
	}
	pipeline.backendType = backendType
	pipeline.closeTok = tok.Close

	logger.Info("Loaded GLiNER model",
		zap.String("path", modelPath),
		zap.String("modelFile", modelConfig.ModelFile),
		zap.String("backend", string(backendType)),
		zap.String("tokenizer", string(tok.Kind())),
		zap.Int("maxWidth", modelConfig.MaxWidth))

	return pipeline, backendType, nil
}
