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

package ner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/pipelines"
	"github.com/antflydb/gliner/lib/spans"
)

// ErrClosed is returned by a PooledGLiNER after Close.
var ErrClosed = errors.New("recognizer is closed")

// glinerPipeline is the part of pipelines.GLiNERPipeline the pool uses.
type glinerPipeline interface {
	RecognizeWithOptions(ctx context.Context, texts []string, opts pipelines.RecognizeOptions) ([][]spans.EntityResult, error)
	DefaultOptions() pipelines.RecognizeOptions
	Close() error
}

var _ Recognizer = (*PooledGLiNER)(nil)

// PooledGLiNER manages multiple GLiNER pipelines for concurrent recognition.
// A semaphore bounds in-flight calls to the pool size and pipelines are
// picked round-robin.
type PooledGLiNER struct {
	pipelines    []glinerPipeline
	sem          *semaphore.Weighted
	nextPipeline atomic.Uint64
	closed       atomic.Bool
	logger       *zap.Logger
	poolSize     int
	backendType  backends.BackendType
	defaults     Options
}

// NewPooledGLiNER loads poolSize GLiNER pipelines from modelPath. A pool
// size of zero or less uses one pipeline per CPU.
func NewPooledGLiNER(
	modelPath string,
	poolSize int,
	sessionManager *backends.SessionManager,
	modelBackends []string,
	logger *zap.Logger,
	opts ...pipelines.GLiNERLoaderOption,
) (*PooledGLiNER, backends.BackendType, error) {
	if modelPath == "" {
		return nil, "", fmt.Errorf("model path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	logger.Info("Initializing pooled GLiNER",
		zap.String("modelPath", modelPath),
		zap.Int("poolSize", poolSize))

	opts = append([]pipelines.GLiNERLoaderOption{pipelines.WithGLiNERLogger(logger)}, opts...)
	pipelinesList := make([]glinerPipeline, 0, poolSize)
	var backendUsed backends.BackendType
	for i := range poolSize {
		pipeline, bt, err := pipelines.LoadGLiNERPipeline(modelPath, sessionManager, modelBackends, opts...)
		if err != nil {
			// Clean up already-created pipelines
			for _, p := range pipelinesList {
				_ = p.Close()
			}
			logger.Error("Failed to create GLiNER pipeline",
				zap.Int("index", i),
				zap.Error(err))
			return nil, "", fmt.Errorf("creating GLiNER pipeline %d: %w", i, err)
		}
		pipelinesList = append(pipelinesList, pipeline)
		backendUsed = bt
		logger.Debug("Created GLiNER pipeline", zap.Int("index", i), zap.String("backend", string(bt)))
	}

	logger.Info("Successfully created pooled GLiNER pipelines",
		zap.Int("count", poolSize),
		zap.String("backend", string(backendUsed)))

	return newPool(pipelinesList, backendUsed, logger), backendUsed, nil
}

func newPool(list []glinerPipeline, backendType backends.BackendType, logger *zap.Logger) *PooledGLiNER {
	d := list[0].DefaultOptions()
	return &PooledGLiNER{
		pipelines:   list,
		sem:         semaphore.NewWeighted(int64(len(list))),
		logger:      logger,
		poolSize:    len(list),
		backendType: backendType,
		defaults: Options{
			Labels:     d.Labels,
			Threshold:  d.Threshold,
			FlatNER:    d.FlatNER,
			MultiLabel: d.MultiLabel,
		},
	}
}

// BackendType returns the backend type used by this model.
func (p *PooledGLiNER) BackendType() backends.BackendType {
	return p.backendType
}

// Labels returns the default entity labels.
func (p *PooledGLiNER) Labels() []string {
	return p.defaults.Labels
}

// DefaultOptions returns the options Recognize uses.
func (p *PooledGLiNER) DefaultOptions() Options {
	return p.defaults
}

// Recognize extracts entities of the default labels.
func (p *PooledGLiNER) Recognize(ctx context.Context, texts []string) ([][]Entity, error) {
	return p.RecognizeWithOptions(ctx, texts, p.defaults)
}

// RecognizeWithLabels extracts entities of the given labels with the default
// decoding options.
func (p *PooledGLiNER) RecognizeWithLabels(ctx context.Context, texts []string, labels []string) ([][]Entity, error) {
	opts := p.defaults
	opts.Labels = labels
	return p.RecognizeWithOptions(ctx, texts, opts)
}

// RecognizeWithOptions extracts entities with explicit options. Empty labels
// fall back to the model defaults; the threshold and flags are used as given,
// so callers start from DefaultOptions. Duplicate labels are passed through
// to the pipeline, which logs them.
func (p *PooledGLiNER) RecognizeWithOptions(ctx context.Context, texts []string, opts Options) ([][]Entity, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if len(texts) == 0 {
		return [][]Entity{}, nil
	}
	if len(opts.Labels) == 0 {
		opts.Labels = p.defaults.Labels
	}
	// Acquire semaphore slot (blocks if all pipelines busy)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring pipeline slot: %w", err)
	}
	defer p.sem.Release(1)

	// Round-robin pipeline selection
	idx := int(p.nextPipeline.Add(1) % uint64(p.poolSize))
	pipeline := p.pipelines[idx]

	p.logger.Debug("Using pipeline for GLiNER",
		zap.Int("pipelineIndex", idx),
		zap.Int("num_texts", len(texts)),
		zap.Int("num_labels", len(opts.Labels)))

	results, err := pipeline.RecognizeWithOptions(ctx, texts, pipelines.RecognizeOptions{
		Labels:     opts.Labels,
		Threshold:  opts.Threshold,
		FlatNER:    opts.FlatNER,
		MultiLabel: opts.MultiLabel,
	})
	if err != nil {
		p.logger.Error("GLiNER recognition failed",
			zap.Int("pipelineIndex", idx),
			zap.Error(err))
		return nil, fmt.Errorf("recognizing entities: %w", err)
	}

	entities := FromResults(results)
	p.logger.Debug("GLiNER completed",
		zap.Int("pipelineIndex", idx),
		zap.Int("num_texts", len(texts)),
		zap.Int("total_entities", countEntities(entities)))
	return entities, nil
}

// Close releases every pipeline.
func (p *PooledGLiNER) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var lastErr error
	for i, pipeline := range p.pipelines {
		if err := pipeline.Close(); err != nil {
			p.logger.Warn("Failed to close pipeline",
				zap.Int("index", i),
				zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// DuplicateLabels returns the labels that collide with an earlier label
// after case folding.
func DuplicateLabels(labels []string) []string {
	return spans.NewLabelTable(labels).Duplicates()
}
