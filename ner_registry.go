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

package gliner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/ner"
	"github.com/antflydb/gliner/lib/pipelines"
)

// ErrModelNotFound is returned for a model name that was not discovered.
var ErrModelNotFound = errors.New("model not found")

// ModelInfo describes a discovered GLiNER model directory. Discovery reads
// only metadata; weights load on first use.
type ModelInfo struct {
	Name          string   `json:"name"`
	Path          string   `json:"-"`
	Quantized     bool     `json:"quantized"`
	DefaultLabels []string `json:"default_labels,omitempty"`
	MaxWidth      int      `json:"max_width"`
	Loaded        bool     `json:"loaded"`
}

// ModelLoader builds a recognizer for a discovered model.
type ModelLoader func(info ModelInfo) (ner.Recognizer, backends.BackendType, error)

// RegistryConfig configures the model registry
type RegistryConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
	PoolSize        int           // Pipelines per model (0 = min(NumCPU, 4))
	NumThreads      int           // Engine threads per pipeline (0 = engine default)

	// GraphOptimizationLevel for ONNX Runtime, 0-3 (nil = highest)
	GraphOptimizationLevel *int
}

// Registry discovers GLiNER models on disk and loads them lazily. Loaded
// models are unloaded after KeepAlive without use or when MaxLoadedModels
// is exceeded.
type Registry struct {
	modelsDir string
	keepAlive time.Duration
	logger    *zap.Logger
	loader    ModelLoader

	mu         sync.RWMutex
	discovered map[string]*ModelInfo

	cache *ttlcache.Cache[string, ner.Recognizer]
	loads singleflight.Group
}

// NewRegistry scans config.ModelsDir and returns a registry that loads
// models with the given session manager.
func NewRegistry(config RegistryConfig, sessionManager *backends.SessionManager, logger *zap.Logger) (*Registry, error) {
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := func(info ModelInfo) (ner.Recognizer, backends.BackendType, error) {
		return ner.NewPooledGLiNER(info.Path, poolSize, sessionManager, nil, logger.Named(info.Name),
			modelLoaderOptions(config, info)...)
	}
	return newRegistry(config, loader, logger)
}

func modelLoaderOptions(config RegistryConfig, info ModelInfo) []pipelines.GLiNERLoaderOption {
	opts := []pipelines.GLiNERLoaderOption{
		pipelines.WithGLiNERQuantized(info.Quantized),
		pipelines.WithGLiNERThreads(config.NumThreads),
	}
	if config.GraphOptimizationLevel != nil {
		opts = append(opts, pipelines.WithGLiNERGraphOptimization(*config.GraphOptimizationLevel))
	}
	return opts
}

func newRegistry(config RegistryConfig, loader ModelLoader, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL // Never expire
	}

	r := &Registry{
		modelsDir:  config.ModelsDir,
		keepAlive:  keepAlive,
		logger:     logger,
		loader:     loader,
		discovered: make(map[string]*ModelInfo),
	}

	cacheOpts := []ttlcache.Option[string, ner.Recognizer]{
		ttlcache.WithTTL[string, ner.Recognizer](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, ner.Recognizer](config.MaxLoadedModels))
	}
	r.cache = ttlcache.New(cacheOpts...)

	// Manual deletion happens in Close, which closes models itself.
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, ner.Recognizer]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		logger.Info("Unloading model",
			zap.String("model", item.Key()),
			zap.String("reason", evictionReason(reason)))
		if err := item.Value().Close(); err != nil {
			logger.Warn("Error closing evicted model",
				zap.String("model", item.Key()),
				zap.Error(err))
		}
	})
	go r.cache.Start()

	if err := r.discover(); err != nil {
		r.cache.Stop()
		return nil, err
	}

	logger.Info("Model registry initialized",
		zap.Int("models_discovered", len(r.discovered)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels))
	return r, nil
}

func evictionReason(reason ttlcache.EvictionReason) string {
	switch reason {
	case ttlcache.EvictionReasonExpired:
		return "expired (keep-alive timeout)"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity reached (LRU eviction)"
	default:
		return "unknown"
	}
}

// discover finds GLiNER model directories at depth one (name) or two
// (owner/name) below the models directory.
func (r *Registry) discover() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}
	if _, err := os.Stat(r.modelsDir); os.IsNotExist(err) {
		r.logger.Warn("Models directory does not exist", zap.String("dir", r.modelsDir))
		return nil
	}

	entries, err := os.ReadDir(r.modelsDir)
	if err != nil {
		return fmt.Errorf("reading models directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.modelsDir, entry.Name())
		if r.addModel(entry.Name(), dir) {
			continue
		}
		// owner/model layout
		nested, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range nested {
			if sub.IsDir() {
				r.addModel(entry.Name()+"/"+sub.Name(), filepath.Join(dir, sub.Name()))
			}
		}
	}
	return nil
}

func (r *Registry) addModel(name, dir string) bool {
	if pipelines.FindONNXFile(dir, []string{"model.onnx", "model_quantized.onnx", "gliner.onnx"}) == "" {
		return false
	}
	if !pipelines.IsGLiNERModel(dir) {
		r.logger.Debug("Skipping non-GLiNER model directory", zap.String("dir", dir))
		return false
	}
	cfg, err := pipelines.LoadGLiNERModelConfig(dir)
	if err != nil {
		r.logger.Warn("Skipping model with invalid config",
			zap.String("name", name),
			zap.Error(err))
		return false
	}
	quantized := pipelines.FindONNXFile(dir, []string{"model_quantized.onnx"}) != ""

	r.mu.Lock()
	r.discovered[name] = &ModelInfo{
		Name:          name,
		Path:          dir,
		Quantized:     quantized,
		DefaultLabels: cfg.DefaultLabels,
		MaxWidth:      cfg.MaxWidth,
	}
	r.mu.Unlock()

	r.logger.Info("Discovered GLiNER model (not loaded)",
		zap.String("name", name),
		zap.String("path", dir),
		zap.Bool("quantized", quantized))
	return true
}

// Get returns the named recognizer, loading it if necessary. Concurrent
// first requests share one load.
func (r *Registry) Get(name string) (ner.Recognizer, error) {
	if item := r.cache.Get(name); item != nil {
		return item.Value(), nil
	}

	r.mu.RLock()
	info, ok := r.discovered[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	v, err, _ := r.loads.Do(name, func() (any, error) {
		if item := r.cache.Get(name); item != nil {
			return item.Value(), nil
		}
		r.logger.Info("Loading model on demand",
			zap.String("model", name),
			zap.String("path", info.Path))
		start := time.Now()
		model, backendType, err := r.loader(*info)
		if err != nil {
			return nil, fmt.Errorf("loading model %s: %w", name, err)
		}
		RecordModelLoadDuration(name, string(backendType), time.Since(start).Seconds())
		r.cache.Set(name, model, ttlcache.DefaultTTL)
		r.logger.Info("Successfully loaded model",
			zap.String("model", name),
			zap.String("backend", string(backendType)),
			zap.Duration("duration", time.Since(start)))
		return model, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ner.Recognizer), nil
}

// List returns the discovered model names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Models returns metadata for every discovered model, sorted by name.
func (r *Registry) Models() []ModelInfo {
	names := r.List()
	out := make([]ModelInfo, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		info := *r.discovered[name]
		info.Loaded = r.cache.Has(name)
		out = append(out, info)
	}
	return out
}

// IsLoaded returns whether a model is currently loaded in memory
func (r *Registry) IsLoaded(name string) bool {
	return r.cache.Has(name)
}

// Preload loads the named models at startup.
func (r *Registry) Preload(names []string) error {
	if len(names) == 0 {
		return nil
	}
	r.logger.Info("Preloading models", zap.Strings("models", names))
	var loaded, failed int
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			failed++
			continue
		}
		loaded++
	}
	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}
	return nil
}

// Close stops the cache and unloads all models
func (r *Registry) Close() error {
	r.cache.Stop()
	var lastErr error
	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			if err := item.Value().Close(); err != nil {
				r.logger.Warn("Error closing model",
					zap.String("model", key),
					zap.Error(err))
				lastErr = err
			}
		}
	}
	r.cache.DeleteAll()
	return lastErr
}
