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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/ner"
)

// writeModelDir lays out a minimal model directory. Weights are never
// read because tests load through a fake ModelLoader.
func writeModelDir(t *testing.T, dir, onnxName, config string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, onnxName), []byte("onnx"), 0o644))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "gliner_config.json"), []byte(config), 0o644))
	}
}

func testModelsDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeModelDir(t, filepath.Join(root, "gliner-small"), "model.onnx",
		`{"labels": ["person", "location"], "max_width": 8}`)
	writeModelDir(t, filepath.Join(root, "urchade", "multi"), "model_quantized.onnx", `{}`)
	// An ONNX model that is not GLiNER is ignored.
	writeModelDir(t, filepath.Join(root, "bert-base"), "model.onnx", "")
	// As is a GLiNER directory with a broken config.
	writeModelDir(t, filepath.Join(root, "broken"), "model.onnx", `{"max_width": 0}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	return root
}

type loaderSpy struct {
	calls  atomic.Int32
	mu     sync.Mutex
	models map[string]*fakeRecognizer
	err    error
}

func (s *loaderSpy) load(info ModelInfo) (ner.Recognizer, backends.BackendType, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		s.models = make(map[string]*fakeRecognizer)
	}
	m := &fakeRecognizer{}
	s.models[info.Name] = m
	return m, backends.BackendONNX, nil
}

func TestRegistryDiscovery(t *testing.T) {
	spy := &loaderSpy{}
	r, err := newRegistry(RegistryConfig{ModelsDir: testModelsDir(t)}, spy.load, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, []string{"gliner-small", "urchade/multi"}, r.List())

	models := r.Models()
	require.Len(t, models, 2)
	assert.Equal(t, []string{"person", "location"}, models[0].DefaultLabels)
	assert.Equal(t, 8, models[0].MaxWidth)
	assert.False(t, models[0].Quantized)
	assert.True(t, models[1].Quantized)
	assert.Equal(t, 12, models[1].MaxWidth)
	assert.Zero(t, spy.calls.Load(), "discovery must not load weights")
}

func TestRegistryMissingDir(t *testing.T) {
	r, err := newRegistry(RegistryConfig{ModelsDir: filepath.Join(t.TempDir(), "nope")}, (&loaderSpy{}).load, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	assert.Empty(t, r.List())
}

func TestRegistryGetLoadsOnce(t *testing.T) {
	spy := &loaderSpy{}
	r, err := newRegistry(RegistryConfig{ModelsDir: testModelsDir(t)}, spy.load, zaptest.NewLogger(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_, err := r.Get("gliner-small")
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), spy.calls.Load())
	assert.True(t, r.IsLoaded("gliner-small"))
	assert.False(t, r.IsLoaded("urchade/multi"))

	models := r.Models()
	assert.True(t, models[0].Loaded)
	assert.False(t, models[1].Loaded)

	require.NoError(t, r.Close())
	assert.True(t, spy.models["gliner-small"].closed)
}

func TestRegistryGetErrors(t *testing.T) {
	spy := &loaderSpy{err: errors.New("no session")}
	r, err := newRegistry(RegistryConfig{ModelsDir: testModelsDir(t)}, spy.load, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Get("bert-base")
	require.ErrorIs(t, err, ErrModelNotFound)

	_, err = r.Get("gliner-small")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelNotFound)
	assert.False(t, r.IsLoaded("gliner-small"))
}

func TestRegistryPreload(t *testing.T) {
	spy := &loaderSpy{}
	r, err := newRegistry(RegistryConfig{ModelsDir: testModelsDir(t)}, spy.load, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	require.NoError(t, r.Preload(nil))
	require.NoError(t, r.Preload([]string{"gliner-small", "missing"}))
	assert.True(t, r.IsLoaded("gliner-small"))
	require.Error(t, r.Preload([]string{"missing"}))
}

func TestRegistryCapacityEvictionClosesModels(t *testing.T) {
	spy := &loaderSpy{}
	r, err := newRegistry(RegistryConfig{ModelsDir: testModelsDir(t), MaxLoadedModels: 1}, spy.load, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Get("gliner-small")
	require.NoError(t, err)
	_, err = r.Get("urchade/multi")
	require.NoError(t, err)

	assert.False(t, r.IsLoaded("gliner-small"))
	assert.True(t, r.IsLoaded("urchade/multi"))
	spy.mu.Lock()
	evicted := spy.models["gliner-small"]
	spy.mu.Unlock()
	assert.Eventually(t, func() bool {
		evicted.mu.Lock()
		defer evicted.mu.Unlock()
		return evicted.closed
	}, time.Second, time.Millisecond)
}

func TestModelLoaderOptions(t *testing.T) {
	info := ModelInfo{Name: "gliner-small", Quantized: true}
	assert.Len(t, modelLoaderOptions(RegistryConfig{NumThreads: 2}, info), 2)

	level := 1
	assert.Len(t, modelLoaderOptions(RegistryConfig{NumThreads: 2, GraphOptimizationLevel: &level}, info), 3)
}
