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
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testNode struct {
	handler http.Handler
	spy     *loaderSpy
	queue   *RequestQueue
}

func newTestNode(t *testing.T, modelsDir string, queueConfig RequestQueueConfig) *testNode {
	t.Helper()
	logger := zaptest.NewLogger(t)
	spy := &loaderSpy{}
	registry, err := newRegistry(RegistryConfig{ModelsDir: modelsDir}, spy.load, logger)
	require.NoError(t, err)
	cache := NewResultCache(time.Minute, logger)
	queue := NewRequestQueue(queueConfig, logger)
	t.Cleanup(func() {
		cache.Close()
		_ = registry.Close()
	})

	handler, err := NewNode(logger, registry, queue, cache).Handler()
	require.NoError(t, err)
	return &testNode{handler: handler, spy: spy, queue: queue}
}

func (n *testNode) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	n.handler.ServeHTTP(w, req)
	return w
}

func TestRecognizeEndpoint(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	w := node.do("POST", "/api/recognize",
		`{"model": "gliner-small", "texts": ["Ada Lovelace", "Paris"], "labels": ["scientist"], "threshold": 0.3, "multi_label": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp RecognizeResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gliner-small", resp.Model)
	require.Len(t, resp.Entities, 2)
	assert.Equal(t, "Ada Lovelace", resp.Entities[0][0].Text)
	assert.Equal(t, "scientist", resp.Entities[0][0].Label)
	assert.Equal(t, 12, resp.Entities[0][0].End)
	assert.Empty(t, resp.DuplicateLabels)

	model := node.spy.models["gliner-small"]
	assert.InDelta(t, 0.3, model.last.Threshold, 1e-6)
	assert.True(t, model.last.MultiLabel)
	assert.True(t, model.last.FlatNER, "absent flag keeps the model default")
}

func TestRecognizeDefaultsAndCache(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})
	body := `{"model": "gliner-small", "texts": ["Ada"]}`

	for range 2 {
		w := node.do("POST", "/api/recognize", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	model := node.spy.models["gliner-small"]
	assert.Equal(t, 1, model.callCount(), "second request is served from the result cache")
	assert.Equal(t, []string{"person", "location"}, model.last.Labels)
	assert.InDelta(t, 0.5, model.last.Threshold, 1e-6)
}

func TestRecognizeExplicitZeroThreshold(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	w := node.do("POST", "/api/recognize", `{"model": "gliner-small", "texts": ["Ada"], "threshold": 0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Zero(t, node.spy.models["gliner-small"].last.Threshold)

	w = node.do("POST", "/api/recognize", `{"model": "gliner-small", "texts": ["Ada"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 0.5, node.spy.models["gliner-small"].last.Threshold, 1e-6)
	assert.Equal(t, 2, node.spy.models["gliner-small"].callCount(), "zero and default thresholds are cached apart")
}

func TestRecognizeDuplicateLabels(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	w := node.do("POST", "/api/recognize",
		`{"model": "gliner-small", "texts": ["Ada"], "labels": ["person", "Person", "city"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp RecognizeResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"Person"}, resp.DuplicateLabels)
	assert.Equal(t, []string{"person", "Person", "city"}, node.spy.models["gliner-small"].last.Labels)
}

func TestRecognizeRejectsInvalidRequests(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing texts", `{"model": "gliner-small"}`, http.StatusBadRequest},
		{"empty texts", `{"model": "gliner-small", "texts": []}`, http.StatusBadRequest},
		{"threshold above one", `{"model": "gliner-small", "texts": ["a"], "threshold": 1.5}`, http.StatusBadRequest},
		{"negative threshold", `{"model": "gliner-small", "texts": ["a"], "threshold": -0.1}`, http.StatusBadRequest},
		{"not json", `texts`, http.StatusBadRequest},
		{"unknown model", `{"model": "nope", "texts": ["a"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := node.do("POST", "/api/recognize", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
	assert.Zero(t, node.spy.calls.Load())
}

func TestRecognizeQueueTimeout(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{
		MaxConcurrentRequests: 1,
		RequestTimeout:        10 * time.Millisecond,
	})
	release, err := node.queue.Acquire(t.Context())
	require.NoError(t, err)
	defer release()

	w := node.do("POST", "/api/recognize", `{"model": "gliner-small", "texts": ["Ada"]}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestRoutingErrors(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	assert.Equal(t, http.StatusNotFound, node.do("GET", "/api/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, node.do("GET", "/api/recognize", "").Code)
	assert.Equal(t, http.StatusNoContent, node.do("OPTIONS", "/api/recognize", "").Code)
}

func TestListModelsAndVersion(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	w := node.do("GET", "/api/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var models ModelsResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &models))
	require.Len(t, models.Models, 2)
	assert.Equal(t, "gliner-small", models.Models[0].Name)
	assert.NotContains(t, w.Body.String(), "path", "filesystem paths are not exposed")

	w = node.do("GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	var version VersionResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &version))
	assert.Equal(t, Version, version.Version)
	assert.NotEmpty(t, version.GoVersion)
}

func TestHealthEndpoints(t *testing.T) {
	node := newTestNode(t, testModelsDir(t), RequestQueueConfig{})

	w := node.do("GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	w = node.do("GET", "/readyz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ready ReadyResponse
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, 2, ready.Models.Discovered)
	assert.Zero(t, ready.Models.Loaded)

	empty := newTestNode(t, t.TempDir(), RequestQueueConfig{})
	w = empty.do("GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not_ready")
}
