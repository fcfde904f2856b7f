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
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"go.uber.org/zap"

	"github.com/antflydb/gliner/lib/ner"
	"github.com/antflydb/gliner/lib/pipelines"
)

//go:embed openapi.yaml
var openapiSpec []byte

// RecognizeRequest is the body of POST /api/recognize. Absent optional
// fields take the model's configured defaults.
type RecognizeRequest struct {
	Model      string   `json:"model"`
	Texts      []string `json:"texts"`
	Labels     []string `json:"labels,omitempty"`
	Threshold  *float32 `json:"threshold,omitempty"`
	FlatNER    *bool    `json:"flat_ner,omitempty"`
	MultiLabel *bool    `json:"multi_label,omitempty"`
}

// RecognizeResponse is the body of a successful recognize call.
type RecognizeResponse struct {
	Model           string         `json:"model"`
	Entities        [][]ner.Entity `json:"entities"`
	DuplicateLabels []string       `json:"duplicate_labels,omitempty"`
}

type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewAPIHandler returns the /api/ handler. Requests are validated against
// the embedded OpenAPI document before they reach a handler.
func NewAPIHandler(logger *zap.Logger, node *Node) (http.Handler, error) {
	validate, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/recognize", node.handleRecognize)
	mux.HandleFunc("GET /api/models", node.handleListModels)
	mux.HandleFunc("GET /api/version", node.handleVersion)
	return validate(logger, mux), nil
}

// newRequestValidator loads the embedded OpenAPI document and returns a
// middleware that rejects requests it does not describe.
func newRequestValidator() (func(*zap.Logger, http.Handler) http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("building openapi router: %w", err)
	}

	return func(logger *zap.Logger, next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			switch {
			case isMethodNotAllowed(err):
				writeErrorBody(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			case err != nil:
				writeErrorBody(w, http.StatusNotFound, "not found")
				return
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    &openapi3filter.Options{MultiError: true},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				logger.Debug("Rejected invalid request",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				writeErrorBody(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// isMethodNotAllowed reports whether a route lookup matched the path but
// not the method. Routers return copies of the sentinel, so match on reason.
func isMethodNotAllowed(err error) bool {
	if errors.Is(err, routers.ErrMethodNotAllowed) {
		return true
	}
	var routeErr *routers.RouteError
	return errors.As(err, &routeErr) && routeErr.Reason == routers.ErrMethodNotAllowed.Error()
}

func (n *Node) handleRecognize(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	// Apply backpressure via request queue
	release, err := n.queue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrRequestTimeout):
			WriteTimeoutResponse(w)
		default:
			writeErrorBody(w, http.StatusRequestTimeout, "request cancelled")
		}
		return
	}
	defer release()
	UpdateQueueMetrics(n.queue.Stats())

	var req RecognizeRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}

	model, err := n.registry.Get(req.Model)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrModelNotFound) {
			status = http.StatusNotFound
		}
		n.logger.Warn("Model unavailable", zap.String("model", req.Model), zap.Error(err))
		writeErrorBody(w, status, err.Error())
		return
	}

	opts := model.DefaultOptions()
	if len(req.Labels) > 0 {
		opts.Labels = req.Labels
	}
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
	}
	if req.FlatNER != nil {
		opts.FlatNER = *req.FlatNER
	}
	if req.MultiLabel != nil {
		opts.MultiLabel = *req.MultiLabel
	}

	resp := RecognizeResponse{Model: req.Model}
	if dups := ner.DuplicateLabels(opts.Labels); len(dups) > 0 {
		RecordDuplicateLabels(req.Model)
		resp.DuplicateLabels = dups
	}
	RecordRecognizeRequest(req.Model, len(req.Texts))

	resp.Entities, err = n.cache.Recognize(r.Context(), req.Model, model, req.Texts, opts)
	if err != nil {
		status := recognizeErrorStatus(err)
		RecordRequestDuration("recognize", req.Model, fmt.Sprint(status), time.Since(start).Seconds())
		n.logger.Error("Recognition failed",
			zap.String("model", req.Model),
			zap.Int("num_texts", len(req.Texts)),
			zap.Error(err))
		writeErrorBody(w, status, err.Error())
		return
	}

	total := 0
	for _, entities := range resp.Entities {
		total += len(entities)
	}
	RecordEntityCreation(req.Model, total)
	RecordRequestDuration("recognize", req.Model, "200", time.Since(start).Seconds())
	n.writeJSON(w, http.StatusOK, resp)
}

func recognizeErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipelines.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, pipelines.ErrNotInitialized), errors.Is(err, ner.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (n *Node) handleListModels(w http.ResponseWriter, _ *http.Request) {
	n.writeJSON(w, http.StatusOK, ModelsResponse{Models: n.registry.Models()})
}

func (n *Node) handleVersion(w http.ResponseWriter, _ *http.Request) {
	n.writeJSON(w, http.StatusOK, VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	})
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encoder.NewStreamEncoder(w).Encode(v); err != nil {
		n.logger.Error("encoding response", zap.Error(err))
	}
}

func writeErrorBody(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(ErrorResponse{Error: msg})
}
