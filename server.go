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

// Package gliner serves zero-shot named entity recognition over HTTP.
package gliner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/gliner/lib/backends"
)

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// Config is the server configuration, usually filled from viper.
type Config struct {
	ApiUrl                 string
	ModelsDir              string
	BackendPriority        []string
	KeepAlive              string // duration; empty or "0" keeps models loaded
	MaxLoadedModels        int
	PoolSize               int
	NumThreads             int
	GraphOptimizationLevel *int // ONNX Runtime 0-3; nil uses the highest
	MaxConcurrentRequests  int
	MaxQueueSize           int
	RequestTimeout         string // duration; empty or "0" waits forever
	CacheTTL               string // duration; empty uses ResultCacheTTL
	Preload                []string
}

// Node holds the long-lived server state shared by the handlers.
type Node struct {
	logger   *zap.Logger
	registry *Registry
	queue    *RequestQueue
	cache    *ResultCache
}

// NewNode assembles a node from its parts.
func NewNode(logger *zap.Logger, registry *Registry, queue *RequestQueue, cache *ResultCache) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{logger: logger, registry: registry, queue: queue, cache: cache}
}

// Handler returns the root handler: health endpoints plus the validated API.
func (n *Node) Handler() (http.Handler, error) {
	api, err := NewAPIHandler(n.logger, n)
	if err != nil {
		return nil, err
	}
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", n.handleHealthz)
	rootMux.HandleFunc("GET /readyz", n.handleReadyz)
	rootMux.Handle("/api/", api)

	return corsMiddleware(rootMux), nil
}

// corsMiddleware adds permissive CORS headers for the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", name, value, err)
	}
	return d, nil
}

// RunAsGLiNER runs the HTTP server until ctx is cancelled. If readyC is
// non-nil, it is closed once the server accepts requests.
func RunAsGLiNER(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) error {
	zl = zl.Named("gliner")
	zl.Info("Starting gliner server", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		return fmt.Errorf("invalid API URL %q: %w", config.ApiUrl, err)
	}
	keepAlive, err := parseDuration("keep_alive", config.KeepAlive)
	if err != nil {
		return err
	}
	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout)
	if err != nil {
		return err
	}
	cacheTTL, err := parseDuration("cache_ttl", config.CacheTTL)
	if err != nil {
		return err
	}

	sessionManager := backends.NewSessionManager()
	defer func() { _ = sessionManager.Close() }()
	if len(config.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(config.BackendPriority)
		if err != nil {
			return fmt.Errorf("parsing backend_priority: %w", err)
		}
		sessionManager.SetPriority(priority)
	}
	available := backends.ListAvailable()
	availableNames := make([]string, len(available))
	for i, b := range available {
		availableNames[i] = b.Name()
	}
	zl.Info("Inference backends", zap.Strings("available", availableNames))

	registry, err := NewRegistry(RegistryConfig{
		ModelsDir:              config.ModelsDir,
		KeepAlive:              keepAlive,
		MaxLoadedModels:        uint64(max(config.MaxLoadedModels, 0)),
		PoolSize:               config.PoolSize,
		NumThreads:             config.NumThreads,
		GraphOptimizationLevel: config.GraphOptimizationLevel,
	}, sessionManager, zl.Named("registry"))
	if err != nil {
		return fmt.Errorf("initializing model registry: %w", err)
	}
	defer func() { _ = registry.Close() }()
	if err := registry.Preload(config.Preload); err != nil {
		zl.Warn("Some models failed to preload", zap.Error(err))
	}

	queue := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: config.MaxConcurrentRequests,
		MaxQueueSize:          config.MaxQueueSize,
		RequestTimeout:        requestTimeout,
	}, zl.Named("queue"))

	cache := NewResultCache(cacheTTL, zl.Named("cache"))
	defer cache.Close()

	node := NewNode(zl, registry, queue, cache)
	handler, err := node.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       540 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("API server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}
	return nil
}
