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
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a request waits longer than the
	// queue timeout
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueueConfig holds configuration for the request queue
type RequestQueueConfig struct {
	MaxConcurrentRequests int           // 0 = unlimited
	MaxQueueSize          int           // 0 = unlimited (only when MaxConcurrent > 0)
	RequestTimeout        time.Duration // 0 = no timeout
}

// RequestQueue bounds concurrent recognize requests. Requests over the
// concurrency limit wait in a bounded queue; a full queue rejects at once.
type RequestQueue struct {
	slots        chan struct{}
	maxQueueSize int64
	timeout      time.Duration

	active    atomic.Int64
	queued    atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64

	logger *zap.Logger
}

// NewRequestQueue creates a new request queue with the given configuration
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &RequestQueue{
		maxQueueSize: int64(config.MaxQueueSize),
		timeout:      config.RequestTimeout,
		logger:       logger,
	}
	if config.MaxConcurrentRequests <= 0 {
		logger.Info("Request queue disabled (unlimited concurrency)")
		return q
	}
	q.slots = make(chan struct{}, config.MaxConcurrentRequests)
	logger.Info("Request queue initialized",
		zap.Int("max_concurrent", config.MaxConcurrentRequests),
		zap.Int("max_queue_size", config.MaxQueueSize),
		zap.Duration("timeout", config.RequestTimeout))
	return q
}

// IsEnabled returns true if request queuing is enabled
func (q *RequestQueue) IsEnabled() bool {
	return q.slots != nil
}

// Acquire reserves a processing slot. The returned release function must be
// called exactly once when the request is done.
func (q *RequestQueue) Acquire(ctx context.Context) (func(), error) {
	if q.slots == nil {
		q.active.Add(1)
		return q.release(false), nil
	}

	select {
	case q.slots <- struct{}{}:
		q.active.Add(1)
		return q.release(true), nil
	default:
	}

	if !q.reserveQueueSlot() {
		q.rejected.Add(1)
		RecordQueueRejection()
		q.logger.Warn("Request rejected: queue full",
			zap.Int64("queued", q.queued.Load()),
			zap.Int64("max_queue", q.maxQueueSize))
		return nil, ErrQueueFull
	}
	defer q.queued.Add(-1)

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	waitStart := time.Now()
	select {
	case q.slots <- struct{}{}:
		q.active.Add(1)
		RecordQueueWaitTime(time.Since(waitStart).Seconds())
		return q.release(true), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			q.timedOut.Add(1)
			RecordQueueTimeout()
			q.logger.Warn("Request timed out in queue",
				zap.Duration("wait_time", time.Since(waitStart)),
				zap.Duration("timeout", q.timeout))
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

// reserveQueueSlot increments the queued count unless the queue is full.
func (q *RequestQueue) reserveQueueSlot() bool {
	if q.maxQueueSize <= 0 {
		q.queued.Add(1)
		return true
	}
	for {
		n := q.queued.Load()
		if n >= q.maxQueueSize {
			return false
		}
		if q.queued.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (q *RequestQueue) release(holdsSlot bool) func() {
	return func() {
		q.active.Add(-1)
		q.processed.Add(1)
		if holdsSlot {
			<-q.slots
		}
	}
}

// QueueStats holds queue statistics
type QueueStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// Stats returns current queue statistics
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive:  q.active.Load(),
		CurrentQueued:  q.queued.Load(),
		TotalProcessed: q.processed.Load(),
		TotalRejected:  q.rejected.Load(),
		TotalTimedOut:  q.timedOut.Load(),
		MaxConcurrent:  int64(cap(q.slots)),
		MaxQueueSize:   q.maxQueueSize,
	}
}

// WriteQueueFullResponse writes a 503 response with Retry-After header
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(max(1, int(retryAfter.Seconds()))))
	writeErrorBody(w, http.StatusServiceUnavailable, "service overloaded, please retry later")
}

// WriteTimeoutResponse writes a 504 response
func WriteTimeoutResponse(w http.ResponseWriter) {
	writeErrorBody(w, http.StatusGatewayTimeout, ErrRequestTimeout.Error())
}
