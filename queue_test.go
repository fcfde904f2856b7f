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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequestQueueDisabled(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{}, zaptest.NewLogger(t))
	assert.False(t, q.IsEnabled())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Stats().CurrentActive)
	release()
	assert.Equal(t, int64(0), q.Stats().CurrentActive)
	assert.Equal(t, int64(1), q.Stats().TotalProcessed)
}

func TestRequestQueueFull(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{MaxConcurrentRequests: 1, MaxQueueSize: 1}, zaptest.NewLogger(t))
	require.True(t, q.IsEnabled())

	release, err := q.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		r, err := q.Acquire(context.Background())
		if err == nil {
			acquired <- r
		}
	}()
	require.Eventually(t, func() bool { return q.Stats().CurrentQueued == 1 }, time.Second, time.Millisecond)

	_, err = q.Acquire(context.Background())
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), q.Stats().TotalRejected)

	release()
	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("queued request never acquired a slot")
	}
	stats := q.Stats()
	assert.Equal(t, int64(0), stats.CurrentQueued)
	assert.Equal(t, int64(2), stats.TotalProcessed)
	assert.Equal(t, int64(1), stats.MaxConcurrent)
}

func TestRequestQueueTimeoutAndCancel(t *testing.T) {
	q := NewRequestQueue(RequestQueueConfig{MaxConcurrentRequests: 1, RequestTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t))
	release, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = q.Acquire(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, int64(1), q.Stats().TotalTimedOut)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), q.Stats().CurrentQueued)
}

func TestQueueResponses(t *testing.T) {
	w := httptest.NewRecorder()
	WriteQueueFullResponse(w, 5*time.Second)
	assert.Equal(t, 503, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "overloaded")

	w = httptest.NewRecorder()
	WriteTimeoutResponse(w)
	assert.Equal(t, 504, w.Code)
}
