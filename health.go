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
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for /readyz endpoint
type ReadyResponse struct {
	Status   string         `json:"status"`
	Models   ReadyModels    `json:"models"`
	Detailed map[string]any `json:"detailed,omitempty"`
}

// ReadyModels shows model availability
type ReadyModels struct {
	Discovered int `json:"discovered"`
	Loaded     int `json:"loaded"`
}

// handleHealthz returns 200 if the service is running (liveness check)
func (n *Node) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleReadyz returns 200 once at least one model is available.
func (n *Node) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := ReadyResponse{Status: "ready"}
	for _, m := range n.registry.Models() {
		resp.Models.Discovered++
		if m.Loaded {
			resp.Models.Loaded++
		}
	}
	resp.Detailed = map[string]any{
		"queue": n.queue.Stats(),
		"cache": n.cache.Stats(),
	}

	status := http.StatusOK
	if resp.Models.Discovered == 0 {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(resp)
}
