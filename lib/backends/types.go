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

// Package backends provides a unified interface for creating ONNX inference
// sessions with multi-backend support:
//
//   - onnx-gomlx: ONNX model execution via GoMLX
//   - onnxruntime_go: Direct ONNX Runtime inference
//
// Available backends:
//   - Go: Always available, pure Go GoMLX engine (simplego)
//   - ONNX Runtime: Fastest inference, requires -tags="onnx,ORT"
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd/gliner
//
// Backend selection at runtime follows a configurable priority order (default: ONNX > Go).
package backends

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"

	// BackendGo is the GoMLX backend with pure Go engine (no CGO)
	// Always available, slower than ONNX Runtime but no external dependencies.
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	// DeviceAuto lets the backend pick (default)
	DeviceAuto DeviceType = "auto"

	// DeviceCUDA uses NVIDIA CUDA GPU
	DeviceCUDA DeviceType = "cuda"

	// DeviceCPU forces CPU-only inference
	DeviceCPU DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // CPU unless CUDA is requested explicitly
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceCUDA:
		return GPUModeCuda
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device specification.
// Used for configuring backend priority with device preferences.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns the string representation (e.g., "onnx:cuda" or "go")
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}
