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

package backends

import (
	"fmt"
	"runtime"
)

// Session represents a low-level inference session that can run tensor computations.
// It handles tensor I/O without knowledge of model semantics; span decoding
// and tokenization live in the pipelines package.
type Session interface {
	// Run executes the session with the given named inputs.
	// Returns named outputs as tensors.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any // []float32, []int64, []int32 or []bool
}

// NumElements returns the product of the shape dimensions.
func (t NamedTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t NamedTensor) Validate() error {
	var got int
	switch data := t.Data.(type) {
	case []float32:
		got = len(data)
	case []int64:
		got = len(data)
	case []int32:
		got = len(data)
	case []bool:
		got = len(data)
	default:
		return fmt.Errorf("tensor %s: unsupported data type %T", t.Name, t.Data)
	}
	if want := t.NumElements(); got != want {
		return fmt.Errorf("tensor %s: shape %v needs %d elements, got %d", t.Name, t.Shape, want, got)
	}
	return nil
}

// FindTensor returns the tensor with the given name.
func FindTensor(tensors []NamedTensor, name string) (NamedTensor, bool) {
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTensor{}, false
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from model files.
// Each backend implements this to provide its session creation mechanism.
type SessionFactory interface {
	// CreateSession creates a session from an ONNX file.
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for intra-op parallelism (0 = runtime.NumCPU())
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode

	// GraphOptimizationLevel for ONNX Runtime (0-3)
	GraphOptimizationLevel int
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		NumThreads:             runtime.NumCPU(),
		GPUMode:                GPUModeAuto,
		GraphOptimizationLevel: 3,
	}
}

// WithSessionThreads sets the number of threads. Values <= 0 keep the default.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		if n > 0 {
			c.NumThreads = n
		}
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// WithSessionGraphOptimization sets the ONNX Runtime graph optimization level,
// clamped to 0-3.
func WithSessionGraphOptimization(level int) SessionOption {
	return func(c *SessionConfig) {
		c.GraphOptimizationLevel = min(max(level, 0), 3)
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
