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
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import Go backend - always available (pure Go, no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	// The simplego package registers itself as "go" in the GoMLX registry.
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
}

// gomlxBackend implements Backend by executing ONNX graphs with GoMLX
// (via onnx-gomlx). The pure Go engine needs no native libraries, which
// makes it the fallback when ONNX Runtime is not linked in.
type gomlxBackend struct {
	backendType BackendType
	engineType  string

	availableOnce sync.Once
	available     bool

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{
		backendType: backendType,
		engineType:  engineType,
	}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	return "GoMLX (Go)"
}

func (b *gomlxBackend) Available() bool {
	b.availableOnce.Do(func() {
		_, err := b.getEngine()
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	// Always available fallback
	return 100
}

// SessionFactory returns a SessionFactory for creating GoMLX sessions.
func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// getEngine returns the shared GoMLX engine, creating it on first use.
func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		b.engine, b.engineErr = safeNewBackend(b.engineType)
	})
	return b.engine, b.engineErr
}

// safeNewBackend creates a new engine, catching panics from libraries
// that don't handle missing dependencies gracefully.
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// gomlxSessionFactory creates sessions from ONNX model files using GoMLX.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

// CreateSession loads the ONNX graph and its weights. Thread and GPU options
// do not apply to the pure Go engine and are ignored.
func (f *gomlxSessionFactory) CreateSession(modelPath string, _ ...SessionOption) (Session, error) {
	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}

	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}

	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &gomlxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// gomlxSession implements Session for raw tensor I/O using GoMLX.
type gomlxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		tensor, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = tensor
	}

	graphFn := func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			inputNodeMap[name] = graphInputs[i]
		}
		return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
	}

	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		output, err := gomlxToNamedTensor(result, name)
		if err != nil {
			return nil, fmt.Errorf("converting output tensor %d: %w", i, err)
		}
		outputs[i] = output
	}

	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	return nil
}

func intsToInt64s(dims []int) []int64 {
	result := make([]int64, len(dims))
	for i, d := range dims {
		result[i] = int64(d)
	}
	return result
}

// gomlxDataType converts GoMLX DType to our DataType.
func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float32, dtypes.Float64:
		return DataTypeFloat32
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int8, dtypes.Int16:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// namedTensorToGoMLX converts a NamedTensor to a GoMLX tensor.
func namedTensorToGoMLX(nt NamedTensor) (*tensors.Tensor, error) {
	if err := nt.Validate(); err != nil {
		return nil, err
	}
	dims := make([]int, len(nt.Shape))
	for i, d := range nt.Shape {
		dims[i] = int(d)
	}

	switch data := nt.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		i64 := make([]int64, len(data))
		for i, v := range data {
			i64[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(i64, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

// gomlxToNamedTensor converts a GoMLX tensor to a NamedTensor.
func gomlxToNamedTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i := range shape.Rank() {
		dims[i] = int64(shape.Dimensions[i])
	}

	var data any
	switch shape.DType {
	case dtypes.Float32:
		data = flatten[float32](t.Value())
	case dtypes.Float64:
		f64 := flatten[float64](t.Value())
		f32 := make([]float32, len(f64))
		for i, v := range f64 {
			f32[i] = float32(v)
		}
		data = f32
	case dtypes.Int64:
		data = flatten[int64](t.Value())
	case dtypes.Int32:
		data = flatten[int32](t.Value())
	case dtypes.Bool:
		data = flatten[bool](t.Value())
	default:
		return NamedTensor{}, fmt.Errorf("output %s: unsupported dtype %s", name, shape.DType)
	}

	return NamedTensor{
		Name:  name,
		Shape: dims,
		Data:  data,
	}, nil
}

// flatten returns the elements of a scalar or nested slice of T in
// row-major order.
func flatten[T any](val any) []T {
	if v, ok := val.(T); ok {
		return []T{v}
	}
	if v, ok := val.([]T); ok {
		return v
	}
	var out []T
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	for i := range rv.Len() {
		out = append(out, flatten[T](rv.Index(i).Interface())...)
	}
	return out
}
