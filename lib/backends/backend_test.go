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
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackendSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    BackendSpec
		wantErr bool
	}{
		{
			name:  "backend only - onnx",
			input: "onnx",
			want:  BackendSpec{Backend: BackendONNX, Device: DeviceAuto},
		},
		{
			name:  "backend only - go",
			input: "go",
			want:  BackendSpec{Backend: BackendGo, Device: DeviceAuto},
		},
		{
			name:  "gomlx alias",
			input: "GoMLX",
			want:  BackendSpec{Backend: BackendGo, Device: DeviceAuto},
		},
		{
			name:  "backend with device - onnx:cuda",
			input: "onnx:cuda",
			want:  BackendSpec{Backend: BackendONNX, Device: DeviceCUDA},
		},
		{
			name:  "gpu alias for cuda",
			input: "onnx:gpu",
			want:  BackendSpec{Backend: BackendONNX, Device: DeviceCUDA},
		},
		{
			name:  "off alias for cpu",
			input: "go:off",
			want:  BackendSpec{Backend: BackendGo, Device: DeviceCPU},
		},
		{
			name:    "invalid backend",
			input:   "xla",
			wantErr: true,
		},
		{
			name:    "invalid device",
			input:   "onnx:tpu",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBackendSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBackendPriority(t *testing.T) {
	got, err := ParseBackendPriority([]string{"onnx:cuda", "onnx:cpu", "go"})
	require.NoError(t, err)
	assert.Equal(t, []BackendSpec{
		{Backend: BackendONNX, Device: DeviceCUDA},
		{Backend: BackendONNX, Device: DeviceCPU},
		{Backend: BackendGo, Device: DeviceAuto},
	}, got)
	assert.Equal(t, "onnx:cuda", got[0].String())
	assert.Equal(t, "go", got[2].String())

	_, err = ParseBackendPriority([]string{"onnx", "bogus"})
	require.ErrorContains(t, err, "bogus")
}

func TestSessionOptions(t *testing.T) {
	cfg := ApplySessionOptions()
	assert.Equal(t, runtime.NumCPU(), cfg.NumThreads)
	assert.Equal(t, 3, cfg.GraphOptimizationLevel)
	assert.Equal(t, GPUModeAuto, cfg.GPUMode)

	cfg = ApplySessionOptions(WithSessionThreads(2), WithSessionGPUMode(GPUModeCuda), WithSessionGraphOptimization(9))
	assert.Equal(t, 2, cfg.NumThreads)
	assert.Equal(t, GPUModeCuda, cfg.GPUMode)
	assert.Equal(t, 3, cfg.GraphOptimizationLevel)

	cfg = ApplySessionOptions(WithSessionThreads(0), WithSessionGraphOptimization(-1))
	assert.Equal(t, runtime.NumCPU(), cfg.NumThreads)
	assert.Equal(t, 0, cfg.GraphOptimizationLevel)
}

func TestNamedTensorValidate(t *testing.T) {
	ok := NamedTensor{Name: "span_mask", Shape: []int64{2, 3}, Data: make([]bool, 6)}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 6, ok.NumElements())

	short := NamedTensor{Name: "input_ids", Shape: []int64{2, 3}, Data: make([]int64, 5)}
	require.ErrorContains(t, short.Validate(), "input_ids")

	bad := NamedTensor{Name: "x", Shape: []int64{1}, Data: []string{"a"}}
	require.Error(t, bad.Validate())

	found, hit := FindTensor([]NamedTensor{short, ok}, "span_mask")
	require.True(t, hit)
	assert.Equal(t, ok.Shape, found.Shape)
	_, hit = FindTensor(nil, "logits")
	assert.False(t, hit)
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, []float32{1, 2, 3, 4}, flatten[float32]([][][]float32{{{1, 2}}, {{3, 4}}}))
	assert.Equal(t, []bool{true}, flatten[bool](true))
	assert.Equal(t, []int64{5, 6}, flatten[int64]([]int64{5, 6}))
	assert.Nil(t, flatten[int64]("nope"))
}

const backendFake BackendType = "fake"

type fakeSession struct{ closed bool }

func (s *fakeSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	return inputs, nil
}

func (s *fakeSession) InputInfo() []TensorInfo { return nil }

func (s *fakeSession) OutputInfo() []TensorInfo { return nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeFactory struct {
	lastConfig *SessionConfig
}

func (f *fakeFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	f.lastConfig = ApplySessionOptions(opts...)
	if modelPath == "" {
		return nil, errors.New("empty path")
	}
	return &fakeSession{}, nil
}

func (f *fakeFactory) Backend() BackendType { return backendFake }

type fakeBackend struct {
	available bool
	factory   *fakeFactory
}

func (b *fakeBackend) Type() BackendType { return backendFake }

func (b *fakeBackend) Name() string { return "Fake" }

func (b *fakeBackend) Available() bool { return b.available }

func (b *fakeBackend) Priority() int { return 1 }

func (b *fakeBackend) SessionFactory() SessionFactory { return b.factory }

func registerFake(t *testing.T, available bool) *fakeBackend {
	t.Helper()
	b := &fakeBackend{available: available, factory: &fakeFactory{}}
	RegisterBackend(b)
	t.Cleanup(func() { unregisterBackend(backendFake) })
	return b
}

func TestRegistry(t *testing.T) {
	registerFake(t, true)

	b, ok := GetBackend(backendFake)
	require.True(t, ok)
	assert.Equal(t, "Fake", b.Name())

	registered := ListRegistered()
	require.NotEmpty(t, registered)
	assert.Equal(t, backendFake, registered[0].Type(), "lowest priority number first")

	// The Go backend is always compiled in.
	_, ok = GetBackend(BackendGo)
	assert.True(t, ok)

	// Configured priority decides the default.
	t.Cleanup(func() { SetPriority(nil) })
	SetPriority([]BackendType{backendFake, BackendGo})
	assert.Equal(t, []BackendType{backendFake, BackendGo}, GetPriority())
	require.NotNil(t, GetDefaultBackend())
	assert.Equal(t, backendFake, GetDefaultBackend().Type())
}

func TestSessionManagerRespectsModelBackends(t *testing.T) {
	fake := registerFake(t, true)

	sm := NewSessionManager()
	defer sm.Close()
	sm.SetPriority([]BackendSpec{{Backend: backendFake, Device: DeviceCUDA}, {Backend: BackendGo}})

	factory, backend, opts, err := sm.GetSessionFactoryForModel(nil)
	require.NoError(t, err)
	assert.Equal(t, backendFake, backend)
	assert.Same(t, fake.factory, factory)
	assert.Len(t, opts, 1)
	assert.True(t, sm.HasFactory(backendFake))

	session, backend, err := sm.CreateSession("model.onnx", []string{"fake"}, WithSessionThreads(3))
	require.NoError(t, err)
	assert.Equal(t, backendFake, backend)
	assert.Equal(t, GPUModeCuda, fake.factory.lastConfig.GPUMode)
	assert.Equal(t, 3, fake.factory.lastConfig.NumThreads)
	require.NoError(t, session.Close())

	_, _, err = sm.CreateSession("", []string{"fake"})
	require.ErrorContains(t, err, "empty path")

	_, _, _, err = sm.GetSessionFactoryForModel([]string{"onnx-only-nonexistent"})
	require.Error(t, err)
}

func TestSessionManagerUnavailableBackend(t *testing.T) {
	registerFake(t, false)

	sm := NewSessionManager()
	sm.SetPriority([]BackendSpec{{Backend: backendFake}})

	_, err := sm.GetSessionFactory(backendFake)
	require.ErrorContains(t, err, "not available")

	_, _, _, err = sm.GetSessionFactoryForModel(nil)
	require.Error(t, err)
	assert.Empty(t, sm.ActiveBackends())
}

func TestSessionManagerClose(t *testing.T) {
	registerFake(t, true)

	sm := NewSessionManager()
	require.NoError(t, sm.Close())
	require.NoError(t, sm.Close())

	_, err := sm.GetSessionFactory(backendFake)
	require.ErrorIs(t, err, ErrManagerClosed)
	_, _, _, err = sm.GetSessionFactoryForModel(nil)
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestSessionManagerModelBackendSpecs(t *testing.T) {
	sm := NewSessionManager()
	defer sm.Close()

	tests := []struct {
		name          string
		modelBackends []string
		wantGPU       GPUMode
		wantOpts      int
	}{
		{"alias", []string{"gomlx"}, GPUModeAuto, 0},
		{"device suffix", []string{"go:cpu"}, GPUModeOff, 1},
		{"first available wins", []string{"onnx:cuda", "go"}, GPUModeAuto, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, backend, opts, err := sm.GetSessionFactoryForModel(tt.modelBackends)
			require.NoError(t, err)
			assert.Equal(t, BackendGo, backend)
			assert.Len(t, opts, tt.wantOpts)
			assert.Equal(t, tt.wantGPU, ApplySessionOptions(opts...).GPUMode)
		})
	}
}

func TestModelBackendDevices(t *testing.T) {
	assert.Equal(t,
		map[BackendType]DeviceType{BackendONNX: DeviceCPU, BackendGo: DeviceAuto, backendFake: DeviceAuto},
		modelBackendDevices([]string{"onnx:cpu", "gomlx", "go:cuda", "fake"}),
		"aliases resolve, the first entry per backend wins, unknown names pass through")
	assert.Empty(t, modelBackendDevices(nil))
}
