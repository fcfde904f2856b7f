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

package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/spans"
)

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("Ada Lovelace\n\n  Paris  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada Lovelace", "Paris"}, lines)
}

func TestPrintResults(t *testing.T) {
	results := [][]spans.EntityResult{
		{{Text: "Ada", Start: 0, End: 3, Label: "person", Score: 0.5}},
		nil,
	}

	var buf bytes.Buffer
	require.NoError(t, printResults(&buf, []string{"Ada", "x"}, results, false))
	assert.Equal(t, "# Ada\nAda | person | (score: 0.5)| (0-3)\n# x\n", buf.String())

	buf.Reset()
	require.NoError(t, printResults(&buf, []string{"Ada"}, results[:1], false))
	assert.Equal(t, "Ada | person | (score: 0.5)| (0-3)\n", buf.String())
}

func TestBackendSelection(t *testing.T) {
	priority, modelBackends, err := backendSelection([]string{"onnx:cuda", "gomlx", "go:cpu"})
	require.NoError(t, err)
	assert.Equal(t, []backends.BackendSpec{
		{Backend: backends.BackendONNX, Device: backends.DeviceCUDA},
		{Backend: backends.BackendGo, Device: backends.DeviceAuto},
		{Backend: backends.BackendGo, Device: backends.DeviceCPU},
	}, priority)
	assert.Equal(t, []string{"onnx", "go"}, modelBackends)

	priority, modelBackends, err = backendSelection(nil)
	require.NoError(t, err)
	assert.Nil(t, priority)
	assert.Nil(t, modelBackends)

	_, _, err = backendSelection([]string{"tpu"})
	require.ErrorContains(t, err, "--backend")
}

func TestBackendSelectionLoadsOnRequestedDevice(t *testing.T) {
	priority, modelBackends, err := backendSelection([]string{"go:cpu"})
	require.NoError(t, err)

	sm := backends.NewSessionManager()
	defer func() { _ = sm.Close() }()
	sm.SetPriority(priority)

	_, backend, opts, err := sm.GetSessionFactoryForModel(modelBackends)
	require.NoError(t, err)
	assert.Equal(t, backends.BackendGo, backend)
	assert.Equal(t, backends.GPUModeOff, backends.ApplySessionOptions(opts...).GPUMode)
}
