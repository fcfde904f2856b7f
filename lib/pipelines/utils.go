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

package pipelines

import (
	"os"
	"path/filepath"
)

// modelFileCandidates lists the ONNX file names a GLiNER export may use, in
// order of preference.
var modelFileCandidates = []string{
	"model.onnx",
	"model_quantized.onnx",
	"gliner.onnx",
}

// FindONNXFile looks for an ONNX file in the given directory.
// It searches for the first matching file from the candidates list.
// Also checks the "onnx/" subdirectory where some HuggingFace exports store the model.
func FindONNXFile(dir string, candidates []string) string {
	searchDirs := []string{dir, filepath.Join(dir, "onnx")}

	for _, searchDir := range searchDirs {
		for _, name := range candidates {
			path := filepath.Join(searchDir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// FirstNonZero returns the first non-zero value from the arguments.
func FirstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
