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

//go:build onnx && ORT

package tokenizer

import (
	"fmt"
	"os"

	"github.com/daulet/tokenizers"
)

// rustEncoder wraps the Rust HuggingFace tokenizers library.
// This is significantly faster than the pure Go implementation.
type rustEncoder struct {
	tk *tokenizers.Tokenizer
}

// loadRustTokenizer loads tokenizer.json with the Rust library.
func loadRustTokenizer(tokenizerJSONPath string) (encoder, func() error, error) {
	data, err := os.ReadFile(tokenizerJSONPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading tokenizer.json: %w", err)
	}

	tk, err := tokenizers.FromBytes(data)
	if err != nil {
		return nil, nil, fmt.Errorf("loading Rust tokenizer: %w", err)
	}

	return &rustEncoder{tk: tk}, tk.Close, nil
}

func (e *rustEncoder) encode(text string) ([]int, error) {
	output := e.tk.EncodeWithOptions(text, false)
	result := make([]int, len(output.IDs))
	for i, id := range output.IDs {
		result[i] = int(id)
	}
	return result, nil
}

// rustTokenizerAvailable returns true when the Rust tokenizer is available.
// Set TOKENIZER_BACKEND=go to force the pure Go tokenizer.
func rustTokenizerAvailable() bool {
	return os.Getenv("TOKENIZER_BACKEND") != "go"
}
