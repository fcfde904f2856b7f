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

package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadWordPiece(t *testing.T) {
	dir := t.TempDir()
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "hello", "world", "##s", "obama"}
	writeFile(t, dir, "vocab.txt", strings.Join(vocab, "\n")+"\n")

	tok, err := Load(dir, WithSpecialTokens(2, 3))
	require.NoError(t, err)
	defer tok.Close()
	assert.Equal(t, KindWordPiece, tok.Kind())

	tests := []struct {
		word string
		want []int
	}{
		{"hello", []int{4}},
		{"worlds", []int{5, 6}},
		{"obama", []int{7}},
		{"zzz", []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			got, err := tok.Encode(tt.word)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := tok.Encode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadMissingTokenizer(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTokenizer))
}

func TestLoadEmptyVocab(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vocab.txt", "\n\n")
	_, err := Load(dir)
	require.ErrorContains(t, err, "empty vocab")
}

type stubEncoder []int

func (s stubEncoder) encode(string) ([]int, error) {
	return append([]int(nil), s...), nil
}

func TestEncodeStripsBoundaryTokens(t *testing.T) {
	tok := &Tokenizer{enc: stubEncoder{1, 40, 41, 2}}
	got, err := tok.Encode("x")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 40, 41, 2}, got, "nothing stripped without configured ids")

	WithSpecialTokens(1, 2)(&tok.opts)
	got, err = tok.Encode("x")
	require.NoError(t, err)
	assert.Equal(t, []int{40, 41}, got)

	tok.enc = stubEncoder{40}
	got, err = tok.Encode("x")
	require.NoError(t, err)
	assert.Equal(t, []int{40}, got)

	tok.enc = stubEncoder{1}
	got, err = tok.Encode("x")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNormalizeTokenizerConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tokenizer_config.json", `{
		"bos_token": {"__type": "AddedToken", "content": "[CLS]"},
		"eos_token": "[SEP]",
		"unk_token": 7,
		"do_lower_case": false
	}`)

	normalized, err := normalizeTokenizerConfig(filepath.Join(dir, "tokenizer_config.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(normalized, &raw))
	assert.Equal(t, "[CLS]", raw["bos_token"])
	assert.Equal(t, "[SEP]", raw["eos_token"])
	assert.Equal(t, "", raw["unk_token"])
	assert.Equal(t, false, raw["do_lower_case"])
}

func TestExtractTokenContent(t *testing.T) {
	assert.Equal(t, "<s>", extractTokenContent("<s>"))
	assert.Equal(t, "<s>", extractTokenContent(map[string]any{"content": "<s>"}))
	assert.Equal(t, "", extractTokenContent(map[string]any{"id": 1}))
	assert.Equal(t, "", extractTokenContent(nil))
}

func TestModelDirectoryIntegration(t *testing.T) {
	modelPath := os.Getenv("GLINER_MODEL_PATH")
	if modelPath == "" {
		t.Skip("GLINER_MODEL_PATH not set, skipping tokenizer integration test")
	}
	tok, err := Load(modelPath)
	require.NoError(t, err)
	defer tok.Close()

	ids, err := tok.Encode("Obama")
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
}
