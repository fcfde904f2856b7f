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

// Package tokenizer loads subword tokenizers from model directories and
// exposes them as per-word encoders.
//
// Supported formats, in detection order:
//   - tokenizer.json (HuggingFace Tokenizers; Rust implementation with ORT builds)
//   - tokenizer.model or spm.model (SentencePiece)
//   - vocab.txt (WordPiece)
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/antflydb/antfly-go/libaf/json"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Kind names the tokenizer implementation that was loaded.
type Kind string

const (
	KindRust          Kind = "rust"
	KindHuggingFace   Kind = "huggingface"
	KindSentencePiece Kind = "sentencepiece"
	KindWordPiece     Kind = "wordpiece"
)

// ErrNoTokenizer is returned when a model directory has no tokenizer files.
var ErrNoTokenizer = errors.New("no tokenizer found")

// encoder is the raw text-to-ids function of a loaded tokenizer.
type encoder interface {
	encode(text string) ([]int, error)
}

// Tokenizer encodes single words into subword ids without special tokens.
// It satisfies spans.Tokenizer.
type Tokenizer struct {
	enc  encoder
	kind Kind
	opts options

	closer func() error
}

type options struct {
	beginID *int
	endID   *int
}

// Option configures Load.
type Option func(*options)

// WithSpecialTokens sets the sequence boundary ids that Encode strips when
// the underlying tokenizer adds them on its own.
func WithSpecialTokens(begin, end int) Option {
	return func(o *options) {
		o.beginID = &begin
		o.endID = &end
	}
}

// Load detects and loads the tokenizer stored in modelPath.
func Load(modelPath string, opts ...Option) (*Tokenizer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	config, err := readConfig(modelPath)
	if err != nil {
		return nil, err
	}

	tokenizerJSONPath := filepath.Join(modelPath, "tokenizer.json")
	if fileExists(tokenizerJSONPath) {
		if rustTokenizerAvailable() {
			if enc, closer, err := loadRustTokenizer(tokenizerJSONPath); err == nil && enc != nil {
				return &Tokenizer{enc: enc, kind: KindRust, opts: o, closer: closer}, nil
			}
			// Fall through to the Go tokenizer
		}
		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return &Tokenizer{enc: hfEncoder{tok}, kind: KindHuggingFace, opts: o}, nil
	}

	for _, name := range []string{"tokenizer.model", "spm.model"} {
		spModelPath := filepath.Join(modelPath, name)
		if !fileExists(spModelPath) {
			continue
		}
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		return &Tokenizer{enc: &sentencepieceEncoder{proc: proc}, kind: KindSentencePiece, opts: o}, nil
	}

	vocabPath := filepath.Join(modelPath, "vocab.txt")
	if fileExists(vocabPath) {
		enc, err := newWordPieceEncoder(vocabPath, lowerCase(config))
		if err != nil {
			return nil, fmt.Errorf("loading vocab.txt: %w", err)
		}
		return &Tokenizer{enc: enc, kind: KindWordPiece, opts: o}, nil
	}

	return nil, fmt.Errorf("%w in %s (expected tokenizer.json, tokenizer.model, spm.model or vocab.txt)", ErrNoTokenizer, modelPath)
}

// Kind reports which implementation was loaded.
func (t *Tokenizer) Kind() Kind {
	return t.kind
}

// Encode returns the subword ids of word. An empty result is valid.
func (t *Tokenizer) Encode(word string) ([]int, error) {
	ids, err := t.enc.encode(word)
	if err != nil {
		return nil, err
	}
	if t.opts.beginID != nil && len(ids) > 0 && ids[0] == *t.opts.beginID {
		ids = ids[1:]
	}
	if t.opts.endID != nil && len(ids) > 0 && ids[len(ids)-1] == *t.opts.endID {
		ids = ids[:len(ids)-1]
	}
	return ids, nil
}

// Close releases native tokenizer resources, if any.
func (t *Tokenizer) Close() error {
	if t.closer == nil {
		return nil
	}
	err := t.closer()
	t.closer = nil
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// hfEncoder adapts the pure Go HuggingFace tokenizer.
type hfEncoder struct {
	tok tokenizers.Tokenizer
}

func (e hfEncoder) encode(text string) ([]int, error) {
	return e.tok.Encode(text), nil
}

// sentencepieceEncoder adapts esentencepiece.Processor.
type sentencepieceEncoder struct {
	proc *esentencepiece.Processor
}

func (e *sentencepieceEncoder) encode(text string) ([]int, error) {
	tokens := e.proc.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result, nil
}

// readConfig loads tokenizer_config.json when present. A missing file is not
// an error.
func readConfig(modelPath string) (*api.Config, error) {
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if !fileExists(configPath) {
		return nil, nil
	}
	// Normalize the config to handle HuggingFace AddedToken objects
	normalizedContent, err := normalizeTokenizerConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
	}
	config, err := api.ParseConfigContent(normalizedContent)
	if err != nil {
		return nil, fmt.Errorf("parsing tokenizer config: %w", err)
	}
	config.ConfigFile = configPath
	return config, nil
}

// lowerCase reports whether WordPiece input should be lowercased. BERT
// vocabularies default to uncased.
func lowerCase(config *api.Config) bool {
	if config == nil || config.ConfigFile == "" {
		return true
	}
	content, err := os.ReadFile(config.ConfigFile)
	if err != nil {
		return true
	}
	var raw struct {
		DoLowerCase *bool `json:"do_lower_case"`
	}
	if err := json.Unmarshal(content, &raw); err != nil || raw.DoLowerCase == nil {
		return true
	}
	return *raw.DoLowerCase
}

// normalizeTokenizerConfig reads a tokenizer_config.json file and normalizes
// HuggingFace AddedToken objects to plain strings.
// Some HuggingFace models use {"__type": "AddedToken", "content": "<s>"} format
// instead of plain strings for special tokens.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	tokenFields := []string{
		"bos_token", "eos_token", "pad_token", "unk_token",
		"cls_token", "sep_token", "mask_token",
	}
	for _, field := range tokenFields {
		if val, ok := raw[field]; ok {
			raw[field] = extractTokenContent(val)
		}
	}

	return json.Marshal(raw)
}

// extractTokenContent extracts the token string from either a plain string
// or a HuggingFace AddedToken object.
func extractTokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
