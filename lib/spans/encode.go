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

package spans

import (
	"errors"
	"fmt"
)

// Tokenizer encodes a single word into subword ids, without special tokens.
type Tokenizer interface {
	Encode(word string) ([]int, error)
}

// EncoderConfig holds the model-specific prompt markers and sequence
// boundary token ids.
type EncoderConfig struct {
	// EntityToken precedes every label name in the prompt.
	EntityToken string
	// SeparatorToken ends the prompt.
	SeparatorToken string
	// BeginTokenID starts every sequence (e.g. [CLS]).
	BeginTokenID int64
	// EndTokenID ends every sequence (e.g. [SEP]).
	EndTokenID int64
}

// DefaultEncoderConfig returns the markers used by DeBERTa-based GLiNER models.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		EntityToken:    "<<ENT>>",
		SeparatorToken: "<<SEP>>",
		BeginTokenID:   1,
		EndTokenID:     2,
	}
}

// EncodedText is the token-level model input for one text.
type EncodedText struct {
	InputIDs      []int64
	AttentionMask []int64
	// WordsMask holds the 1-based word index at the first subword of every
	// text word and 0 everywhere else.
	WordsMask []int64
	// PromptLength is the number of prompt words (markers plus labels).
	PromptLength int
	// TextLength is the number of text words.
	TextLength int
}

// BatchEncoder builds token sequences of the form
// [begin] <<ENT>> label ... <<SEP>> word ... [end].
type BatchEncoder struct {
	tokenizer Tokenizer
	config    EncoderConfig
}

// NewBatchEncoder validates cfg and returns an encoder.
func NewBatchEncoder(tok Tokenizer, cfg EncoderConfig) (*BatchEncoder, error) {
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	if cfg.EntityToken == "" || cfg.SeparatorToken == "" {
		return nil, errors.New("entity and separator tokens are required")
	}
	return &BatchEncoder{tokenizer: tok, config: cfg}, nil
}

// Config returns the encoder configuration.
func (e *BatchEncoder) Config() EncoderConfig {
	return e.config
}

// Prompt returns the prompt words for labels.
func (e *BatchEncoder) Prompt(labels []string) []string {
	prompt := make([]string, 0, 2*len(labels)+1)
	for _, label := range labels {
		prompt = append(prompt, e.config.EntityToken, label)
	}
	return append(prompt, e.config.SeparatorToken)
}

// Encode builds the model input for one text.
func (e *BatchEncoder) Encode(words []Word, labels []string) (EncodedText, error) {
	prompt, err := e.encodeWords(e.Prompt(labels))
	if err != nil {
		return EncodedText{}, err
	}
	return e.encode(prompt, words)
}

// EncodeBatch builds the model inputs for every text. The prompt is
// tokenized once and shared.
func (e *BatchEncoder) EncodeBatch(texts [][]Word, labels []string) ([]EncodedText, error) {
	prompt, err := e.encodeWords(e.Prompt(labels))
	if err != nil {
		return nil, err
	}
	out := make([]EncodedText, len(texts))
	for i, words := range texts {
		enc, err := e.encode(prompt, words)
		if err != nil {
			return nil, fmt.Errorf("encoding text %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func (e *BatchEncoder) encodeWords(words []string) ([][]int, error) {
	out := make([][]int, len(words))
	for i, w := range words {
		ids, err := e.tokenizer.Encode(w)
		if err != nil {
			return nil, fmt.Errorf("tokenizing %q: %w", w, err)
		}
		out[i] = ids
	}
	return out, nil
}

func (e *BatchEncoder) encode(prompt [][]int, words []Word) (EncodedText, error) {
	text := make([][]int, len(words))
	size := 2
	for _, p := range prompt {
		size += len(p)
	}
	for i, w := range words {
		ids, err := e.tokenizer.Encode(w.Text)
		if err != nil {
			return EncodedText{}, fmt.Errorf("tokenizing %q: %w", w.Text, err)
		}
		text[i] = ids
		size += len(ids)
	}

	enc := EncodedText{
		InputIDs:      make([]int64, 0, size),
		AttentionMask: make([]int64, 0, size),
		WordsMask:     make([]int64, 0, size),
		PromptLength:  len(prompt),
		TextLength:    len(words),
	}
	push := func(id, mask int64) {
		enc.InputIDs = append(enc.InputIDs, id)
		enc.AttentionMask = append(enc.AttentionMask, 1)
		enc.WordsMask = append(enc.WordsMask, mask)
	}

	push(e.config.BeginTokenID, 0)
	for _, ids := range prompt {
		for _, id := range ids {
			push(int64(id), 0)
		}
	}
	var wordIdx int64 = 1
	for _, ids := range text {
		for j, id := range ids {
			if j == 0 {
				push(int64(id), wordIdx)
				wordIdx++
				continue
			}
			push(int64(id), 0)
		}
	}
	push(e.config.EndTokenID, 0)
	return enc, nil
}
