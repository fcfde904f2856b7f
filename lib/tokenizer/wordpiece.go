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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/util"
)

// wordPieceEncoder uses BERT's WordPiece tokenization for models that ship
// only a vocab.txt.
type wordPieceEncoder struct {
	tk *tokenizer.Tokenizer
}

func newWordPieceEncoder(vocabPath string, lowercase bool) (*wordPieceEncoder, error) {
	vocab, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}

	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, lowercase, true, lowercase))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	return &wordPieceEncoder{tk: tk}, nil
}

// readVocab parses one token per line; the id is the line number.
func readVocab(path string) (model.Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(model.Vocab)
	scanner := bufio.NewScanner(f)
	for i := 0; scanner.Scan(); i++ {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			vocab[line] = i
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocab %s", path)
	}
	return vocab, nil
}

// encode recovers from panics in the underlying tokenizer library
// (github.com/sugarme/tokenizer has a bounds check bug in BertNormalizer.TransformRange).
func (e *wordPieceEncoder) encode(text string) (ids []int, err error) {
	if text == "" {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ids, err = nil, fmt.Errorf("wordpiece tokenizer panicked on %q: %v", text, r)
		}
	}()

	enc, err := e.tk.EncodeSingle(text)
	if err != nil {
		return nil, err
	}
	return enc.Ids, nil
}
