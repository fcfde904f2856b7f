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

// Package spans implements the span-level core of GLiNER-style zero-shot NER:
// word splitting, candidate span enumeration, prompt/token encoding, batch
// padding, and decoding of the model's flat score buffer into a conflict-free
// set of labeled spans.
//
// The package has no knowledge of tokenizer or tensor-engine implementations;
// both are reached through small interfaces so the index arithmetic can be
// tested in isolation.
package spans

import "regexp"

// wordChars matches a single Unicode word character: letters (including
// letter numbers such as Roman numerals), combining marks, decimal digits
// and connector punctuation (which includes '_').
const wordChars = `[\p{L}\p{Nl}\p{M}\p{Nd}\p{Pc}]`

// DefaultWordPattern splits text into runs of word characters, optionally
// joined by '-' or '_' (so "state-of-the-art" stays one word), or any single
// non-space character.
const DefaultWordPattern = wordChars + `+(?:[-_]` + wordChars + `+)*|\S`

// Word is a word-like unit of the input text.
// Start and End are byte offsets into the original string (End exclusive).
type Word struct {
	Text  string
	Start int
	End   int
}

// WordSplitter segments raw text into words with their offsets.
// It is safe for concurrent use.
type WordSplitter struct {
	re *regexp.Regexp
}

// NewWordSplitter returns a splitter using DefaultWordPattern.
func NewWordSplitter() *WordSplitter {
	return &WordSplitter{re: regexp.MustCompile(DefaultWordPattern)}
}

// Split returns the words of text in order of appearance.
func (s *WordSplitter) Split(text string) []Word {
	locs := s.re.FindAllStringIndex(text, -1)
	words := make([]Word, len(locs))
	for i, loc := range locs {
		words[i] = Word{Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]}
	}
	return words
}

// SplitBatch splits each text independently.
func (s *WordSplitter) SplitBatch(texts []string) [][]Word {
	out := make([][]Word, len(texts))
	for i, text := range texts {
		out[i] = s.Split(text)
	}
	return out
}
