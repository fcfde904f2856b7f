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

import "math"

// DecodedSpan is a labeled span that passed the threshold.
// StartWord and EndWord are inclusive word indices; Start and End are byte
// offsets into the text (End exclusive).
type DecodedSpan struct {
	StartWord int
	EndWord   int
	Start     int
	End       int
	Label     int
	Score     float32
}

// DecodeParams controls thresholding and conflict resolution.
type DecodeParams struct {
	Threshold  float32
	FlatNER    bool
	MultiLabel bool
}

// DecodeInput is everything a SpanDecoder needs for one batch.
type DecodeInput struct {
	Scores []float32
	Layout ScoreLayout
	// Words holds each text's unpadded words, indexed by batch position.
	Words  [][]Word
	Params DecodeParams
}

// SpanDecoder turns a model output buffer into the selected spans of each
// text, indexed by batch position.
type SpanDecoder interface {
	Decode(in DecodeInput) [][]DecodedSpan
}

// GreedyDecoder thresholds span scores and resolves conflicts with
// GreedySelector.
type GreedyDecoder struct{}

var _ SpanDecoder = GreedyDecoder{}

// Decode implements SpanDecoder.
func (GreedyDecoder) Decode(in DecodeInput) [][]DecodedSpan {
	raw := DecodeScores(in.Scores, in.Layout, in.Words, in.Params.Threshold)
	sel := GreedySelector{FlatNER: in.Params.FlatNER, MultiLabel: in.Params.MultiLabel}
	out := make([][]DecodedSpan, len(raw))
	for i, cands := range raw {
		out[i] = sel.Select(cands)
	}
	return out
}

// Sigmoid is the logistic function in single precision.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// DecodeScores thresholds every entry of the flat score buffer and returns
// the surviving spans grouped by batch position, in buffer order. Spans that
// start or end beyond a text's real word count (batch padding) are dropped.
// The result has one entry per text in words.
func DecodeScores(scores []float32, layout ScoreLayout, words [][]Word, threshold float32) [][]DecodedSpan {
	out := make([][]DecodedSpan, len(words))
	if layout.InputLength <= 0 || layout.MaxWidth <= 0 || layout.NumLabels <= 0 {
		return out
	}
	for id, score := range scores {
		b, start, width, label := layout.Decompose(id)
		if b >= len(words) {
			break
		}
		prob := Sigmoid(score)
		// NaN fails every comparison, so it never passes this check.
		if !(prob >= threshold) {
			continue
		}
		end := start + width
		if start >= len(words[b]) || end >= len(words[b]) {
			continue
		}
		out[b] = append(out[b], DecodedSpan{
			StartWord: start,
			EndWord:   end,
			Start:     words[b][start].Start,
			End:       words[b][end].End,
			Label:     label,
			Score:     prob,
		})
	}
	return out
}
