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

// PadSequences right-pads every row to the longest row using T's zero value.
// Rows that are already long enough are returned unmodified, so padding a
// uniform batch is a no-op. The input rows are never written to.
func PadSequences[T any](rows [][]T) [][]T {
	maxLen := 0
	for _, r := range rows {
		maxLen = max(maxLen, len(r))
	}
	out := make([][]T, len(rows))
	for i, r := range rows {
		if len(r) == maxLen {
			out[i] = r
			continue
		}
		padded := make([]T, maxLen)
		copy(padded, r)
		out[i] = padded
	}
	return out
}

// Flatten concatenates rows in row-major order.
func Flatten[T any](rows [][]T) []T {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	out := make([]T, 0, n)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

// Batch holds the padded model inputs for a group of texts.
type Batch struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	WordsMask     [][]int64
	TextLengths   []int64
	SpanIdx       [][][2]int64
	SpanMask      [][]bool
}

// BuildBatch pads encoded texts and their candidate spans into a Batch.
// encoded and candidates must be index-aligned.
func BuildBatch(encoded []EncodedText, candidates [][]CandidateSpan) *Batch {
	b := &Batch{
		InputIDs:      make([][]int64, len(encoded)),
		AttentionMask: make([][]int64, len(encoded)),
		WordsMask:     make([][]int64, len(encoded)),
		TextLengths:   make([]int64, len(encoded)),
		SpanIdx:       make([][][2]int64, len(candidates)),
		SpanMask:      make([][]bool, len(candidates)),
	}
	for i, enc := range encoded {
		b.InputIDs[i] = enc.InputIDs
		b.AttentionMask[i] = enc.AttentionMask
		b.WordsMask[i] = enc.WordsMask
		b.TextLengths[i] = int64(enc.TextLength)
	}
	for i, cands := range candidates {
		idx := make([][2]int64, len(cands))
		mask := make([]bool, len(cands))
		for j, c := range cands {
			idx[j] = [2]int64{int64(c.Start), int64(c.End)}
			mask[j] = c.Valid
		}
		b.SpanIdx[i] = idx
		b.SpanMask[i] = mask
	}

	b.InputIDs = PadSequences(b.InputIDs)
	b.AttentionMask = PadSequences(b.AttentionMask)
	b.WordsMask = PadSequences(b.WordsMask)
	b.SpanIdx = PadSequences(b.SpanIdx)
	b.SpanMask = PadSequences(b.SpanMask)
	return b
}

// Size is the number of texts in the batch.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// SeqLen is the padded token length.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// NumSpans is the padded number of candidate spans per text.
func (b *Batch) NumSpans() int {
	if len(b.SpanIdx) == 0 {
		return 0
	}
	return len(b.SpanIdx[0])
}

// MaxTextLength is the largest word count in the batch.
func (b *Batch) MaxTextLength() int {
	var m int64
	for _, n := range b.TextLengths {
		m = max(m, n)
	}
	return int(m)
}

// FlatSpanIdx returns span_idx flattened to [batch*spans*2].
func (b *Batch) FlatSpanIdx() []int64 {
	out := make([]int64, 0, 2*b.Size()*b.NumSpans())
	for _, row := range b.SpanIdx {
		for _, pair := range row {
			out = append(out, pair[0], pair[1])
		}
	}
	return out
}
