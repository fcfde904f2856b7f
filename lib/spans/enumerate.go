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

// CandidateSpan is one (start word, width) candidate fed to the model.
// End is clamped to the last word; Valid is false when clamping occurred.
type CandidateSpan struct {
	Start int
	End   int
	Width int
	Valid bool
}

// EnumerateSpans returns the n*maxWidth candidate spans of a text with n
// words, ordered by start then width. The order must match ScoreLayout:
// candidate i of a text corresponds to score row (start=i/maxWidth,
// width=i%maxWidth) of that text.
func EnumerateSpans(n, maxWidth int) []CandidateSpan {
	if n <= 0 || maxWidth <= 0 {
		return []CandidateSpan{}
	}
	out := make([]CandidateSpan, 0, n*maxWidth)
	for start := range n {
		for width := range maxWidth {
			end := min(start+width, n-1)
			out = append(out, CandidateSpan{
				Start: start,
				End:   end,
				Width: width,
				Valid: start+width < n,
			})
		}
	}
	return out
}

// EnumerateBatch enumerates candidates for every text of a batch.
func EnumerateBatch(words [][]Word, maxWidth int) [][]CandidateSpan {
	out := make([][]CandidateSpan, len(words))
	for i, w := range words {
		out[i] = EnumerateSpans(len(w), maxWidth)
	}
	return out
}

// ScoreLayout describes the model's flat score buffer, a row-major tensor of
// shape [Batch, InputLength, MaxWidth, NumLabels]. InputLength is the largest
// word count in the batch.
type ScoreLayout struct {
	Batch       int
	InputLength int
	MaxWidth    int
	NumLabels   int
}

// Len is the number of scores the buffer must hold.
func (l ScoreLayout) Len() int {
	return l.Batch * l.InputLength * l.MaxWidth * l.NumLabels
}

// Index composes the flat index of (batch, start, width, label).
func (l ScoreLayout) Index(batch, start, width, label int) int {
	return ((batch*l.InputLength+start)*l.MaxWidth+width)*l.NumLabels + label
}

// Decompose is the inverse of Index.
func (l ScoreLayout) Decompose(id int) (batch, start, width, label int) {
	batch = id / (l.InputLength * l.MaxWidth * l.NumLabels)
	start = (id / (l.MaxWidth * l.NumLabels)) % l.InputLength
	width = (id / l.NumLabels) % l.MaxWidth
	label = id % l.NumLabels
	return batch, start, width, label
}

// Shape returns the layout as tensor dimensions.
func (l ScoreLayout) Shape() []int64 {
	return []int64{int64(l.Batch), int64(l.InputLength), int64(l.MaxWidth), int64(l.NumLabels)}
}
