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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadSequences(t *testing.T) {
	in := [][]int64{{1, 2, 3}, {4}, {}}
	got := PadSequences(in)
	assert.Equal(t, [][]int64{{1, 2, 3}, {4, 0, 0}, {0, 0, 0}}, got)
	assert.Equal(t, []int64{4}, in[1], "input rows are not modified")

	pairs := PadSequences([][][2]int64{{{0, 0}, {0, 1}}, {{0, 0}}})
	assert.Equal(t, [][][2]int64{{{0, 0}, {0, 1}}, {{0, 0}, {0, 0}}}, pairs)

	masks := PadSequences([][]bool{{true}, {true, true}})
	assert.Equal(t, [][]bool{{true, false}, {true, true}}, masks)
}

func TestPadSequencesIdempotent(t *testing.T) {
	in := [][]int64{{1, 2}, {3, 4}}
	once := PadSequences(in)
	require.Equal(t, in, once)
	for i := range in {
		assert.True(t, &in[i][0] == &once[i][0], "uniform rows are reused")
	}

	twice := PadSequences(PadSequences([][]int64{{1}, {2, 3, 4}}))
	assert.Equal(t, [][]int64{{1, 0, 0}, {2, 3, 4}}, twice)
}

func TestPadSequencesEmpty(t *testing.T) {
	assert.Empty(t, PadSequences[int64](nil))
	assert.Empty(t, PadSequences([][]bool{}))
	assert.Equal(t, [][]int64{{}, {}}, PadSequences([][]int64{{}, {}}))
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3, 4}, Flatten([][]int64{{1, 2}, {3}, {}, {4}}))
	assert.Empty(t, Flatten[bool](nil))
}

func TestBuildBatch(t *testing.T) {
	enc, err := NewBatchEncoder(testVocab(), DefaultEncoderConfig())
	require.NoError(t, err)

	words := NewWordSplitter().SplitBatch([]string{"Obama was president", "Barack Obama was president ."})
	encoded, err := enc.EncodeBatch(words, []string{"person", "role"})
	require.NoError(t, err)
	cands := EnumerateBatch(words, 2)

	batch := BuildBatch(encoded, cands)
	require.Equal(t, 2, batch.Size())
	assert.Equal(t, len(encoded[1].InputIDs), batch.SeqLen())
	assert.Equal(t, 10, batch.NumSpans())
	assert.Equal(t, 5, batch.MaxTextLength())
	assert.Equal(t, []int64{3, 5}, batch.TextLengths)

	for _, rows := range [][][]int64{batch.InputIDs, batch.AttentionMask, batch.WordsMask} {
		for _, row := range rows {
			assert.Len(t, row, batch.SeqLen())
		}
	}

	// The short text keeps its own candidates, then [0,0]/false padding.
	assert.Equal(t, [2]int64{2, 2}, batch.SpanIdx[0][5])
	assert.False(t, batch.SpanMask[0][5], "clamped candidate")
	for j := 6; j < 10; j++ {
		assert.Equal(t, [2]int64{0, 0}, batch.SpanIdx[0][j])
		assert.False(t, batch.SpanMask[0][j])
	}
	assert.True(t, batch.SpanMask[0][4])
	assert.Len(t, batch.FlatSpanIdx(), 2*2*10)

	// Short text's tokens are padded with zeros.
	short := len(encoded[0].InputIDs)
	for j := short; j < batch.SeqLen(); j++ {
		assert.Zero(t, batch.InputIDs[0][j])
		assert.Zero(t, batch.AttentionMask[0][j])
		assert.Zero(t, batch.WordsMask[0][j])
	}
}

func TestBuildBatchEmpty(t *testing.T) {
	batch := BuildBatch(nil, nil)
	assert.Zero(t, batch.Size())
	assert.Zero(t, batch.SeqLen())
	assert.Zero(t, batch.NumSpans())
	assert.Zero(t, batch.MaxTextLength())
	assert.Empty(t, batch.FlatSpanIdx())
}
