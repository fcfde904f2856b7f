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
	"cmp"
	"math"
	"slices"
)

// GreedySelector resolves overlapping candidates by accepting them in
// descending score order and skipping any that conflict with an accepted
// span.
//
// With FlatNER every intersecting pair conflicts. Without it, a span fully
// containing the other is allowed to coexist. Spans with identical
// boundaries conflict unless MultiLabel is set.
type GreedySelector struct {
	FlatNER    bool
	MultiLabel bool
}

// Select returns the accepted spans ordered by start offset. Ties in score
// keep the candidates' input order. NaN scores are discarded. cands is not
// modified.
func (s GreedySelector) Select(cands []DecodedSpan) []DecodedSpan {
	ordered := make([]DecodedSpan, 0, len(cands))
	for _, c := range cands {
		if math.IsNaN(float64(c.Score)) {
			continue
		}
		ordered = append(ordered, c)
	}
	slices.SortStableFunc(ordered, func(a, b DecodedSpan) int {
		return cmp.Compare(b.Score, a.Score)
	})

	accepted := make([]DecodedSpan, 0, len(ordered))
	for _, c := range ordered {
		if !slices.ContainsFunc(accepted, func(a DecodedSpan) bool { return s.conflicts(c, a) }) {
			accepted = append(accepted, c)
		}
	}

	slices.SortStableFunc(accepted, func(a, b DecodedSpan) int {
		return cmp.Compare(a.Start, b.Start)
	})
	return accepted
}

func (s GreedySelector) conflicts(a, b DecodedSpan) bool {
	if a.StartWord == b.StartWord && a.EndWord == b.EndWord {
		return !s.MultiLabel
	}
	if a.EndWord < b.StartWord || b.EndWord < a.StartWord {
		return false
	}
	if !s.FlatNER && nested(a, b) {
		return false
	}
	return true
}

func nested(a, b DecodedSpan) bool {
	return (a.StartWord <= b.StartWord && a.EndWord >= b.EndWord) ||
		(b.StartWord <= a.StartWord && b.EndWord >= a.EndWord)
}
