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

import "fmt"

// EntityResult is a recognized entity in the original text.
type EntityResult struct {
	Text  string  `json:"text"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

func (e EntityResult) String() string {
	return fmt.Sprintf("%s | %s | (score: %v)| (%d-%d)", e.Text, e.Label, e.Score, e.Start, e.End)
}

// BuildResults converts selected spans of text into entity results.
// Offsets outside text produce an empty Text rather than an error.
func BuildResults(text string, selected []DecodedSpan, labels *LabelTable) []EntityResult {
	out := make([]EntityResult, len(selected))
	for i, s := range selected {
		label, ok := labels.Name(s.Label)
		if !ok {
			label = UnknownLabel
		}
		var spanText string
		if s.Start >= 0 && s.Start <= s.End && s.End <= len(text) {
			spanText = text[s.Start:s.End]
		}
		out[i] = EntityResult{
			Text:  spanText,
			Start: s.Start,
			End:   s.End,
			Label: label,
			Score: s.Score,
		}
	}
	return out
}
