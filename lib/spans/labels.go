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

import "golang.org/x/text/cases"

// UnknownLabel is reported for a label id outside the table.
const UnknownLabel = "UNKNOWN"

// LabelTable maps entity label names to contiguous ids in caller order.
// Labels are not deduplicated: a repeated name keeps every position in the
// prompt, and ID resolves it to its last occurrence.
type LabelTable struct {
	names []string
	ids   map[string]int
}

// NewLabelTable builds a table from labels; label i gets id i.
func NewLabelTable(labels []string) *LabelTable {
	t := &LabelTable{
		names: make([]string, len(labels)),
		ids:   make(map[string]int, len(labels)),
	}
	copy(t.names, labels)
	for i, name := range labels {
		t.ids[name] = i
	}
	return t
}

// Len returns the number of label ids (duplicates included).
func (t *LabelTable) Len() int {
	return len(t.names)
}

// Names returns the labels in id order.
func (t *LabelTable) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Name returns the label for id.
func (t *LabelTable) Name(id int) (string, bool) {
	if id < 0 || id >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

// ID returns the id for name.
func (t *LabelTable) ID(name string) (int, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Duplicates returns labels that occur more than once, compared after
// Unicode case folding. Each is reported once, spelled as at its second
// occurrence.
func (t *LabelTable) Duplicates() []string {
	fold := cases.Fold()
	seen := make(map[string]int, len(t.names))
	var dups []string
	for _, name := range t.names {
		key := fold.String(name)
		seen[key]++
		if seen[key] == 2 {
			dups = append(dups, name)
		}
	}
	return dups
}
