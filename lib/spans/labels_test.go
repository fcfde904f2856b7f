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

func TestLabelTable(t *testing.T) {
	table := NewLabelTable([]string{"person", "organization", "location"})
	require.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"person", "organization", "location"}, table.Names())

	id, ok := table.ID("organization")
	require.True(t, ok)
	assert.Equal(t, 1, id)

	name, ok := table.Name(2)
	require.True(t, ok)
	assert.Equal(t, "location", name)

	_, ok = table.Name(3)
	assert.False(t, ok)
	_, ok = table.Name(-1)
	assert.False(t, ok)
	_, ok = table.ID("date")
	assert.False(t, ok)
	assert.Empty(t, table.Duplicates())
}

func TestLabelTableDuplicates(t *testing.T) {
	labels := []string{"person", "Org", "person", "ORG", "date", "person"}
	table := NewLabelTable(labels)

	// No deduplication: every occurrence keeps its own id.
	require.Equal(t, len(labels), table.Len())
	id, ok := table.ID("person")
	require.True(t, ok)
	assert.Equal(t, 5, id, "name lookup resolves to the last occurrence")

	assert.Equal(t, []string{"person", "ORG"}, table.Duplicates())
}

func TestLabelTableCopiesInput(t *testing.T) {
	labels := []string{"a", "b"}
	table := NewLabelTable(labels)
	labels[0] = "z"
	name, _ := table.Name(0)
	assert.Equal(t, "a", name)

	names := table.Names()
	names[1] = "z"
	name, _ = table.Name(1)
	assert.Equal(t, "b", name)
}
