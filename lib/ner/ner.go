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

// Package ner defines the recognizer contract served by the HTTP API and a
// pooled GLiNER implementation of it.
package ner

import (
	"context"

	"github.com/antflydb/gliner/lib/spans"
)

// Entity represents a named entity extracted from text.
type Entity struct {
	// Text is the entity text (e.g., "Barack Obama")
	Text string `json:"text"`
	// Label is the entity type, one of the requested labels
	Label string `json:"label"`
	// Start is the byte offset where the entity begins
	Start int `json:"start"`
	// End is the byte offset where the entity ends (exclusive)
	End int `json:"end"`
	// Score is the confidence score (0.0 to 1.0)
	Score float32 `json:"score"`
}

// Options are the per-request recognition parameters.
type Options struct {
	// Labels are the entity types to extract. Empty means the model defaults.
	Labels []string `json:"labels,omitempty"`
	// Threshold is the minimum probability, used as given.
	Threshold float32 `json:"threshold,omitempty"`
	// FlatNER forbids overlapping entities.
	FlatNER bool `json:"flat_ner"`
	// MultiLabel lets one span carry several labels.
	MultiLabel bool `json:"multi_label"`
}

// Model defines the interface for Named Entity Recognition models.
type Model interface {
	// Recognize extracts named entities from the given texts.
	// Returns a slice of entities for each input text.
	Recognize(ctx context.Context, texts []string) ([][]Entity, error)

	// Close releases any resources held by the model.
	Close() error
}

// Recognizer extends Model with zero-shot recognition. Labels are arbitrary
// entity types chosen at inference time.
type Recognizer interface {
	Model

	// RecognizeWithLabels extracts entities of the specified types.
	RecognizeWithLabels(ctx context.Context, texts []string, labels []string) ([][]Entity, error)

	// RecognizeWithOptions extracts entities with explicit decoding options.
	RecognizeWithOptions(ctx context.Context, texts []string, opts Options) ([][]Entity, error)

	// Labels returns the default entity labels this model uses.
	Labels() []string

	// DefaultOptions returns the options Recognize uses.
	DefaultOptions() Options
}

// FromResults converts pipeline results into entities.
func FromResults(results [][]spans.EntityResult) [][]Entity {
	out := make([][]Entity, len(results))
	for i, entities := range results {
		out[i] = make([]Entity, len(entities))
		for j, e := range entities {
			out[i][j] = Entity{
				Text:  e.Text,
				Label: e.Label,
				Start: e.Start,
				End:   e.End,
				Score: e.Score,
			}
		}
	}
	return out
}

// countEntities counts the total number of entities across all texts.
func countEntities(results [][]Entity) int {
	count := 0
	for _, entities := range results {
		count += len(entities)
	}
	return count
}
