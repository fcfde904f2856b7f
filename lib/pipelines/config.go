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

package pipelines

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	json "github.com/antflydb/antfly-go/libaf/json"

	"github.com/antflydb/gliner/lib/spans"
)

// ConfigFileName is the per-model configuration file read by LoadGLiNERModelConfig.
const ConfigFileName = "gliner_config.json"

// GLiNERModelConfig holds parsed configuration for a GLiNER model.
type GLiNERModelConfig struct {
	// Path to the model directory
	ModelPath string

	// ModelFile is the ONNX file for the GLiNER model
	ModelFile string

	// MaxWidth is the maximum entity span width in words
	MaxWidth int

	// MaxLength is the maximum number of words scored per text. Longer
	// texts are truncated.
	MaxLength int

	// DefaultLabels are the entity labels to use if none specified
	DefaultLabels []string

	// Threshold is the score threshold for entity detection (0.0-1.0)
	Threshold float32

	// FlatNER if true, don't allow nested/overlapping entities
	FlatNER bool

	// MultiLabel if true, allow entities to have multiple labels
	MultiLabel bool

	EntityToken    string
	SeparatorToken string
	BeginTokenID   int64
	EndTokenID     int64
}

// DefaultGLiNERModelConfig returns the configuration used when a model
// directory carries no gliner_config.json.
func DefaultGLiNERModelConfig() *GLiNERModelConfig {
	enc := spans.DefaultEncoderConfig()
	return &GLiNERModelConfig{
		MaxWidth:       12,
		MaxLength:      512,
		DefaultLabels:  []string{"person", "organization", "location", "date", "product"},
		Threshold:      0.5,
		FlatNER:        true,
		MultiLabel:     false,
		EntityToken:    enc.EntityToken,
		SeparatorToken: enc.SeparatorToken,
		BeginTokenID:   enc.BeginTokenID,
		EndTokenID:     enc.EndTokenID,
	}
}

// rawGLiNERConfig represents gliner_config.json structure. Pointer fields
// let an explicit zero or false override the default.
type rawGLiNERConfig struct {
	MaxWidth     *int     `json:"max_width"`
	MaxLength    *int     `json:"max_len"`
	Labels       []string `json:"labels"`
	Threshold    *float32 `json:"threshold"`
	FlatNER      *bool    `json:"flat_ner"`
	MultiLabel   *bool    `json:"multi_label"`
	EntToken     string   `json:"ent_token"`
	SepToken     string   `json:"sep_token"`
	BeginTokenID *int64   `json:"begin_token_id"`
	EndTokenID   *int64   `json:"end_token_id"`
}

// LoadGLiNERModelConfig loads and parses configuration for a GLiNER model.
// A missing gliner_config.json yields the defaults; a malformed one is an error.
func LoadGLiNERModelConfig(modelPath string) (*GLiNERModelConfig, error) {
	config := DefaultGLiNERModelConfig()
	config.ModelPath = modelPath

	// Detect model file
	config.ModelFile = FindONNXFile(modelPath, modelFileCandidates)
	if config.ModelFile == "" {
		return nil, &ResourceLoadError{Resource: "model", Path: modelPath, Err: os.ErrNotExist}
	}

	configPath := filepath.Join(modelPath, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, &ResourceLoadError{Resource: "config", Path: configPath, Err: err}
	}

	var raw rawGLiNERConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ResourceLoadError{Resource: "config", Path: configPath, Err: err}
	}
	raw.apply(config)

	if err := config.Validate(); err != nil {
		return nil, &ResourceLoadError{Resource: "config", Path: configPath, Err: err}
	}
	return config, nil
}

func (r *rawGLiNERConfig) apply(config *GLiNERModelConfig) {
	if r.MaxWidth != nil {
		config.MaxWidth = *r.MaxWidth
	}
	if r.MaxLength != nil {
		config.MaxLength = *r.MaxLength
	}
	if len(r.Labels) > 0 {
		config.DefaultLabels = r.Labels
	}
	if r.Threshold != nil {
		config.Threshold = *r.Threshold
	}
	if r.FlatNER != nil {
		config.FlatNER = *r.FlatNER
	}
	if r.MultiLabel != nil {
		config.MultiLabel = *r.MultiLabel
	}
	if r.EntToken != "" {
		config.EntityToken = r.EntToken
	}
	if r.SepToken != "" {
		config.SeparatorToken = r.SepToken
	}
	if r.BeginTokenID != nil {
		config.BeginTokenID = *r.BeginTokenID
	}
	if r.EndTokenID != nil {
		config.EndTokenID = *r.EndTokenID
	}
}

// Validate checks the typed constraints on the configuration.
func (c *GLiNERModelConfig) Validate() error {
	if c == nil {
		return errors.New("nil model config")
	}
	if c.MaxWidth <= 0 {
		return fmt.Errorf("max_width must be positive, got %d", c.MaxWidth)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("max_len must be positive, got %d", c.MaxLength)
	}
	if err := validateThreshold(c.Threshold); err != nil {
		return err
	}
	if c.EntityToken == "" || c.SeparatorToken == "" {
		return errors.New("ent_token and sep_token must be set")
	}
	return nil
}

// EncoderConfig returns the prompt markers and boundary ids for
// spans.NewBatchEncoder.
func (c *GLiNERModelConfig) EncoderConfig() spans.EncoderConfig {
	return spans.EncoderConfig{
		EntityToken:    c.EntityToken,
		SeparatorToken: c.SeparatorToken,
		BeginTokenID:   c.BeginTokenID,
		EndTokenID:     c.EndTokenID,
	}
}

func validateThreshold(t float32) error {
	if math.IsNaN(float64(t)) || t < 0 || t > 1 {
		return fmt.Errorf("threshold must be in [0,1], got %v", t)
	}
	return nil
}

// IsGLiNERModel checks if a model path contains a GLiNER model.
func IsGLiNERModel(modelPath string) bool {
	// Check for gliner_config.json
	if _, err := os.Stat(filepath.Join(modelPath, ConfigFileName)); err == nil {
		return true
	}

	// Check if model name contains "gliner"
	modelName := strings.ToLower(filepath.Base(modelPath))
	return strings.Contains(modelName, "gliner")
}
