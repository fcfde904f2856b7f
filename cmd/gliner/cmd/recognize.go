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

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	json "github.com/antflydb/antfly-go/libaf/json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/gliner/lib/backends"
	"github.com/antflydb/gliner/lib/pipelines"
	"github.com/antflydb/gliner/lib/spans"
)

var recognizeFlags struct {
	model      string
	labels     []string
	threshold  float32
	flatNER    bool
	multiLabel bool
	backends   []string
	asJSON     bool
	graphOpt   int
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize [text...]",
	Short: "Recognize entities in texts with a local model",
	Long: `Load a GLiNER model directory and print the entities found in each text.
Texts come from the arguments or, when none are given, one per line on stdin.`,
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	f := recognizeCmd.Flags()
	f.StringVarP(&recognizeFlags.model, "model", "m", "", "model directory")
	f.StringSliceVarP(&recognizeFlags.labels, "labels", "l", nil, "entity types to extract (defaults to the model's labels)")
	f.Float32VarP(&recognizeFlags.threshold, "threshold", "t", 0, "minimum span probability (defaults to the model's)")
	f.BoolVar(&recognizeFlags.flatNER, "flat-ner", true, "reject overlapping spans")
	f.BoolVar(&recognizeFlags.multiLabel, "multi-label", false, "allow one span to carry several labels")
	f.StringSliceVar(&recognizeFlags.backends, "backend", nil, "backends to try, in order (e.g. onnx:cuda,go)")
	f.IntVar(&recognizeFlags.graphOpt, "graph-optimization", 3, "ONNX Runtime graph optimization level (0-3)")
	f.BoolVar(&recognizeFlags.asJSON, "json", false, "print one JSON array per text")
	_ = recognizeCmd.MarkFlagRequired("model")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := loggerFromConfig()
	defer func() { _ = logger.Sync() }()

	texts := args
	if len(texts) == 0 {
		var err error
		if texts, err = readLines(cmd.InOrStdin()); err != nil {
			return err
		}
	}
	if len(texts) == 0 {
		return errors.New("no input texts")
	}

	opts := []pipelines.GLiNERLoaderOption{pipelines.WithGLiNERLogger(logger)}
	if len(recognizeFlags.labels) > 0 {
		opts = append(opts, pipelines.WithGLiNERLabels(recognizeFlags.labels))
	}
	if cmd.Flags().Changed("threshold") {
		opts = append(opts, pipelines.WithGLiNERThreshold(recognizeFlags.threshold))
	}
	if cmd.Flags().Changed("graph-optimization") {
		opts = append(opts, pipelines.WithGLiNERGraphOptimization(recognizeFlags.graphOpt))
	}
	opts = append(opts,
		pipelines.WithGLiNERFlatNER(recognizeFlags.flatNER),
		pipelines.WithGLiNERMultiLabel(recognizeFlags.multiLabel))

	priority, modelBackends, err := backendSelection(recognizeFlags.backends)
	if err != nil {
		return err
	}
	sessionManager := backends.NewSessionManager()
	defer func() { _ = sessionManager.Close() }()
	if len(priority) > 0 {
		sessionManager.SetPriority(priority)
	}

	pipeline, backendType, err := pipelines.LoadGLiNERPipeline(recognizeFlags.model, sessionManager, modelBackends, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = pipeline.Close() }()
	logger.Debug("Model loaded", zap.String("backend", string(backendType)))

	results, err := pipeline.RecognizeWithOptions(ctx, texts, pipeline.DefaultOptions())
	if err != nil {
		return err
	}
	return printResults(cmd.OutOrStdout(), texts, results, recognizeFlags.asJSON)
}

// backendSelection turns --backend values into a session priority and the
// backend types the model may load on.
func backendSelection(raw []string) ([]backends.BackendSpec, []string, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	priority, err := backends.ParseBackendPriority(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing --backend: %w", err)
	}
	modelBackends := make([]string, 0, len(priority))
	for _, spec := range priority {
		if !slices.Contains(modelBackends, string(spec.Backend)) {
			modelBackends = append(modelBackends, string(spec.Backend))
		}
	}
	return priority, modelBackends, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return lines, nil
}

func printResults(w io.Writer, texts []string, results [][]spans.EntityResult, asJSON bool) error {
	for i, entities := range results {
		if asJSON {
			if entities == nil {
				entities = []spans.EntityResult{}
			}
			data, err := json.Marshal(entities)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(w, string(data)); err != nil {
				return err
			}
			continue
		}
		if len(texts) > 1 {
			if _, err := fmt.Fprintf(w, "# %s\n", texts[i]); err != nil {
				return err
			}
		}
		for _, e := range entities {
			if _, err := fmt.Fprintln(w, e.String()); err != nil {
				return err
			}
		}
	}
	return nil
}
