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
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/gliner"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the GLiNER server",
	Long:  `Start the HTTP server that recognizes entities with the models found in the models directory.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("health-port", 4200, "health/metrics server port")
	runCmd.Flags().String("api-url", "http://localhost:11435", "address the API listens on")
	runCmd.Flags().StringSlice("preload", nil, "models to load at startup")
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
	mustBindPFlag("api_url", runCmd.Flags().Lookup("api-url"))
	mustBindPFlag("preload", runCmd.Flags().Lookup("preload"))
}

func loggerFromConfig() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := loggerFromConfig()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as gliner", zap.String("version", Version))

	cfg := gliner.Config{
		ApiUrl:                viper.GetString("api_url"),
		ModelsDir:             viper.GetString("models_dir"),
		BackendPriority:       viper.GetStringSlice("backend_priority"),
		KeepAlive:             viper.GetString("keep_alive"),
		MaxLoadedModels:       viper.GetInt("max_loaded_models"),
		PoolSize:              viper.GetInt("pool_size"),
		NumThreads:            viper.GetInt("num_threads"),
		MaxConcurrentRequests: viper.GetInt("max_concurrent_requests"),
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		RequestTimeout:        viper.GetString("request_timeout"),
		CacheTTL:              viper.GetString("cache_ttl"),
		Preload:               viper.GetStringSlice("preload"),
	}

	if viper.IsSet("graph_optimization_level") {
		level := viper.GetInt("graph_optimization_level")
		cfg.GraphOptimizationLevel = &level
	}

	ready := &atomic.Bool{}
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	go func() {
		select {
		case <-readyC:
			ready.Store(true)
			logger.Info("GLiNER is ready")
		case <-ctx.Done():
		}
	}()

	return gliner.RunAsGLiNER(ctx, logger, cfg, readyC)
}
