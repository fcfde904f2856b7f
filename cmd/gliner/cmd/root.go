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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	Version   string
	modelsDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gliner",
	Short: "Serve zero-shot named entity recognition with GLiNER models",
	Long: `Start the GLiNER entity recognition service or run recognition locally
against a model directory.

Examples:
  # Run the server
  gliner run

  # Recognize entities from arguments or stdin
  gliner recognize --model ./models/gliner-small -l person -l location "Ada Lovelace lived in London"
  cat notes.txt | gliner recognize --model ./models/gliner-small --json

  # Show inference backends
  gliner backends`,
	// Default behavior when no subcommand is provided: run the server
	RunE: runServer,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.Version = Version
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".gliner", "models")
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. gliner.yaml)")
	rootCmd.PersistentFlags().
		String("log-level", "info", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("log-style", "terminal", "set the logging output style (terminal, json, noop); defaults to json in Kubernetes")
	rootCmd.PersistentFlags().
		StringVar(&modelsDir, "models-dir", defaultModelsDir(), "Directory holding GLiNER models")

	// Bind to viper
	mustBindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))

	// Default values
	viper.SetDefault("api_url", "http://localhost:11435")
	viper.SetDefault("models_dir", defaultModelsDir())
	viper.SetDefault("health_port", 4200)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("max_concurrent_requests", 0)
	viper.SetDefault("request_timeout", "30s")
	viper.SetDefault("cache_ttl", "2m")
	// Default to JSON logging in Kubernetes for structured log aggregation
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		viper.SetDefault("log.style", "json")
	} else {
		viper.SetDefault("log.style", "logfmt")
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".gliner")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("gliner")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("GLINER")                           // GLINER_ prefix for env vars
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace . with _ in env var names
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		// Only error if user explicitly specified a config file
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}
