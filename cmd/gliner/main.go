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

// Command gliner runs the GLiNER zero-shot named entity recognition service.
//
// Usage:
//
//	gliner run                                   # Start the server
//	gliner recognize --model ./m -l person TEXT  # Recognize entities locally
//	gliner backends                              # List inference backends
package main

import (
	"io"

	"github.com/antflydb/gliner"
	"github.com/antflydb/gliner/cmd/gliner/cmd"
	json "github.com/antflydb/antfly-go/libaf/json"
	gojson "github.com/goccy/go-json"
)

func init() {
	// Configure the JSON wrapper to use goccy/go-json for performance
	json.SetConfig(json.Config{
		Marshal:   gojson.Marshal,
		Unmarshal: gojson.Unmarshal,
		MarshalString: func(v any) (string, error) {
			data, err := gojson.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		UnmarshalString: func(s string, v any) error {
			return gojson.Unmarshal([]byte(s), v)
		},
		NewEncoder: func(w io.Writer) json.Encoder {
			return gojson.NewEncoder(w)
		},
		NewDecoder: func(r io.Reader) json.Decoder {
			return gojson.NewDecoder(r)
		},
	})
}

// Set by GoReleaser through ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	gliner.Version = version
	gliner.GitCommit = commit
	gliner.BuildTime = date
	cmd.Version = version
	cmd.Execute()
}
