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
)

// ErrNotInitialized is returned when inference is requested on a pipeline
// that was never built or has been closed.
var ErrNotInitialized = errors.New("pipeline not initialized")

// ErrInvalidOptions is returned for per-call options that fail validation.
var ErrInvalidOptions = errors.New("invalid recognize options")

// ResourceLoadError reports a missing or corrupt tokenizer, model or config
// resource. It is fatal at load time.
type ResourceLoadError struct {
	Resource string
	Path     string
	Err      error
}

func (e *ResourceLoadError) Error() string {
	return fmt.Sprintf("loading %s from %s: %v", e.Resource, e.Path, e.Err)
}

func (e *ResourceLoadError) Unwrap() error {
	return e.Err
}

// EngineExecutionError reports a failed engine call or an output the
// pipeline cannot decode. The whole batch fails with it.
type EngineExecutionError struct {
	Op  string
	Err error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineExecutionError) Unwrap() error {
	return e.Err
}
