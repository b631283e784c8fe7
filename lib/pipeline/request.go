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

package pipeline

import "github.com/antflydb/relay/lib/ort"

// Request supplies the first-step inputs for one batch element of a
// Run. Input values are borrowed: the engine never destroys them.
type Request struct {
	InputNames  []string
	InputValues []ort.Value
}

// Response receives the final outputs of one request. For each
// requested output k, a non-nil OutputMemInfo[k] asks the engine to
// bind the output to that device and populate OutputValues[k] with the
// produced tensor; otherwise the caller-supplied preallocated
// OutputValues[k] is bound directly. Values present on return are owned
// by the caller.
type Response struct {
	OutputNames   []string
	OutputValues  []ort.Value
	OutputMemInfo []*ort.MemoryInfo
}
