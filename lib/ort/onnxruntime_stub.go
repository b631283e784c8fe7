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

//go:build !onnx

package ort

import "fmt"

type unavailableRuntime struct{}

// NewONNXRuntime returns a Runtime that reports ONNX Runtime support as
// unavailable. Build with -tags=onnx to get the real implementation.
func NewONNXRuntime() Runtime {
	return unavailableRuntime{}
}

func (unavailableRuntime) Load(modelPath string, deviceID int) (Session, error) {
	return nil, fmt.Errorf("ONNX Runtime support not compiled in (build with -tags=onnx)")
}

func (unavailableRuntime) SetCurrentDevice(deviceID int) error {
	return fmt.Errorf("ONNX Runtime support not compiled in (build with -tags=onnx)")
}

func (unavailableRuntime) Close() error { return nil }
