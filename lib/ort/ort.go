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

// Package ort defines the inference-runtime boundary consumed by the
// pipeline engine. The engine only ever talks to these interfaces; the
// concrete ONNX Runtime implementation is build-tagged so the package
// compiles (and the engine is fully testable) without the native
// library present.
//
// Build example:
//
//	go build -tags="onnx" ./cmd/relay
package ort

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ElementType identifies a tensor element type.
type ElementType int

const (
	ElementTypeUndefined ElementType = iota
	ElementTypeFloat16
	ElementTypeFloat32
	ElementTypeInt32
	ElementTypeInt64
	ElementTypeBool
)

// Size returns the element size in bytes.
func (t ElementType) Size() int {
	switch t {
	case ElementTypeFloat16:
		return 2
	case ElementTypeFloat32, ElementTypeInt32:
		return 4
	case ElementTypeInt64:
		return 8
	case ElementTypeBool:
		return 1
	default:
		return 0
	}
}

func (t ElementType) String() string {
	switch t {
	case ElementTypeFloat16:
		return "float16"
	case ElementTypeFloat32:
		return "float32"
	case ElementTypeInt32:
		return "int32"
	case ElementTypeInt64:
		return "int64"
	case ElementTypeBool:
		return "bool"
	default:
		return "undefined"
	}
}

// Shape describes tensor dimensions. Symbolic dimensions are -1.
type Shape []int64

// NumElements returns the product of all dimensions. Shapes containing
// symbolic dimensions have no defined element count and return -1.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// TensorInfo describes one input or output of a session.
type TensorInfo struct {
	Name  string
	Shape Shape
	Type  ElementType
}

// MemoryInfo describes a memory placement: which device kind and id a
// tensor or output binding lives on.
type MemoryInfo struct {
	Device   string // "Cpu", "Cuda", ...
	DeviceID int
}

// Value is a tensor handle. The holder of a Value owns it unless the
// surrounding protocol states otherwise; owners release with Destroy.
type Value interface {
	Shape() Shape
	Type() ElementType

	// Bytes exposes the raw element storage, little-endian, C-order.
	Bytes() []byte

	Destroy() error
}

// Allocation is a scoped slab obtained from an Allocator.
type Allocation interface {
	Ptr() []byte
	Size() int
	Free()
}

// Allocator hands out arena allocations on a session's device.
type Allocator interface {
	GetAllocation(size int) (Allocation, error)
}

// Binding accumulates named input and output bindings for one Run call.
// Bound values are borrowed by the binding; GetOutputValues transfers
// ownership of the produced outputs to the caller.
type Binding interface {
	BindInput(name string, v Value) error
	BindOutput(name string, v Value) error

	// BindOutputToDevice lets the runtime allocate the named output on
	// the given device instead of binding a preallocated tensor.
	BindOutputToDevice(name string, mem MemoryInfo) error

	ClearBoundInputs()
	ClearBoundOutputs()

	// GetOutputValues returns the outputs of the most recent Run in the
	// session's declared output order.
	GetOutputValues() ([]Value, error)

	Close() error
}

// Session is one compiled model pinned to a device.
type Session interface {
	Inputs() []TensorInfo
	Outputs() []TensorInfo

	NewBinding() (Binding, error)
	Allocator() Allocator
	MemoryInfo() MemoryInfo

	// CreateValue builds a tensor view over an existing allocation with
	// an explicit shape and element type. The view borrows the
	// allocation; destroying the value does not free the slab.
	CreateValue(mem MemoryInfo, alloc Allocation, shape Shape, t ElementType) (Value, error)

	// Run executes the model synchronously against the binding.
	Run(b Binding) error

	Close() error
}

// Runtime loads sessions and controls device affinity. It is always an
// injected collaborator, never a package-level singleton.
type Runtime interface {
	Load(modelPath string, deviceID int) (Session, error)

	// SetCurrentDevice pins the calling thread to a device. Runtimes
	// that bind devices per session rather than per thread may treat
	// this as a no-op.
	SetCurrentDevice(deviceID int) error

	Close() error
}

// hostValue is a host-memory tensor, used for regenerated inputs
// (next-step input ids and position ids) and by runtimes that stage
// host data before upload.
type hostValue struct {
	shape Shape
	typ   ElementType
	data  []byte
}

// NewHostValue wraps host data in a Value. The data is not copied.
func NewHostValue(shape Shape, t ElementType, data []byte) (Value, error) {
	want := shape.NumElements()
	if want < 0 {
		return nil, fmt.Errorf("shape %v has symbolic dimensions", shape)
	}
	if int64(len(data)) != want*int64(t.Size()) {
		return nil, fmt.Errorf("data length %d does not match shape %v of %s", len(data), shape, t)
	}
	return &hostValue{shape: shape, typ: t, data: data}, nil
}

// NewInt64Value builds a host int64 tensor over the given values.
func NewInt64Value(shape Shape, values []int64) (Value, error) {
	data := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return NewHostValue(shape, ElementTypeInt64, data)
}

// NewFloat32Value builds a host float32 tensor over the given values.
func NewFloat32Value(shape Shape, values []float32) (Value, error) {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return NewHostValue(shape, ElementTypeFloat32, data)
}

func (v *hostValue) Shape() Shape      { return v.shape }
func (v *hostValue) Type() ElementType { return v.typ }
func (v *hostValue) Bytes() []byte     { return v.data }
func (v *hostValue) Destroy() error    { return nil }
