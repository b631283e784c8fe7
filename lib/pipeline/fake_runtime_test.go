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

import (
	"fmt"
	"sync"

	"github.com/antflydb/relay/lib/ort"
)

// fakeRuntime implements ort.Runtime over scripted in-memory sessions,
// keyed by model path.
type fakeRuntime struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	devices  []int
}

func newFakeRuntime(sessions map[string]*fakeSession) *fakeRuntime {
	return &fakeRuntime{sessions: sessions}
}

func (r *fakeRuntime) Load(modelPath string, deviceID int) (ort.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[modelPath]
	if !ok {
		return nil, fmt.Errorf("no such model: %s", modelPath)
	}
	s.mem = ort.MemoryInfo{Device: "Cpu", DeviceID: deviceID}
	return s, nil
}

func (r *fakeRuntime) SetCurrentDevice(deviceID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, deviceID)
	return nil
}

func (r *fakeRuntime) Close() error { return nil }

func (r *fakeRuntime) deviceCalls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.devices...)
}

// fakeSession is one scripted model. Bound outputs are returned as-is
// (the engine preallocated them); unbound and device-bound outputs are
// synthesised by the produce callback.
type fakeSession struct {
	inputs  []ort.TensorInfo
	outputs []ort.TensorInfo
	mem     ort.MemoryInfo

	produce func(name string, b *fakeBinding) (ort.Value, error)

	mu   sync.Mutex
	runs int
	// int64-typed inputs decoded per run, keyed by input name.
	runInputs []map[string][]int64
	// bound (engine-preallocated) output values per run.
	boundOutputs []map[string]*fakeValue
}

func (s *fakeSession) Inputs() []ort.TensorInfo   { return s.inputs }
func (s *fakeSession) Outputs() []ort.TensorInfo  { return s.outputs }
func (s *fakeSession) MemoryInfo() ort.MemoryInfo { return s.mem }
func (s *fakeSession) Close() error               { return nil }

func (s *fakeSession) Allocator() ort.Allocator { return fakeAllocator{} }

func (s *fakeSession) NewBinding() (ort.Binding, error) {
	return &fakeBinding{sess: s}, nil
}

func (s *fakeSession) CreateValue(mem ort.MemoryInfo, alloc ort.Allocation, shape ort.Shape, t ort.ElementType) (ort.Value, error) {
	n := shape.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("shape %v has symbolic dimensions", shape)
	}
	need := int(n) * t.Size()
	if need > alloc.Size() {
		return nil, fmt.Errorf("allocation of %d bytes too small for %v", alloc.Size(), shape)
	}
	return &fakeValue{shape: shape.Clone(), typ: t, data: alloc.Ptr()[:need], alloc: alloc}, nil
}

func (s *fakeSession) Run(b ort.Binding) error {
	binding, ok := b.(*fakeBinding)
	if !ok {
		return fmt.Errorf("foreign binding")
	}
	return s.run(binding)
}

func (s *fakeSession) run(b *fakeBinding) error {
	s.mu.Lock()
	s.runs++
	inputs := make(map[string][]int64)
	for _, bound := range b.inputs {
		if bound.val.Type() == ort.ElementTypeInt64 {
			inputs[bound.name] = ort.Int64Data(bound.val)
		}
	}
	s.runInputs = append(s.runInputs, inputs)
	s.mu.Unlock()

	outs := make([]ort.Value, len(s.outputs))
	bound := make(map[string]*fakeValue)
	for i, info := range s.outputs {
		if v, ok := b.findOutput(info.Name); ok {
			outs[i] = v
			if fv, ok := v.(*fakeValue); ok {
				bound[info.Name] = fv
			}
			continue
		}
		if s.produce == nil {
			return fmt.Errorf("no producer for unbound output %s", info.Name)
		}
		v, err := s.produce(info.Name, b)
		if err != nil {
			return err
		}
		outs[i] = v
	}

	s.mu.Lock()
	s.boundOutputs = append(s.boundOutputs, bound)
	s.mu.Unlock()
	b.last = outs
	return nil
}

func (s *fakeSession) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *fakeSession) inputsOfRun(run int) map[string][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runInputs[run]
}

func (s *fakeSession) boundOutputsOfRun(run int) map[string]*fakeValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundOutputs[run]
}

type fakeBound struct {
	name string
	val  ort.Value
}

// fakeBinding records bindings; Run consumes them.
type fakeBinding struct {
	sess       *fakeSession
	inputs     []fakeBound
	outputs    []fakeBound
	deviceOuts map[string]ort.MemoryInfo
	last       []ort.Value
}

func (b *fakeBinding) BindInput(name string, v ort.Value) error {
	b.inputs = append(b.inputs, fakeBound{name, v})
	return nil
}

func (b *fakeBinding) BindOutput(name string, v ort.Value) error {
	b.outputs = append(b.outputs, fakeBound{name, v})
	return nil
}

func (b *fakeBinding) BindOutputToDevice(name string, mem ort.MemoryInfo) error {
	if b.deviceOuts == nil {
		b.deviceOuts = make(map[string]ort.MemoryInfo)
	}
	b.deviceOuts[name] = mem
	return nil
}

func (b *fakeBinding) ClearBoundInputs()  { b.inputs = b.inputs[:0] }
func (b *fakeBinding) ClearBoundOutputs() { b.outputs = b.outputs[:0]; b.deviceOuts = nil; b.last = nil }

func (b *fakeBinding) GetOutputValues() ([]ort.Value, error) {
	if b.last == nil {
		return nil, fmt.Errorf("no outputs before run")
	}
	out := b.last
	b.last = nil
	return out, nil
}

func (b *fakeBinding) Close() error { return nil }

func (b *fakeBinding) findOutput(name string) (ort.Value, bool) {
	for _, bound := range b.outputs {
		if bound.name == name {
			return bound.val, true
		}
	}
	return nil, false
}

// inputValue returns a bound input by name, for produce callbacks.
func (b *fakeBinding) inputValue(name string) (ort.Value, bool) {
	for _, bound := range b.inputs {
		if bound.name == name {
			return bound.val, true
		}
	}
	return nil, false
}

type fakeAllocator struct{}

func (fakeAllocator) GetAllocation(size int) (ort.Allocation, error) {
	return &fakeAllocation{buf: make([]byte, size)}, nil
}

type fakeAllocation struct {
	buf   []byte
	freed bool
}

func (a *fakeAllocation) Ptr() []byte { return a.buf }
func (a *fakeAllocation) Size() int   { return len(a.buf) }
func (a *fakeAllocation) Free()       { a.freed = true }

// fakeValue is a tensor over host bytes; alloc is the backing slab for
// engine-created views, nil for synthesised values.
type fakeValue struct {
	shape     ort.Shape
	typ       ort.ElementType
	data      []byte
	alloc     ort.Allocation
	destroyed bool
}

func (v *fakeValue) Shape() ort.Shape      { return v.shape }
func (v *fakeValue) Type() ort.ElementType { return v.typ }
func (v *fakeValue) Bytes() []byte         { return v.data }
func (v *fakeValue) Destroy() error {
	v.destroyed = true
	return nil
}
