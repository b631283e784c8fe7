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

//go:build onnx

package ort

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	onnx "github.com/yalue/onnxruntime_go"
)

// onnxRuntime implements Runtime on ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH (or ONNXRUNTIME_ROOT) before running so the
//     shared library can be found.
//   - For CUDA: the CUDA execution provider libraries must also be on
//     the library path.
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
//   - ONNX Runtime libraries must be available at link time
type onnxRuntime struct {
	initialized     bool
	initializedOnce sync.Once
	initErr         error
}

// NewONNXRuntime returns a Runtime backed by ONNX Runtime. The shared
// library is initialized lazily on first Load.
func NewONNXRuntime() Runtime {
	return &onnxRuntime{}
}

func (r *onnxRuntime) init() error {
	r.initializedOnce.Do(func() {
		if lib := locateSharedLibrary(); lib != "" {
			onnx.SetSharedLibraryPath(lib)
		}
		r.initErr = onnx.InitializeEnvironment()
		if r.initErr == nil {
			r.initialized = true
		}
	})
	return r.initErr
}

// locateSharedLibrary returns the full path of the onnxruntime shared
// library, or "" to let the loader use its default search. Discovery
// order matches the rest of the tooling: ONNXRUNTIME_ROOT (its
// platform-specific lib dir, then lib/ directly), then the entries of
// the platform's library path variable.
func locateSharedLibrary() string {
	libName := "libonnxruntime.so"
	libPathVar := os.Getenv("LD_LIBRARY_PATH")
	switch runtime.GOOS {
	case "windows":
		libName = "onnxruntime.dll"
	case "darwin":
		libName = "libonnxruntime.dylib"
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			libPathVar = dyld
		}
	}

	var candidates []string
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		candidates = append(candidates,
			filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"),
			filepath.Join(root, "lib"))
	}
	candidates = append(candidates, filepath.SplitList(libPathVar)...)

	for _, dir := range candidates {
		lib := filepath.Join(dir, libName)
		if _, err := os.Stat(lib); err == nil {
			return lib
		}
	}
	return ""
}

func (r *onnxRuntime) Load(modelPath string, deviceID int) (Session, error) {
	if err := r.init(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("ONNX model not found: %s", modelPath)
	}

	inputs, outputs, err := onnx.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}
	inputInfo := make([]TensorInfo, len(inputs))
	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
		inputInfo[i] = TensorInfo{Name: info.Name, Shape: Shape(info.Dimensions), Type: fromONNXType(info.DataType)}
	}
	outputInfo := make([]TensorInfo, len(outputs))
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
		outputInfo[i] = TensorInfo{Name: info.Name, Shape: Shape(info.Dimensions), Type: fromONNXType(info.DataType)}
	}

	sessionOpts, err := onnx.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	mem := MemoryInfo{Device: "Cpu", DeviceID: deviceID}
	if deviceID >= 0 {
		cudaOpts, err := onnx.NewCUDAProviderOptions()
		if err == nil {
			if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
				cudaOpts.Destroy()
				sessionOpts.Destroy()
				return nil, fmt.Errorf("pinning CUDA device %d: %w", deviceID, err)
			}
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				// CUDA not available, fall back to CPU
				cudaOpts.Destroy()
			} else {
				mem.Device = "Cuda"
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := onnx.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		mem:         mem,
	}, nil
}

// SetCurrentDevice is a no-op: onnxruntime_go pins the device per
// session through the CUDA provider options at load time, not per
// thread.
func (r *onnxRuntime) SetCurrentDevice(deviceID int) error {
	return nil
}

func (r *onnxRuntime) Close() error {
	if r.initialized {
		r.initialized = false
		return onnx.DestroyEnvironment()
	}
	return nil
}

// onnxSession implements Session over a DynamicAdvancedSession.
type onnxSession struct {
	session     *onnx.DynamicAdvancedSession
	sessionOpts *onnx.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	mem         MemoryInfo
}

func (s *onnxSession) Inputs() []TensorInfo  { return s.inputInfo }
func (s *onnxSession) Outputs() []TensorInfo { return s.outputInfo }
func (s *onnxSession) MemoryInfo() MemoryInfo {
	return s.mem
}

func (s *onnxSession) Allocator() Allocator {
	return hostArena{}
}

func (s *onnxSession) NewBinding() (Binding, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}
	return &onnxBinding{session: s}, nil
}

func (s *onnxSession) CreateValue(mem MemoryInfo, alloc Allocation, shape Shape, t ElementType) (Value, error) {
	n := shape.NumElements()
	if n < 0 {
		return nil, fmt.Errorf("shape %v has symbolic dimensions", shape)
	}
	need := int(n) * t.Size()
	if need > alloc.Size() {
		return nil, fmt.Errorf("allocation of %d bytes too small for shape %v of %s", alloc.Size(), shape, t)
	}
	tensor, err := onnx.NewCustomDataTensor(onnx.Shape(shape.Clone()), alloc.Ptr()[:need], toONNXType(t))
	if err != nil {
		return nil, fmt.Errorf("creating tensor view: %w", err)
	}
	return &onnxValue{tensor: tensor, typ: t}, nil
}

func (s *onnxSession) Run(b Binding) error {
	binding, ok := b.(*onnxBinding)
	if !ok {
		return fmt.Errorf("binding was not created by this runtime")
	}
	return binding.run()
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// hostArena satisfies Allocator with ordinary Go-heap host slabs. Device-resident
// arenas are managed by ONNX Runtime itself behind the session; the
// engine-visible slabs stage tensor views the provider uploads on Run.
type hostArena struct{}

type hostAllocation struct {
	buf []byte
}

func (hostArena) GetAllocation(size int) (Allocation, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative allocation size %d", size)
	}
	return &hostAllocation{buf: make([]byte, size)}, nil
}

func (a *hostAllocation) Ptr() []byte { return a.buf }
func (a *hostAllocation) Size() int   { return len(a.buf) }
func (a *hostAllocation) Free()       { a.buf = nil }

// onnxValue wraps a tensor produced or consumed by onnxruntime_go.
type onnxValue struct {
	tensor onnx.Value
	typ    ElementType
}

func (v *onnxValue) Shape() Shape {
	return Shape(v.tensor.GetShape())
}

func (v *onnxValue) Type() ElementType { return v.typ }

func (v *onnxValue) Bytes() []byte {
	switch t := v.tensor.(type) {
	case *onnx.CustomDataTensor:
		return t.GetData()
	case *onnx.Tensor[float32]:
		return float32Bytes(t.GetData())
	case *onnx.Tensor[int64]:
		return int64Bytes(t.GetData())
	case *onnx.Tensor[int32]:
		return int32Bytes(t.GetData())
	default:
		return nil
	}
}

func (v *onnxValue) Destroy() error {
	if v.tensor != nil {
		err := v.tensor.Destroy()
		v.tensor = nil
		return err
	}
	return nil
}

type boundTensor struct {
	name  string
	value Value
}

// onnxBinding accumulates bindings and maps them onto the positional
// Run call of DynamicAdvancedSession.
type onnxBinding struct {
	session     *onnxSession
	inputs      []boundTensor
	outputs     []boundTensor
	deviceOuts  map[string]MemoryInfo
	lastOutputs []Value
	scratch     []onnx.Value // temporaries created for host inputs, destroyed after run
}

func (b *onnxBinding) BindInput(name string, v Value) error {
	b.inputs = append(b.inputs, boundTensor{name: name, value: v})
	return nil
}

func (b *onnxBinding) BindOutput(name string, v Value) error {
	b.outputs = append(b.outputs, boundTensor{name: name, value: v})
	return nil
}

func (b *onnxBinding) BindOutputToDevice(name string, mem MemoryInfo) error {
	if b.deviceOuts == nil {
		b.deviceOuts = make(map[string]MemoryInfo)
	}
	b.deviceOuts[name] = mem
	return nil
}

func (b *onnxBinding) ClearBoundInputs() {
	b.inputs = b.inputs[:0]
}

func (b *onnxBinding) ClearBoundOutputs() {
	b.outputs = b.outputs[:0]
	b.deviceOuts = nil
	b.lastOutputs = nil
}

func (b *onnxBinding) GetOutputValues() ([]Value, error) {
	if b.lastOutputs == nil {
		return nil, fmt.Errorf("no outputs available before Run")
	}
	out := b.lastOutputs
	b.lastOutputs = nil
	return out, nil
}

func (b *onnxBinding) Close() error {
	b.ClearBoundInputs()
	b.ClearBoundOutputs()
	return nil
}

// run maps the named bindings onto the session's positional I/O order
// and executes. Bound output tensors are written in place; unbound and
// device-bound outputs are allocated by the runtime.
func (b *onnxBinding) run() error {
	defer b.destroyScratch()

	runInputs := make([]onnx.Value, len(b.session.inputInfo))
	for i, info := range b.session.inputInfo {
		bound, ok := b.findInput(info.Name)
		if !ok {
			return fmt.Errorf("input %s is not bound", info.Name)
		}
		tensor, err := b.toONNXValue(bound, info.Type)
		if err != nil {
			return fmt.Errorf("binding input %s: %w", info.Name, err)
		}
		runInputs[i] = tensor
	}

	runOutputs := make([]onnx.Value, len(b.session.outputInfo))
	for i, info := range b.session.outputInfo {
		for _, bound := range b.outputs {
			if bound.name == info.Name {
				ov, ok := bound.value.(*onnxValue)
				if !ok {
					return fmt.Errorf("output %s was not created by this runtime", info.Name)
				}
				runOutputs[i] = ov.tensor
				break
			}
		}
		// nil entries (device-bound or unbound) are allocated by the
		// session during Run
	}

	if err := b.session.session.Run(runInputs, runOutputs); err != nil {
		return fmt.Errorf("running ONNX session: %w", err)
	}

	b.lastOutputs = make([]Value, len(runOutputs))
	for i, tensor := range runOutputs {
		for _, bound := range b.outputs {
			if bound.name == b.session.outputInfo[i].Name {
				b.lastOutputs[i] = bound.value
				break
			}
		}
		if b.lastOutputs[i] == nil {
			b.lastOutputs[i] = &onnxValue{tensor: tensor, typ: b.session.outputInfo[i].Type}
		}
	}
	return nil
}

func (b *onnxBinding) findInput(name string) (Value, bool) {
	for _, bound := range b.inputs {
		if bound.name == name {
			return bound.value, true
		}
	}
	return nil, false
}

// toONNXValue reuses runtime-native tensors and stages host values into
// custom-data tensors that live until the end of the run.
func (b *onnxBinding) toONNXValue(v Value, declared ElementType) (onnx.Value, error) {
	if ov, ok := v.(*onnxValue); ok {
		return ov.tensor, nil
	}
	t := v.Type()
	if t == ElementTypeUndefined {
		t = declared
	}
	tensor, err := onnx.NewCustomDataTensor(onnx.Shape(v.Shape().Clone()), v.Bytes(), toONNXType(t))
	if err != nil {
		return nil, err
	}
	b.scratch = append(b.scratch, tensor)
	return tensor, nil
}

func (b *onnxBinding) destroyScratch() {
	for _, t := range b.scratch {
		t.Destroy()
	}
	b.scratch = nil
}

func fromONNXType(t onnx.TensorElementDataType) ElementType {
	switch t {
	case onnx.TensorElementDataTypeFloat16:
		return ElementTypeFloat16
	case onnx.TensorElementDataTypeFloat:
		return ElementTypeFloat32
	case onnx.TensorElementDataTypeInt32:
		return ElementTypeInt32
	case onnx.TensorElementDataTypeInt64:
		return ElementTypeInt64
	case onnx.TensorElementDataTypeBool:
		return ElementTypeBool
	default:
		return ElementTypeUndefined
	}
}

func toONNXType(t ElementType) onnx.TensorElementDataType {
	switch t {
	case ElementTypeFloat16:
		return onnx.TensorElementDataTypeFloat16
	case ElementTypeFloat32:
		return onnx.TensorElementDataTypeFloat
	case ElementTypeInt32:
		return onnx.TensorElementDataTypeInt32
	case ElementTypeInt64:
		return onnx.TensorElementDataTypeInt64
	case ElementTypeBool:
		return onnx.TensorElementDataTypeBool
	default:
		return onnx.TensorElementDataTypeUndefined
	}
}
