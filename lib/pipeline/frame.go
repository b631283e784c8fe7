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

	"github.com/antflydb/relay/lib/ort"
)

// runState is the per-stage slice of a frame: the I/O binding, the
// device allocator, the ping-pong state buffers, the inter-stage output
// buffers and the last-produced state tensors.
type runState struct {
	binding   ort.Binding
	allocator ort.Allocator

	// One allocation pair per recurrent-state slot, each sized for
	// max_seq_len. During step t the past state is read from the buffer
	// written at t-1 and the present state is written into the other.
	stateBuf1 []ort.Allocation
	stateBuf2 []ort.Allocation

	stateElemType ort.ElementType

	// outputValMap holds, per present-output name, the state tensor
	// produced by the previous step (owned by the frame).
	outputValMap map[string]ort.Value

	// interStageBuf backs the inter-stage outputs of non-terminal
	// stages, keyed by output name.
	interStageBuf map[string]ort.Allocation
}

// hostBuffer is host-side scratch for regenerated step inputs.
type hostBuffer struct {
	data  []int64
	shape ort.Shape
}

// Frame is the durable per-request state: it outlives the tokens that
// move through the pipeline and owns every device resource the request
// needs across steps and stages.
type Frame struct {
	reqIndex        int
	reqID           uint64
	batchSize       int
	origInputSeqLen int
	stageID         int

	resp *Response

	// token is the single reusable work item for this request.
	token Token

	runStates []runState

	// scratch holds regenerated next-step inputs (input ids, position
	// ids) keyed by canonical input name.
	scratch map[string]*hostBuffer
}

// newFrame preallocates every per-stage resource for a request of the
// given batch size. Preallocating to max_seq_len once per request keeps
// the hot path free of allocations; the pair of buffers per state slot
// prevents the past-state input and present-state output of one step
// from aliasing.
func newFrame(ps *PipelineSession, reqIndex int, reqID uint64, batchSize, origInputSeqLen int, resp *Response) (*Frame, error) {
	f := &Frame{
		reqIndex:        reqIndex,
		reqID:           reqID,
		batchSize:       batchSize,
		origInputSeqLen: origInputSeqLen,
		resp:            resp,
		runStates:       make([]runState, ps.cfg.NumStages()),
		scratch:         make(map[string]*hostBuffer),
	}

	for idx, mcfg := range ps.cfg.Ensemble {
		sess := ps.sessions[idx]
		if err := f.initRunState(&f.runStates[idx], mcfg, sess, idx == ps.cfg.NumStages()-1, ps.cfg.MaxSeqLen); err != nil {
			f.Close()
			return nil, fmt.Errorf("stage %q: %w", mcfg.ModelName, err)
		}
	}
	return f, nil
}

func (f *Frame) initRunState(rs *runState, mcfg *ModelConfig, sess ort.Session, lastStage bool, maxSeqLen int) error {
	rs.allocator = sess.Allocator()
	mem := sess.MemoryInfo()

	// All past and present states are assumed to share one shape and
	// the same batch/seq dimension roles, so it is computed once from
	// the first past input.
	info, ok := inputInfo(sess, mcfg.PastInputNames[0])
	if !ok {
		return fmt.Errorf("%w: past input %q not found in model inputs", ErrConfig, mcfg.PastInputNames[0])
	}
	stateShape := info.Shape.Clone()
	stateShape[mcfg.BatchDimIndexInState] = int64(f.batchSize)
	stateShape[mcfg.SeqLenDimIndexInState] = int64(maxSeqLen)
	numElements := stateShape.NumElements()
	if numElements < 0 {
		return fmt.Errorf("%w: state shape %v still has symbolic dimensions", ErrConfig, stateShape)
	}
	rs.stateElemType = info.Type
	sizeToAllocate := int(numElements) * info.Type.Size()

	for range mcfg.PastInputNames {
		buf1, err := rs.allocator.GetAllocation(sizeToAllocate)
		if err != nil {
			return fmt.Errorf("allocating state buffer: %w", err)
		}
		buf2, err := rs.allocator.GetAllocation(sizeToAllocate)
		if err != nil {
			return fmt.Errorf("allocating state buffer: %w", err)
		}
		rs.stateBuf1 = append(rs.stateBuf1, buf1)
		rs.stateBuf2 = append(rs.stateBuf2, buf2)
	}

	// Seed the state map with zero-length views over buffer 1: the
	// first step has no past state to feed. Buffer 1 specifically, so
	// step 0 (even) writes its present state into buffer 2.
	emptyShape := stateShape.Clone()
	emptyShape[mcfg.SeqLenDimIndexInState] = 0
	rs.outputValMap = make(map[string]ort.Value, len(mcfg.PresentOutputNames))
	for j, oname := range mcfg.PresentOutputNames {
		val, err := sess.CreateValue(mem, rs.stateBuf1[j], emptyShape, info.Type)
		if err != nil {
			return fmt.Errorf("creating empty state %q: %w", oname, err)
		}
		rs.outputValMap[oname] = val
	}

	// Inter-stage outputs of non-terminal stages are produced every
	// step; allocating them per step would dominate the hot path.
	if !lastStage {
		rs.interStageBuf = make(map[string]ort.Allocation, len(mcfg.interStage))
		for oname := range mcfg.interStage {
			oinfo, ok := outputInfo(sess, oname)
			if !ok {
				return fmt.Errorf("%w: inter-stage output %q not found in model outputs", ErrConfig, oname)
			}
			oshape := oinfo.Shape.Clone()
			oshape[mcfg.BatchDimInInterStageOutput] = int64(f.batchSize)
			oshape[mcfg.SeqLenDimInInterStageOutput] = int64(maxSeqLen)
			n := oshape.NumElements()
			if n < 0 {
				return fmt.Errorf("%w: inter-stage output %q shape %v still has symbolic dimensions", ErrConfig, oname, oshape)
			}
			alloc, err := rs.allocator.GetAllocation(int(n) * oinfo.Type.Size())
			if err != nil {
				return fmt.Errorf("allocating inter-stage buffer %q: %w", oname, err)
			}
			rs.interStageBuf[oname] = alloc
		}
	}

	binding, err := sess.NewBinding()
	if err != nil {
		return fmt.Errorf("creating binding: %w", err)
	}
	rs.binding = binding
	return nil
}

// scratchBuffer returns the frame's host scratch for a canonical input,
// creating it on first use.
func (f *Frame) scratchBuffer(name string) *hostBuffer {
	buf, ok := f.scratch[name]
	if !ok {
		buf = &hostBuffer{}
		f.scratch[name] = buf
	}
	return buf
}

// Close releases everything the frame owns. Final outputs already
// transferred into the caller's response slots are unaffected.
func (f *Frame) Close() {
	f.token.clear()
	for i := range f.runStates {
		rs := &f.runStates[i]
		for _, v := range rs.outputValMap {
			_ = v.Destroy()
		}
		rs.outputValMap = nil
		for _, a := range rs.stateBuf1 {
			a.Free()
		}
		for _, a := range rs.stateBuf2 {
			a.Free()
		}
		rs.stateBuf1, rs.stateBuf2 = nil, nil
		for _, a := range rs.interStageBuf {
			a.Free()
		}
		rs.interStageBuf = nil
		if rs.binding != nil {
			_ = rs.binding.Close()
			rs.binding = nil
		}
	}
}

func inputInfo(sess ort.Session, name string) (ort.TensorInfo, bool) {
	for _, info := range sess.Inputs() {
		if info.Name == name {
			return info, true
		}
	}
	return ort.TensorInfo{}, false
}

func outputInfo(sess ort.Session, name string) (ort.TensorInfo, bool) {
	for _, info := range sess.Outputs() {
		if info.Name == name {
			return info, true
		}
	}
	return ort.TensorInfo{}, false
}
