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
	"time"

	"github.com/antflydb/relay/lib/ort"
)

// executeRequest runs one stage of one step for a request. The token
// carries this stage's inputs in; on success the same token carries the
// next stage's inputs out. The frame's run state for the stage is
// mutated in place; the single stage worker serializing on the device
// makes that safe.
func executeRequest(tok *Token, mcfg *ModelConfig, sess ort.Session, frame *Frame) error {
	rs := &frame.runStates[frame.stageID]

	// The token is reused as the output token: move the carried payload
	// into locals first.
	inNames := tok.Names
	inValues := tok.Values
	tok.Names = nil
	tok.Values = nil

	// Carried first-step inputs are borrowed from the caller; owned
	// carried values (inter-stage outputs, regenerated host inputs) are
	// released once the run has consumed them.
	defer func() {
		for _, h := range inValues {
			h.release()
		}
	}()

	binding := rs.binding
	binding.ClearBoundInputs()
	binding.ClearBoundOutputs()

	// Inputs: values carried by the token win; anything else must be a
	// past state, satisfied by the present state of the previous step.
	for _, iname := range mcfg.InputNames {
		if i := indexOf(inNames, iname); i >= 0 {
			if err := binding.BindInput(iname, inValues[i].val); err != nil {
				return fmt.Errorf("binding input %q: %w", iname, err)
			}
			continue
		}
		if k := indexOf(mcfg.PastInputNames, iname); k >= 0 {
			state := rs.outputValMap[mcfg.PresentOutputNames[k]]
			if err := binding.BindInput(iname, state); err != nil {
				return fmt.Errorf("binding past state %q: %w", iname, err)
			}
		}
	}

	// Output sequence length = carried input length + past length
	// (zero on the first step).
	si := indexOf(inNames, mcfg.InputToUseForSeqLen)
	if si < 0 {
		return fmt.Errorf("%s not present in token", mcfg.InputToUseForSeqLen)
	}
	inputSeqLen := inValues[si].val.Shape()[mcfg.SeqLenDimIndexInInput]
	pastSeqLen := rs.outputValMap[mcfg.PresentOutputNames[0]].Shape()[mcfg.SeqLenDimIndexInState]
	newSeqLen := inputSeqLen + pastSeqLen

	stateInfo, ok := outputInfo(sess, mcfg.PresentOutputNames[0])
	if !ok {
		return fmt.Errorf("present output %q not found in model outputs", mcfg.PresentOutputNames[0])
	}
	stateShape := stateInfo.Shape.Clone()
	stateShape[mcfg.BatchDimIndexInState] = int64(frame.batchSize)
	stateShape[mcfg.SeqLenDimIndexInState] = newSeqLen

	mem := sess.MemoryInfo()
	for _, oname := range mcfg.OutputNames {
		if k := indexOf(mcfg.PresentOutputNames, oname); k >= 0 {
			// Even steps read their past state out of buffer 1 and
			// write the present state into buffer 2; odd steps flip.
			alloc := rs.stateBuf1[k]
			if tok.StepID%2 == 0 {
				alloc = rs.stateBuf2[k]
			}
			val, err := sess.CreateValue(mem, alloc, stateShape, rs.stateElemType)
			if err != nil {
				return fmt.Errorf("creating state output %q: %w", oname, err)
			}
			if err := binding.BindOutput(oname, val); err != nil {
				return fmt.Errorf("binding state output %q: %w", oname, err)
			}
			continue
		}

		// Caller-requested final outputs go where the response slot
		// says: a target device, or a caller-preallocated tensor.
		if r := indexOf(frame.resp.OutputNames, oname); r >= 0 {
			if mi := frame.resp.OutputMemInfo[r]; mi != nil {
				if err := binding.BindOutputToDevice(oname, *mi); err != nil {
					return fmt.Errorf("binding output %q to device: %w", oname, err)
				}
			} else {
				if err := binding.BindOutput(oname, frame.resp.OutputValues[r]); err != nil {
					return fmt.Errorf("binding output %q: %w", oname, err)
				}
			}
			continue
		}

		// Inter-stage outputs (e.g. hidden states) view the
		// preallocated buffer with this step's input length. Last-stage
		// entries carry results to the dispatch loop and have no
		// preallocated buffer; the runtime allocates those on device.
		alloc, ok := rs.interStageBuf[oname]
		if !ok {
			if err := binding.BindOutputToDevice(oname, mem); err != nil {
				return fmt.Errorf("binding output %q to device: %w", oname, err)
			}
			continue
		}
		oinfo, ok := outputInfo(sess, oname)
		if !ok {
			return fmt.Errorf("output %q not found in model outputs", oname)
		}
		oshape := oinfo.Shape.Clone()
		oshape[mcfg.BatchDimInInterStageOutput] = int64(frame.batchSize)
		oshape[mcfg.SeqLenDimInInterStageOutput] = inputSeqLen
		val, err := sess.CreateValue(mem, alloc, oshape, oinfo.Type)
		if err != nil {
			return fmt.Errorf("creating inter-stage output %q: %w", oname, err)
		}
		if err := binding.BindOutput(oname, val); err != nil {
			return fmt.Errorf("binding inter-stage output %q: %w", oname, err)
		}
	}

	start := time.Now()
	if err := sess.Run(binding); err != nil {
		return fmt.Errorf("running stage: %w", err)
	}
	observeStageRun(mcfg.ModelName, time.Since(start))

	outVals, err := binding.GetOutputValues()
	if err != nil {
		return fmt.Errorf("collecting outputs: %w", err)
	}

	for i, oname := range mcfg.OutputNames {
		isState := indexOf(mcfg.PresentOutputNames, oname) >= 0
		if _, alsoInterStage := mcfg.InterStageInput(oname); isState && alsoInterStage {
			return fmt.Errorf("output %q is both a present state and an inter-stage output", oname)
		}

		// Present states replace the previous step's entry; the frame
		// owns both and releases the stale one.
		if isState {
			if old := rs.outputValMap[oname]; old != nil && old != outVals[i] {
				_ = old.Destroy()
			}
			rs.outputValMap[oname] = outVals[i]
			continue
		}

		if in, ok := mcfg.InterStageInput(oname); ok {
			// Tensors the caller preallocated stay caller-owned even
			// while the token carries them.
			if isResponseValue(frame.resp, outVals[i]) {
				tok.append(in, borrowed(outVals[i]))
			} else {
				tok.append(in, owned(outVals[i]))
			}
			continue
		}

		// Remaining outputs were bound straight into the caller's
		// response slot; the caller keeps its tensor.
		if isResponseValue(frame.resp, outVals[i]) {
			continue
		}
		_ = outVals[i].Destroy()
	}

	return nil
}

func isResponseValue(resp *Response, v ort.Value) bool {
	for _, rv := range resp.OutputValues {
		if rv == v {
			return true
		}
	}
	return false
}
