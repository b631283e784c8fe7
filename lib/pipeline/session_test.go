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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/relay/lib/ort"
)

const (
	testVocab    = 13
	testEOSToken = 11
)

// stageASession models the first half of a decoder: input ids and
// position ids in, hidden states and its share of the kv-cache out.
func stageASession() *fakeSession {
	return &fakeSession{
		inputs: []ort.TensorInfo{
			{Name: "input_ids", Shape: ort.Shape{-1, -1}, Type: ort.ElementTypeInt64},
			{Name: "position_ids", Shape: ort.Shape{-1, -1}, Type: ort.ElementTypeInt64},
			{Name: "past_a", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
		outputs: []ort.TensorInfo{
			{Name: "hidden_states", Shape: ort.Shape{-1, -1, 8}, Type: ort.ElementTypeFloat32},
			{Name: "present_a", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
	}
}

// stageBSession models the second half: hidden states in, logits out.
// argmaxFor scripts the winning vocabulary index per run and lane.
func stageBSession(argmaxFor func(run, lane int) int64) *fakeSession {
	s := &fakeSession{
		inputs: []ort.TensorInfo{
			{Name: "input_hidden_states", Shape: ort.Shape{-1, -1, 8}, Type: ort.ElementTypeFloat32},
			{Name: "past_b", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
		outputs: []ort.TensorInfo{
			{Name: "logits", Shape: ort.Shape{-1, -1, testVocab}, Type: ort.ElementTypeFloat32},
			{Name: "present_b", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
	}
	s.produce = logitsProducer("input_hidden_states", argmaxFor)
	return s
}

// logitsProducer synthesises a logits tensor shaped after the carried
// sequence input, with a one-hot spike at the scripted argmax of the
// last time step.
func logitsProducer(seqInput string, argmaxFor func(run, lane int) int64) func(string, *fakeBinding) (ort.Value, error) {
	return func(name string, b *fakeBinding) (ort.Value, error) {
		if name != "logits" {
			return nil, fmt.Errorf("unexpected unbound output %s", name)
		}
		in, ok := b.inputValue(seqInput)
		if !ok {
			return nil, fmt.Errorf("%s not bound", seqInput)
		}
		batch := int(in.Shape()[0])
		seqLen := int(in.Shape()[1])
		run := b.sess.runCount() - 1
		data := make([]float32, batch*seqLen*testVocab)
		for lane := 0; lane < batch; lane++ {
			data[(lane*seqLen+seqLen-1)*testVocab+int(argmaxFor(run, lane))] = 1
		}
		return ort.NewFloat32Value(ort.Shape{int64(batch), int64(seqLen), testVocab}, data)
	}
}

func twoStageConfig() *PipelineConfig {
	return &PipelineConfig{
		EOSToken:        testEOSToken,
		InputIDsName:    "input_ids",
		PositionIDsName: "position_ids",
		LogitsName:      "logits",
		MaxSeqLen:       16,
		Ensemble: []*ModelConfig{
			{
				ModelName:                   "gpt2-front",
				ModelFilePath:               "stage0.onnx",
				DeviceID:                    0,
				InputToUseForSeqLen:         "input_ids",
				SeqLenDimIndexInInput:       1,
				BatchDimIndexInInput:        0,
				BatchDimIndexInState:        0,
				SeqLenDimIndexInState:       1,
				BatchDimInInterStageOutput:  0,
				SeqLenDimInInterStageOutput: 1,
				InterStageOutputInputPairs:  [][]string{{"hidden_states", "input_hidden_states"}},
				PastInputNames:              []string{"past_a"},
				PresentOutputNames:          []string{"present_a"},
			},
			{
				ModelName:                   "gpt2-back",
				ModelFilePath:               "stage1.onnx",
				DeviceID:                    1,
				InputToUseForSeqLen:         "input_hidden_states",
				SeqLenDimIndexInInput:       1,
				BatchDimIndexInInput:        0,
				BatchDimIndexInState:        0,
				SeqLenDimIndexInState:       1,
				BatchDimInInterStageOutput:  0,
				SeqLenDimInInterStageOutput: 1,
				InterStageOutputInputPairs:  [][]string{{"logits", "logits"}},
				PastInputNames:              []string{"past_b"},
				PresentOutputNames:          []string{"present_b"},
			},
		},
	}
}

// soloSession is a single-stage degenerate ensemble: the one model
// takes ids and produces logits plus its state.
func soloSession(argmaxFor func(run, lane int) int64) *fakeSession {
	s := &fakeSession{
		inputs: []ort.TensorInfo{
			{Name: "input_ids", Shape: ort.Shape{-1, -1}, Type: ort.ElementTypeInt64},
			{Name: "position_ids", Shape: ort.Shape{-1, -1}, Type: ort.ElementTypeInt64},
			{Name: "past", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
		outputs: []ort.TensorInfo{
			{Name: "logits", Shape: ort.Shape{-1, -1, testVocab}, Type: ort.ElementTypeFloat32},
			{Name: "present", Shape: ort.Shape{-1, -1, 4}, Type: ort.ElementTypeFloat32},
		},
	}
	s.produce = logitsProducer("input_ids", argmaxFor)
	return s
}

func soloConfig() *PipelineConfig {
	return &PipelineConfig{
		EOSToken:        testEOSToken,
		InputIDsName:    "input_ids",
		PositionIDsName: "position_ids",
		LogitsName:      "logits",
		MaxSeqLen:       16,
		Ensemble: []*ModelConfig{
			{
				ModelName:                   "gpt2",
				ModelFilePath:               "solo.onnx",
				DeviceID:                    0,
				InputToUseForSeqLen:         "input_ids",
				SeqLenDimIndexInInput:       1,
				BatchDimIndexInInput:        0,
				BatchDimIndexInState:        0,
				SeqLenDimIndexInState:       1,
				BatchDimInInterStageOutput:  0,
				SeqLenDimInInterStageOutput: 1,
				InterStageOutputInputPairs:  [][]string{{"logits", "logits"}},
				PastInputNames:              []string{"past"},
				PresentOutputNames:          []string{"present"},
			},
		},
	}
}

func makeRequest(t *testing.T, batch, seqLen int) Request {
	t.Helper()
	ids := make([]int64, batch*seqLen)
	positions := make([]int64, batch*seqLen)
	for lane := 0; lane < batch; lane++ {
		for i := 0; i < seqLen; i++ {
			ids[lane*seqLen+i] = int64(i + 1)
			positions[lane*seqLen+i] = int64(i)
		}
	}
	shape := ort.Shape{int64(batch), int64(seqLen)}
	idsVal, err := ort.NewInt64Value(shape, ids)
	require.NoError(t, err)
	posVal, err := ort.NewInt64Value(shape, positions)
	require.NoError(t, err)
	return Request{
		InputNames:  []string{"input_ids", "position_ids"},
		InputValues: []ort.Value{idsVal, posVal},
	}
}

func logitsResponse() *Response {
	return &Response{
		OutputNames:   []string{"logits"},
		OutputValues:  make([]ort.Value, 1),
		OutputMemInfo: []*ort.MemoryInfo{{Device: "Cpu"}},
	}
}

func TestTwoStageGreedyDecoding(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 {
		return int64(3 + 2*lane) // lane 0 -> 3, lane 1 -> 5, never EOS
	})
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	req := makeRequest(t, 2, 5)
	resp := logitsResponse()
	require.NoError(t, ps.Run([]Request{req}, []*Response{resp}, 3))

	// 2 stages x 3 steps.
	assert.Equal(t, int64(3), ps.stages[0].Scheduled())
	assert.Equal(t, int64(3), ps.stages[1].Scheduled())
	assert.Equal(t, 3, sessA.runCount())
	assert.Equal(t, 3, sessB.runCount())

	// Final response carries the last step's logits: [batch, 1, vocab].
	require.NotNil(t, resp.OutputValues[0])
	assert.Equal(t, ort.Shape{2, 1, testVocab}, resp.OutputValues[0].Shape())

	// Regenerated inputs between steps: argmax ids, uniform positions
	// advancing one per step from the original input length.
	assert.Equal(t, []int64{3, 5}, sessA.inputsOfRun(1)["input_ids"])
	assert.Equal(t, []int64{5, 5}, sessA.inputsOfRun(1)["position_ids"])
	assert.Equal(t, []int64{3, 5}, sessA.inputsOfRun(2)["input_ids"])
	assert.Equal(t, []int64{6, 6}, sessA.inputsOfRun(2)["position_ids"])
}

func TestStateSeqLenGrowsByOnePerStep(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 { return 2 })
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	resp := logitsResponse()
	require.NoError(t, ps.Run([]Request{makeRequest(t, 2, 5)}, []*Response{resp}, 3))

	// Present-state sequence length after step t is orig_len + t.
	for run, want := range []int64{5, 6, 7} {
		shapeA := sessA.boundOutputsOfRun(run)["present_a"].Shape()
		shapeB := sessB.boundOutputsOfRun(run)["present_b"].Shape()
		assert.Equal(t, want, shapeA[1], "stage A state after step %d", run)
		assert.Equal(t, want, shapeB[1], "stage B state after step %d", run)
		assert.Equal(t, int64(2), shapeA[0])
	}
}

func TestEarlyEOSTermination(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 {
		if run == 0 {
			return 4
		}
		return testEOSToken
	})
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	resp := logitsResponse()
	require.NoError(t, ps.Run([]Request{makeRequest(t, 2, 5)}, []*Response{resp}, 10))

	// Both lanes hit EOS after the second step: two steps, two stages.
	assert.Equal(t, int64(2), ps.stages[0].Scheduled())
	assert.Equal(t, int64(2), ps.stages[1].Scheduled())

	// The response carries the terminating step's logits.
	require.NotNil(t, resp.OutputValues[0])
	assert.Equal(t, ort.Shape{2, 1, testVocab}, resp.OutputValues[0].Shape())
}

func TestMismatchedRequestResponseLists(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 { return 0 })
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	reqs := []Request{makeRequest(t, 1, 3), makeRequest(t, 1, 3), makeRequest(t, 1, 3)}
	resps := []*Response{logitsResponse(), logitsResponse()}

	err = ps.Run(reqs, resps, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(0), ps.stages[0].Scheduled())
	assert.Equal(t, int64(0), ps.stages[1].Scheduled())
}

func TestMissingFinalOutput(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 { return 0 })
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	resp := &Response{
		OutputNames:   []string{"scores"},
		OutputValues:  make([]ort.Value, 1),
		OutputMemInfo: []*ort.MemoryInfo{{Device: "Cpu"}},
	}
	err = ps.Run([]Request{makeRequest(t, 1, 4)}, []*Response{resp}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingOutput)
	assert.Contains(t, err.Error(), "output scores is not produced by the final stage")
}

func TestSingleStageEnsemble(t *testing.T) {
	sess := soloSession(func(run, lane int) int64 { return 6 })
	rt := newFakeRuntime(map[string]*fakeSession{"solo.onnx": sess})

	ps, err := NewPipelineSession(soloConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	resp := logitsResponse()
	require.NoError(t, ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{resp}, 2))

	// Every pop wraps straight to finalisation: one closure per step.
	assert.Equal(t, int64(2), ps.stages[0].Scheduled())
	assert.Equal(t, 2, sess.runCount())

	// Regenerated input ids between the steps have shape [batch, 1].
	assert.Equal(t, []int64{6}, sess.inputsOfRun(1)["input_ids"])
	assert.Equal(t, []int64{3}, sess.inputsOfRun(1)["position_ids"])
}

func TestPingPongBufferAlternation(t *testing.T) {
	sess := soloSession(func(run, lane int) int64 { return 1 })
	rt := newFakeRuntime(map[string]*fakeSession{"solo.onnx": sess})

	ps, err := NewPipelineSession(soloConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	resp := logitsResponse()
	require.NoError(t, ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{resp}, 4))

	// The present-state output must alternate between the two
	// preallocated buffers on successive steps.
	allocs := make([]ort.Allocation, 4)
	for run := 0; run < 4; run++ {
		bound := sess.boundOutputsOfRun(run)["present"]
		require.NotNil(t, bound)
		allocs[run] = bound.alloc
	}
	assert.NotSame(t, allocs[0], allocs[1])
	assert.Same(t, allocs[0], allocs[2])
	assert.Same(t, allocs[1], allocs[3])
}

func TestWorkerFailureFailsBatch(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(nil)
	sessB.produce = func(name string, b *fakeBinding) (ort.Value, error) {
		return nil, fmt.Errorf("device out of memory")
	}
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	err = ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{logitsResponse()}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device out of memory")
	assert.Contains(t, err.Error(), "processing request")
}

func TestResponseTimeoutFailsBatch(t *testing.T) {
	cfg := soloConfig()
	cfg.ResponseTimeoutMillis = 50

	sess := soloSession(func(run, lane int) int64 { return 1 })
	inner := sess.produce
	sess.produce = func(name string, b *fakeBinding) (ort.Value, error) {
		time.Sleep(300 * time.Millisecond)
		return inner(name, b)
	}
	rt := newFakeRuntime(map[string]*fakeSession{"solo.onnx": sess})

	ps, err := NewPipelineSession(cfg, rt)
	require.NoError(t, err)
	defer ps.Close()

	err = ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{logitsResponse()}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunRejectsBadSlots(t *testing.T) {
	sess := soloSession(func(run, lane int) int64 { return 1 })
	rt := newFakeRuntime(map[string]*fakeSession{"solo.onnx": sess})

	ps, err := NewPipelineSession(soloConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	req := makeRequest(t, 1, 3)
	req.InputNames = req.InputNames[:1]
	err = ps.Run([]Request{req}, []*Response{logitsResponse()}, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	bad := logitsResponse()
	bad.OutputValues = nil
	err = ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{bad}, 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{logitsResponse()}, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSessionLoadFailure(t *testing.T) {
	rt := newFakeRuntime(map[string]*fakeSession{})
	_, err := NewPipelineSession(soloConfig(), rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such model")
}

func TestConcurrentBatchesGetDistinctRequestIDs(t *testing.T) {
	sess := soloSession(func(run, lane int) int64 { return 1 })
	rt := newFakeRuntime(map[string]*fakeSession{"solo.onnx": sess})

	ps, err := NewPipelineSession(soloConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{logitsResponse()}, 2)
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, uint64(2), ps.reqCounter.Load())
}

func TestDeviceIsPinnedBeforeEveryTask(t *testing.T) {
	sessA := stageASession()
	sessB := stageBSession(func(run, lane int) int64 { return 2 })
	rt := newFakeRuntime(map[string]*fakeSession{"stage0.onnx": sessA, "stage1.onnx": sessB})

	ps, err := NewPipelineSession(twoStageConfig(), rt)
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.Run([]Request{makeRequest(t, 1, 3)}, []*Response{logitsResponse()}, 2))

	calls := rt.deviceCalls()
	assert.Len(t, calls, 4)
	count0, count1 := 0, 0
	for _, d := range calls {
		switch d {
		case 0:
			count0++
		case 1:
			count1++
		}
	}
	assert.Equal(t, 2, count0)
	assert.Equal(t, 2, count1)
}

func TestErrorKindsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrInvalidArgument, ErrConfig))
	require.False(t, errors.Is(ErrMissingOutput, ErrTimeout))
}
