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

// Package pipeline schedules autoregressive generation over a model
// ensemble split into pipeline stages, each pinned to a device.
//
// A PipelineSession owns one compiled session and one worker pool per
// stage. Run seeds every request into stage 0 and then demultiplexes
// stage completions: each finished token is advanced to its next stage,
// or — when it wraps past the last stage — to the next decoding step,
// with greedy argmax deriving the next input ids from the logits.
// Per-request device state (the recurrent key/value cache and the
// inter-stage activation buffers) is preallocated once per request in a
// Frame and reused across all steps.
package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/relay/lib/ort"
)

// Option configures a PipelineSession.
type Option func(*PipelineSession)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ps *PipelineSession) {
		if logger != nil {
			ps.logger = logger
		}
	}
}

// WithStageWorkers sets the worker count per stage. The default of one
// serializes all work for a stage on its device.
func WithStageWorkers(n int) Option {
	return func(ps *PipelineSession) {
		if n > 0 {
			ps.stageWorkers = n
		}
	}
}

// PipelineSession drives requests through the ensemble.
type PipelineSession struct {
	cfg    *PipelineConfig
	rt     ort.Runtime
	logger *zap.Logger

	sessions []ort.Session
	stages   []*Stage

	stageWorkers int
	reqCounter   atomic.Uint64
}

// NewPipelineSession loads every stage's model on its device,
// introspects the models' input and output names into the config, and
// validates the ensemble against them.
func NewPipelineSession(cfg *PipelineConfig, rt ort.Runtime, opts ...Option) (*PipelineSession, error) {
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	ps := &PipelineSession{
		cfg:          cfg,
		rt:           rt,
		logger:       zap.NewNop(),
		sessions:     make([]ort.Session, cfg.NumStages()),
		stageWorkers: 1,
	}
	for _, opt := range opts {
		opt(ps)
	}

	var g errgroup.Group
	for idx, mcfg := range cfg.Ensemble {
		g.Go(func() error {
			start := time.Now()
			sess, err := rt.Load(mcfg.ModelFilePath, mcfg.DeviceID)
			if err != nil {
				return fmt.Errorf("loading stage %q: %w", mcfg.ModelName, err)
			}
			observeSessionLoad(mcfg.ModelName, time.Since(start))
			ps.sessions[idx] = sess

			for _, info := range sess.Inputs() {
				mcfg.InputNames = append(mcfg.InputNames, info.Name)
			}
			for _, info := range sess.Outputs() {
				mcfg.OutputNames = append(mcfg.OutputNames, info.Name)
			}
			ps.logger.Info("Loaded pipeline stage",
				zap.String("model", mcfg.ModelName),
				zap.Int("device", mcfg.DeviceID),
				zap.Strings("inputs", mcfg.InputNames),
				zap.Strings("outputs", mcfg.OutputNames))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ps.closeSessions()
		return nil, err
	}

	if err := cfg.validateIntrospected(); err != nil {
		ps.closeSessions()
		return nil, err
	}

	ps.stages = make([]*Stage, cfg.NumStages())
	for idx, mcfg := range cfg.Ensemble {
		ps.stages[idx] = NewStage(mcfg.DeviceID, ps.stageWorkers, rt, ps.logger)
	}
	return ps, nil
}

// Close drains and stops every stage and releases the model sessions.
func (ps *PipelineSession) Close() error {
	for _, stage := range ps.stages {
		if stage != nil {
			stage.Close()
		}
	}
	ps.closeSessions()
	return nil
}

func (ps *PipelineSession) closeSessions() {
	for i, sess := range ps.sessions {
		if sess != nil {
			_ = sess.Close()
			ps.sessions[i] = nil
		}
	}
}

// Run drives every request through num steps decoding steps (fewer if
// all lanes of a request emit EOS early) and populates the response
// slots. The batch either fully succeeds or fails as a whole: on the
// first error every stage is drained and a single failure is returned.
func (ps *PipelineSession) Run(reqs []Request, resps []*Response, numSteps int) error {
	if err := validateRun(reqs, resps, numSteps); err != nil {
		return err
	}

	respQueue := NewResponseQueue(len(reqs))
	frames := make(map[uint64]*Frame, len(reqs))
	defer func() {
		for id, frame := range frames {
			frame.Close()
			delete(frames, id)
		}
	}()

	if err := ps.scheduleAllToStage0(reqs, resps, frames, respQueue); err != nil {
		return ps.failBatch(err)
	}
	return ps.processResponses(len(reqs), numSteps, frames, respQueue)
}

func validateRun(reqs []Request, resps []*Response, numSteps int) error {
	if numSteps < 1 {
		return fmt.Errorf("%w: num steps must be at least 1", ErrInvalidArgument)
	}
	if len(reqs) != len(resps) {
		return fmt.Errorf("%w: %d requests but %d responses", ErrInvalidArgument, len(reqs), len(resps))
	}
	for i, req := range reqs {
		if len(req.InputNames) != len(req.InputValues) {
			return fmt.Errorf("%w: request %d has %d input names but %d values", ErrInvalidArgument, i, len(req.InputNames), len(req.InputValues))
		}
		resp := resps[i]
		if resp == nil {
			return fmt.Errorf("%w: response %d is nil", ErrInvalidArgument, i)
		}
		if len(resp.OutputNames) != len(resp.OutputValues) {
			return fmt.Errorf("%w: response %d has %d output names but %d values", ErrInvalidArgument, i, len(resp.OutputNames), len(resp.OutputValues))
		}
		if len(resp.OutputMemInfo) != 0 && len(resp.OutputMemInfo) != len(resp.OutputNames) {
			return fmt.Errorf("%w: response %d has %d output names but %d memory infos", ErrInvalidArgument, i, len(resp.OutputNames), len(resp.OutputMemInfo))
		}
	}
	return nil
}

// scheduleAllToStage0 builds one frame per request and schedules its
// first-step closure onto stage 0.
func (ps *PipelineSession) scheduleAllToStage0(reqs []Request, resps []*Response, frames map[uint64]*Frame, respQueue *ResponseQueue) error {
	seqInput := ps.cfg.Ensemble[0].InputToUseForSeqLen
	for reqIdx := range reqs {
		req := &reqs[reqIdx]
		resp := resps[reqIdx]
		if len(resp.OutputMemInfo) == 0 {
			resp.OutputMemInfo = make([]*ort.MemoryInfo, len(resp.OutputNames))
		}

		si := indexOf(req.InputNames, seqInput)
		if si < 0 {
			return fmt.Errorf("%w: request %d does not supply %q", ErrInvalidArgument, reqIdx, seqInput)
		}
		shape := req.InputValues[si].Shape()
		origSeqLen := int(shape[ps.cfg.Ensemble[0].SeqLenDimIndexInInput])
		batchSize := int(shape[ps.cfg.Ensemble[0].BatchDimIndexInInput])

		reqID := ps.reqCounter.Add(1)
		frame, err := newFrame(ps, reqIdx, reqID, batchSize, origSeqLen, resp)
		if err != nil {
			return fmt.Errorf("request %d: %w", reqIdx, err)
		}
		frames[reqID] = frame

		// First-step inputs are borrowed from the caller.
		values := make([]valueHandle, len(req.InputValues))
		for i, v := range req.InputValues {
			values[i] = borrowed(v)
		}
		frame.token.init(reqID, 0, append([]string(nil), req.InputNames...), values)

		ps.logger.Debug("Scheduling request",
			zap.Uint64("req_id", reqID),
			zap.Int("batch_size", batchSize),
			zap.Int("input_seq_len", origSeqLen))
		ps.scheduleStage(frame, respQueue)
	}
	return nil
}

// scheduleStage enqueues the frame's token on its current stage.
func (ps *PipelineSession) scheduleStage(frame *Frame, respQueue *ResponseQueue) {
	stageID := frame.stageID
	mcfg := ps.cfg.Ensemble[stageID]
	sess := ps.sessions[stageID]
	tok := &frame.token
	recordStageExecution(mcfg.ModelName)
	ps.stages[stageID].ScheduleTask(func() {
		if err := executeRequest(tok, mcfg, sess, frame); err != nil {
			// Failures cross goroutines inside the token, never as
			// panics or shared state.
			tok.clear()
			tok.Err = fmt.Errorf("processing request %d: %w", tok.ReqID, err)
		}
		respQueue.Push(tok)
	})
}

// processResponses is the dispatch loop: it pops completed tokens and
// fans each request back out to its next stage or next step until every
// request has terminated.
func (ps *PipelineSession) processResponses(numReqs, numSteps int, frames map[uint64]*Frame, respQueue *ResponseQueue) error {
	timeout := ps.cfg.ResponseTimeout()
	processed := 0
	for processed < numReqs {
		tok, err := respQueue.WaitAndPop(timeout)
		if err != nil {
			return ps.failBatch(err)
		}
		if tok.Err != nil {
			return ps.failBatch(tok.Err)
		}

		frame := frames[tok.ReqID]
		frame.stageID = (frame.stageID + 1) % ps.cfg.NumStages()

		if frame.stageID != 0 {
			// Mid-step: the token already carries the inter-stage
			// payload for the next stage.
			ps.scheduleStage(frame, respQueue)
			continue
		}

		// The token wrapped past the last stage: one full step done.
		tok.StepID++
		recordStepCompleted()

		done, err := ps.finishOrAdvanceStep(frame, tok, numSteps)
		if err != nil {
			return ps.failBatch(err)
		}
		if done {
			frame.Close()
			delete(frames, tok.ReqID)
			processed++
			continue
		}
		ps.scheduleStage(frame, respQueue)
	}
	return nil
}

// finishOrAdvanceStep completes the request (step budget exhausted or
// every lane at EOS) or rewrites the token with the regenerated inputs
// for the next step.
func (ps *PipelineSession) finishOrAdvanceStep(frame *Frame, tok *Token, numSteps int) (done bool, err error) {
	if tok.StepID == numSteps {
		if err := ps.copyFinalOutput(tok, frame.resp); err != nil {
			return false, err
		}
		ps.logger.Debug("Request complete", zap.Uint64("req_id", tok.ReqID), zap.Int("steps", tok.StepID))
		return true, nil
	}

	logitsHandle, ok := tok.find(ps.cfg.LogitsName)
	if !ok {
		return false, fmt.Errorf("%w: did not get %s in the output", ErrMissingOutput, ps.cfg.LogitsName)
	}

	inputIDs := frame.scratchBuffer(ps.cfg.InputIDsName)
	ids, allEOS, err := nextInputIDs(logitsHandle.val, frame.batchSize, ps.cfg.EOSToken)
	if err != nil {
		return false, err
	}
	inputIDs.data = ids
	inputIDs.shape = ort.Shape{int64(frame.batchSize), 1}

	// Every lane predicted EOS: finish early with this step's outputs.
	if allEOS {
		recordEarlyEOS()
		ps.logger.Info("All lanes emitted EOS, finishing request early",
			zap.Uint64("req_id", tok.ReqID), zap.Int("steps", tok.StepID))
		if err := ps.copyFinalOutput(tok, frame.resp); err != nil {
			return false, err
		}
		return true, nil
	}

	inputIDsVal, err := ort.NewInt64Value(inputIDs.shape, inputIDs.data)
	if err != nil {
		return false, fmt.Errorf("building next input ids: %w", err)
	}

	posnIDs := frame.scratchBuffer(ps.cfg.PositionIDsName)
	posnIDs.data = nextPositionIDs(frame.batchSize, frame.origInputSeqLen, tok.StepID, posnIDs.data)
	posnIDs.shape = inputIDs.shape
	posnIDsVal, err := ort.NewInt64Value(posnIDs.shape, posnIDs.data)
	if err != nil {
		return false, fmt.Errorf("building next position ids: %w", err)
	}

	reqID, stepID := tok.ReqID, tok.StepID
	tok.clear()
	tok.init(reqID, stepID,
		[]string{ps.cfg.InputIDsName, ps.cfg.PositionIDsName},
		[]valueHandle{owned(inputIDsVal), owned(posnIDsVal)})
	return false, nil
}

// copyFinalOutput transfers every caller-requested output from the
// final token into the response slot. Ownership moves to the caller.
func (ps *PipelineSession) copyFinalOutput(tok *Token, resp *Response) error {
	for i, oname := range resp.OutputNames {
		h, ok := tok.take(oname)
		if !ok {
			return fmt.Errorf("%w: output %s is not produced by the final stage", ErrMissingOutput, oname)
		}
		resp.OutputValues[i] = h.val
	}
	return nil
}

// failBatch drains every stage so no worker still references a frame,
// then reports the first failure observed.
func (ps *PipelineSession) failBatch(cause error) error {
	recordBatchFailure()
	for _, stage := range ps.stages {
		stage.DrainAllInflightRequests()
	}
	ps.logger.Error("Pipeline batch failed", zap.Error(cause))
	return cause
}
