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

// Package relay runs autoregressive generation over ONNX model
// ensembles split into pipeline stages across devices. The Engine is
// the embedding surface: it wraps a pipeline session with batch
// admission control so concurrent callers cannot oversubscribe the
// devices' preallocated state memory.
package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/antflydb/relay/lib/ort"
	"github.com/antflydb/relay/lib/pipeline"
)

// Config holds engine construction options.
type Config struct {
	// EnsemblePath is the ensemble configuration file.
	EnsemblePath string

	// StageWorkers is the worker count per pipeline stage (default 1).
	StageWorkers int

	// Gate configures batch admission control.
	Gate RunGateConfig
}

// Engine bundles a pipeline session with its admission gate.
type Engine struct {
	logger  *zap.Logger
	session *pipeline.PipelineSession
	gate    *RunGate
}

// NewEngine loads the ensemble described by cfg on the given runtime.
func NewEngine(cfg Config, rt ort.Runtime, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pcfg, err := pipeline.LoadConfig(cfg.EnsemblePath)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.StageWorkers > 0 {
		opts = append(opts, pipeline.WithStageWorkers(cfg.StageWorkers))
	}
	session, err := pipeline.NewPipelineSession(pcfg, rt, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline session: %w", err)
	}

	return &Engine{
		logger:  logger,
		session: session,
		gate:    NewRunGate(cfg.Gate, logger),
	}, nil
}

// Session exposes the underlying pipeline session.
func (e *Engine) Session() *pipeline.PipelineSession {
	return e.session
}

// Run drives one batch through the ensemble for numSteps decoding
// steps, waiting for admission first. The context only governs the
// wait: an admitted batch runs to completion or failure.
func (e *Engine) Run(ctx context.Context, reqs []pipeline.Request, resps []*pipeline.Response, numSteps int) error {
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("admitting batch: %w", err)
	}
	defer release()
	e.logger.Debug("Batch admitted", zap.Int("requests", len(reqs)), zap.Int("steps", numSteps))
	return e.session.Run(reqs, resps, numSteps)
}

// GateStats reports admission statistics.
func (e *Engine) GateStats() GateStats {
	return e.gate.Stats()
}

// Close releases the pipeline session.
func (e *Engine) Close() error {
	return e.session.Close()
}
