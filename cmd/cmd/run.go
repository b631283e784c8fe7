// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/relay"
	"github.com/antflydb/relay/lib/ort"
	"github.com/antflydb/relay/lib/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute decoding over an ensemble",
	Long: `Run autoregressive decoding over the ensemble described by the
configuration file.

The request file supplies the first-step inputs as int64 tensors and the
output names to collect from the final stage:

  {
    "inputs": {
      "input_ids":    {"shape": [2, 5], "data": [ ... ]},
      "position_ids": {"shape": [2, 5], "data": [ ... ]}
    },
    "output_names": ["logits"]
  }`,
	RunE: runEnsemble,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("ensemble", "", "ensemble configuration file (required)")
	runCmd.Flags().String("request", "", "request file (required)")
	runCmd.Flags().Int("steps", 1, "number of decoding steps")
	runCmd.Flags().String("output", "", "write outputs to this file instead of stdout")
	runCmd.Flags().Int("stage-workers", 1, "workers per pipeline stage")
	_ = runCmd.MarkFlagRequired("ensemble")
	_ = runCmd.MarkFlagRequired("request")
	mustBindPFlag("stage_workers", runCmd.Flags().Lookup("stage-workers"))
}

// requestFile is the on-disk request format.
type requestFile struct {
	Inputs      map[string]requestTensor `json:"inputs"`
	OutputNames []string                 `json:"output_names"`
}

type requestTensor struct {
	Shape []int64 `json:"shape"`
	Data  []int64 `json:"data"`
}

// outputTensor is the on-disk result format.
type outputTensor struct {
	Name  string    `json:"name"`
	Shape []int64   `json:"shape"`
	Type  string    `json:"type"`
	Data  []float32 `json:"data,omitempty"`
}

func runEnsemble(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	ensemblePath, _ := cmd.Flags().GetString("ensemble")
	requestPath, _ := cmd.Flags().GetString("request")
	steps, _ := cmd.Flags().GetInt("steps")
	outputPath, _ := cmd.Flags().GetString("output")

	rt := ort.NewONNXRuntime()
	defer func() {
		_ = rt.Close()
	}()

	engine, err := relay.NewEngine(relay.Config{
		EnsemblePath: ensemblePath,
		StageWorkers: viper.GetInt("stage_workers"),
	}, rt, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = engine.Close()
	}()

	req, resp, err := loadRequest(requestPath)
	if err != nil {
		return err
	}

	logger.Info("Running ensemble",
		zap.String("ensemble", ensemblePath),
		zap.Int("steps", steps),
		zap.Strings("outputs", resp.OutputNames))

	if err := engine.Run(ctx, []pipeline.Request{*req}, []*pipeline.Response{resp}, steps); err != nil {
		return fmt.Errorf("running ensemble: %w", err)
	}

	return writeOutputs(resp, outputPath)
}

func loadRequest(path string) (*pipeline.Request, *pipeline.Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading request file: %w", err)
	}
	var rf requestFile
	if err := sonic.Unmarshal(data, &rf); err != nil {
		return nil, nil, fmt.Errorf("parsing request file: %w", err)
	}
	if len(rf.Inputs) == 0 {
		return nil, nil, fmt.Errorf("request file supplies no inputs")
	}
	if len(rf.OutputNames) == 0 {
		return nil, nil, fmt.Errorf("request file names no outputs")
	}

	req := &pipeline.Request{}
	for name, t := range rf.Inputs {
		val, err := ort.NewInt64Value(ort.Shape(t.Shape), t.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("building input %q: %w", name, err)
		}
		req.InputNames = append(req.InputNames, name)
		req.InputValues = append(req.InputValues, val)
	}

	resp := &pipeline.Response{
		OutputNames:   rf.OutputNames,
		OutputValues:  make([]ort.Value, len(rf.OutputNames)),
		OutputMemInfo: make([]*ort.MemoryInfo, len(rf.OutputNames)),
	}
	// Let the engine allocate every requested output; the produced
	// tensors come back host-readable for serialisation.
	for i := range resp.OutputMemInfo {
		resp.OutputMemInfo[i] = &ort.MemoryInfo{Device: "Cpu"}
	}
	return req, resp, nil
}

func writeOutputs(resp *pipeline.Response, path string) error {
	outputs := make([]outputTensor, 0, len(resp.OutputNames))
	for i, name := range resp.OutputNames {
		val := resp.OutputValues[i]
		if val == nil {
			continue
		}
		out := outputTensor{
			Name:  name,
			Shape: []int64(val.Shape()),
			Type:  val.Type().String(),
		}
		switch val.Type() {
		case ort.ElementTypeFloat32, ort.ElementTypeFloat16:
			out.Data = floatData(val)
		}
		outputs = append(outputs, out)
		_ = val.Destroy()
	}

	data, err := sonic.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising outputs: %w", err)
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

// floatData widens the tensor payload to float32 for serialisation.
func floatData(val ort.Value) []float32 {
	if val.Type() == ort.ElementTypeFloat32 {
		return ort.Float32Data(val)
	}
	return ort.Float16Data(val)
}
