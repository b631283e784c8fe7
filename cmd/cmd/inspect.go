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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antflydb/relay/lib/ort"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a model's inputs and outputs",
	Long: `Load a model and print its introspected input and output names,
shapes and element types. Useful when writing an ensemble configuration:
past/present state names and inter-stage output names must match what
the model declares.

Examples:
  # Inspect a stage model
  relay inspect --model gpt2_stage0.onnx

  # Inspect on a specific device
  relay inspect --model gpt2_stage1.onnx --device 1`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().String("model", "", "model file to inspect (required)")
	inspectCmd.Flags().Int("device", -1, "device id (-1 for CPU)")
	_ = inspectCmd.MarkFlagRequired("model")
}

func runInspect(cmd *cobra.Command, args []string) error {
	modelPath, _ := cmd.Flags().GetString("model")
	device, _ := cmd.Flags().GetInt("device")

	rt := ort.NewONNXRuntime()
	defer func() {
		_ = rt.Close()
	}()

	sess, err := rt.Load(modelPath, device)
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.Close()
	}()

	fmt.Printf("model: %s\n\ninputs:\n", modelPath)
	for _, info := range sess.Inputs() {
		fmt.Printf("  %-32s %-10s %v\n", info.Name, info.Type, info.Shape)
	}
	fmt.Println("\noutputs:")
	for _, info := range sess.Outputs() {
		fmt.Printf("  %-32s %-10s %v\n", info.Name, info.Type, info.Shape)
	}
	return nil
}
