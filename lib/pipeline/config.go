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
	"os"
	"time"

	"github.com/bytedance/sonic"
)

// DefaultResponseTimeout bounds how long the dispatch loop waits for a
// stage completion before failing the batch.
const DefaultResponseTimeout = 10 * time.Second

// ModelConfig describes one pipeline stage. The JSON fields come from
// the ensemble file; InputNames and OutputNames are introspected from
// the compiled model after load.
type ModelConfig struct {
	ModelName     string `json:"model_name"`
	ModelFilePath string `json:"model_file_path"`
	DeviceID      int    `json:"device_id"`

	// InputToUseForSeqLen names the input whose sequence-length
	// dimension defines the current step's input length.
	InputToUseForSeqLen   string `json:"input_to_use_for_seq_len"`
	SeqLenDimIndexInInput int    `json:"seq_len_dim_index_in_input"`
	BatchDimIndexInInput  int    `json:"batch_dim_index_in_input"`

	// Dimension roles shared by every past/present state tensor.
	BatchDimIndexInState  int `json:"batch_dim_index_in_state"`
	SeqLenDimIndexInState int `json:"seq_len_dim_index_in_state"`

	// Dimension roles inside inter-stage tensors.
	SeqLenDimInInterStageOutput int `json:"seq_len_dim_in_inter_stage_output"`
	BatchDimInInterStageOutput  int `json:"batch_dim_in_inter_stage_output"`

	// InterStageOutputInputPairs maps outputs of this stage to inputs
	// of the next stage, as [output, input] pairs.
	InterStageOutputInputPairs [][]string `json:"inter_stage_output_input_map,omitempty"`

	// PastInputNames[i] pairs with PresentOutputNames[i]: both name the
	// same recurrent state slot, fed from one step's output to the next
	// step's input.
	PastInputNames     []string `json:"past_input_names,omitempty"`
	PresentOutputNames []string `json:"present_output_names,omitempty"`

	// Introspected from the model after load.
	InputNames  []string `json:"-"`
	OutputNames []string `json:"-"`

	interStage map[string]string
}

// InterStageInput returns the next-stage input name an output of this
// stage feeds, if any.
func (m *ModelConfig) InterStageInput(output string) (string, bool) {
	in, ok := m.interStage[output]
	return in, ok
}

// PipelineConfig describes the ensemble. Immutable after load; the
// order of Ensemble defines the pipeline.
type PipelineConfig struct {
	EOSToken        int64  `json:"eos_token"`
	InputIDsName    string `json:"input_ids_name"`
	PositionIDsName string `json:"position_ids_name"`
	LogitsName      string `json:"logits_name"`

	// MaxSeqLen bounds the preallocated recurrent-state buffers.
	MaxSeqLen int `json:"max_seq_len"`

	// ResponseTimeoutMillis overrides the dispatch-loop wait timeout.
	// Zero means DefaultResponseTimeout.
	ResponseTimeoutMillis int64 `json:"response_timeout_ms,omitempty"`

	Ensemble []*ModelConfig `json:"ensemble"`

	modelIdx map[string]int
}

// NumStages returns the pipeline depth.
func (c *PipelineConfig) NumStages() int { return len(c.Ensemble) }

// ModelIndex returns the stage index of a model by name.
func (c *PipelineConfig) ModelIndex(name string) (int, bool) {
	idx, ok := c.modelIdx[name]
	return idx, ok
}

// ResponseTimeout returns the configured dispatch-loop timeout.
func (c *PipelineConfig) ResponseTimeout() time.Duration {
	if c.ResponseTimeoutMillis > 0 {
		return time.Duration(c.ResponseTimeoutMillis) * time.Millisecond
	}
	return DefaultResponseTimeout
}

// LoadConfig reads and parses an ensemble configuration file.
func LoadConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ensemble config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses an ensemble configuration document.
func ParseConfig(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing ensemble config: %v", ErrConfig, err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal serialises the configuration back to JSON.
func (c *PipelineConfig) Marshal() ([]byte, error) {
	return sonic.Marshal(c)
}

// finalize derives lookup tables and checks everything that can be
// checked before the models are loaded. Idempotent.
func (c *PipelineConfig) finalize() error {
	if len(c.Ensemble) == 0 {
		return fmt.Errorf("%w: ensemble has no stages", ErrConfig)
	}
	if c.InputIDsName == "" || c.PositionIDsName == "" || c.LogitsName == "" {
		return fmt.Errorf("%w: input_ids_name, position_ids_name and logits_name are required", ErrConfig)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len must be positive", ErrConfig)
	}

	c.modelIdx = make(map[string]int, len(c.Ensemble))
	for idx, m := range c.Ensemble {
		if m.ModelName == "" || m.ModelFilePath == "" {
			return fmt.Errorf("%w: stage %d is missing model_name or model_file_path", ErrConfig, idx)
		}
		if _, dup := c.modelIdx[m.ModelName]; dup {
			return fmt.Errorf("%w: duplicate model_name %q", ErrConfig, m.ModelName)
		}
		c.modelIdx[m.ModelName] = idx

		if m.InputToUseForSeqLen == "" {
			return fmt.Errorf("%w: stage %q is missing input_to_use_for_seq_len", ErrConfig, m.ModelName)
		}
		if len(m.PastInputNames) != len(m.PresentOutputNames) {
			return fmt.Errorf("%w: stage %q has %d past_input_names but %d present_output_names",
				ErrConfig, m.ModelName, len(m.PastInputNames), len(m.PresentOutputNames))
		}
		if len(m.PastInputNames) == 0 {
			return fmt.Errorf("%w: stage %q declares no recurrent state slots", ErrConfig, m.ModelName)
		}

		m.interStage = make(map[string]string, len(m.InterStageOutputInputPairs))
		for _, pair := range m.InterStageOutputInputPairs {
			if len(pair) != 2 {
				return fmt.Errorf("%w: stage %q inter_stage_output_input_map entries must be [output, input] pairs", ErrConfig, m.ModelName)
			}
			m.interStage[pair[0]] = pair[1]
		}
	}
	return nil
}

// validateIntrospected checks every configured name against the I/O
// names introspected from the loaded models, and verifies that every
// input of a stage after the first is actually satisfiable at run time:
// carried by the previous stage's inter-stage payload, or fed back as a
// past state. Stage 0 inputs come from the request and are not checked
// here. The source implementation left unsatisfiable inputs undefined;
// here they are a configuration error.
func (c *PipelineConfig) validateIntrospected() error {
	for idx, m := range c.Ensemble {
		inputs := stringSet(m.InputNames)
		outputs := stringSet(m.OutputNames)

		for _, name := range m.PastInputNames {
			if !inputs[name] {
				return fmt.Errorf("%w: stage %q past input %q is not an input of the model", ErrConfig, m.ModelName, name)
			}
		}
		for _, name := range m.PresentOutputNames {
			if !outputs[name] {
				return fmt.Errorf("%w: stage %q present output %q is not an output of the model", ErrConfig, m.ModelName, name)
			}
		}
		if !inputs[m.InputToUseForSeqLen] {
			return fmt.Errorf("%w: stage %q input_to_use_for_seq_len %q is not an input of the model", ErrConfig, m.ModelName, m.InputToUseForSeqLen)
		}

		// The last stage's inter-stage entries feed the dispatch loop
		// (logits, final outputs) rather than a next stage, so only the
		// output side is checked for it.
		for out, in := range m.interStage {
			if !outputs[out] {
				return fmt.Errorf("%w: stage %q inter-stage output %q is not an output of the model", ErrConfig, m.ModelName, out)
			}
			if idx < len(c.Ensemble)-1 {
				if !stringSet(c.Ensemble[idx+1].InputNames)[in] {
					return fmt.Errorf("%w: stage %q inter-stage input %q is not an input of stage %q", ErrConfig, m.ModelName, in, c.Ensemble[idx+1].ModelName)
				}
			}
		}

		// Inputs of stage s>0 must be fed by the previous stage or be
		// past states; stage 0 inputs come from the request itself.
		if idx > 0 {
			carried := make(map[string]bool)
			for _, in := range c.Ensemble[idx-1].interStage {
				carried[in] = true
			}
			past := stringSet(m.PastInputNames)
			for _, name := range m.InputNames {
				if !carried[name] && !past[name] {
					return fmt.Errorf("%w: stage %q input %q is neither an inter-stage input nor a past state", ErrConfig, m.ModelName, name)
				}
			}
		}
	}
	return nil
}

func stringSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// indexOf returns the position of to find in vec, or -1.
func indexOf(vec []string, toFind string) int {
	for i, s := range vec {
		if s == toFind {
			return i
		}
	}
	return -1
}
