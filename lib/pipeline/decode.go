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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/antflydb/relay/lib/ort"
)

// nextInputIDs computes the greedy next token per batch lane from the
// last time-step's vocabulary slice of the logits, and reports whether
// every lane predicted the EOS token. Ties resolve to the lowest index.
func nextInputIDs(logits ort.Value, batchSize int, eosToken int64) (ids []int64, allEOS bool, err error) {
	shape := logits.Shape()
	if len(shape) != 3 {
		return nil, false, fmt.Errorf("logits shape %v is not [batch, seq, vocab]", shape)
	}
	seqLen := int(shape[1])
	vocab := int(shape[2])
	if int(shape[0]) != batchSize {
		return nil, false, fmt.Errorf("logits batch %d does not match request batch %d", shape[0], batchSize)
	}

	at, err := logitReader(logits)
	if err != nil {
		return nil, false, err
	}

	ids = make([]int64, 0, batchSize)
	eosCount := 0
	for b := 0; b < batchSize; b++ {
		base := (b*seqLen + seqLen - 1) * vocab
		maxIdx := int64(0)
		maxVal := at(base)
		for v := 1; v < vocab; v++ {
			if x := at(base + v); x > maxVal {
				maxVal = x
				maxIdx = int64(v)
			}
		}
		if maxIdx == eosToken {
			eosCount++
		}
		ids = append(ids, maxIdx)
	}
	return ids, eosCount == batchSize, nil
}

// logitReader returns an accessor over the logits elements as float32.
// Half-precision logits are compared after widening, matching the
// numeric semantics of the decoding convention.
func logitReader(logits ort.Value) (func(i int) float32, error) {
	raw := logits.Bytes()
	switch logits.Type() {
	case ort.ElementTypeFloat16:
		return func(i int) float32 {
			return float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}, nil
	case ort.ElementTypeFloat32:
		return func(i int) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported logits element type %s", logits.Type())
	}
}

// nextPositionIDs fills dst with the position id for the upcoming step.
// Every lane is at the same temporal position: the token generated by
// step stepID sits at origInputSeqLen + stepID - 1, so the first
// generated token takes the position right after the prompt.
func nextPositionIDs(batchSize, origInputSeqLen, stepID int, dst []int64) []int64 {
	pos := int64(origInputSeqLen + stepID - 1)
	dst = dst[:0]
	for i := 0; i < batchSize; i++ {
		dst = append(dst, pos)
	}
	return dst
}
