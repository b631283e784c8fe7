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

	"github.com/antflydb/relay/lib/ort"
)

// Error kinds surfaced by Run. Worker-side failures are carried inside
// tokens rather than thrown across goroutines.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConfig          = errors.New("configuration error")
	ErrMissingOutput   = errors.New("missing output")
	ErrTimeout         = errors.New("response timeout")
)

// valueHandle pairs a tensor with ownership. Borrowed handles (the
// caller-supplied first-step inputs) are never destroyed by the engine.
type valueHandle struct {
	val   ort.Value
	owned bool
}

func owned(v ort.Value) valueHandle    { return valueHandle{val: v, owned: true} }
func borrowed(v ort.Value) valueHandle { return valueHandle{val: v, owned: false} }

func (h valueHandle) release() {
	if h.owned && h.val != nil {
		_ = h.val.Destroy()
	}
}

// Token is the unit of work passed between a stage worker and the
// dispatch loop. Names and Values are parallel: Values[i] is supplied
// to the next stage under input name Names[i]. Each request reuses a
// single Token across all its steps and stages.
type Token struct {
	ReqID  uint64
	StepID int

	Names  []string
	Values []valueHandle

	// Err is non-nil when a stage worker failed; the dispatch loop
	// fails the whole batch on the first errored token it pops.
	Err error
}

func (t *Token) init(reqID uint64, stepID int, names []string, values []valueHandle) {
	t.ReqID = reqID
	t.StepID = stepID
	t.Names = names
	t.Values = values
	t.Err = nil
}

// clear releases owned values and empties the payload.
func (t *Token) clear() {
	for _, h := range t.Values {
		h.release()
	}
	t.Names = nil
	t.Values = nil
	t.Err = nil
}

func (t *Token) append(name string, h valueHandle) {
	t.Names = append(t.Names, name)
	t.Values = append(t.Values, h)
}

// find returns the handle carried under the given name.
func (t *Token) find(name string) (valueHandle, bool) {
	if i := indexOf(t.Names, name); i >= 0 {
		return t.Values[i], true
	}
	return valueHandle{}, false
}

// take removes and returns the handle carried under the given name,
// transferring ownership to the caller.
func (t *Token) take(name string) (valueHandle, bool) {
	i := indexOf(t.Names, name)
	if i < 0 {
		return valueHandle{}, false
	}
	h := t.Values[i]
	t.Names = append(t.Names[:i], t.Names[i+1:]...)
	t.Values = append(t.Values[:i], t.Values[i+1:]...)
	return h, true
}

func (t *Token) String() string {
	return fmt.Sprintf("token(req=%d step=%d carries=%v)", t.ReqID, t.StepID, t.Names)
}
