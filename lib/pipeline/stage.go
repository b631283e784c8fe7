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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/antflydb/relay/lib/ort"
)

// Stage is a bounded worker pool pinned to one device. Tasks execute in
// FIFO order; with the default single worker all work for a stage is
// serialized on its device, which keeps the ping-pong state scheme
// race-free and avoids cross-stream synchronization.
type Stage struct {
	deviceID int
	rt       ort.Runtime
	logger   *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	active  int
	closed  bool
	workers sync.WaitGroup

	scheduled atomic.Int64
}

// NewStage starts workers goroutines servicing the stage's queue. Each
// worker pins its device before every task because one worker thread
// services many frames.
func NewStage(deviceID, workers int, rt ort.Runtime, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	s := &Stage{
		deviceID: deviceID,
		rt:       rt,
		logger:   logger,
	}
	s.cond = sync.NewCond(&s.mu)
	s.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go s.workerLoop()
	}
	return s
}

// ScheduleTask enqueues a task and returns immediately.
func (s *Stage) ScheduleTask(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("Task scheduled on closed stage dropped", zap.Int("device", s.deviceID))
		return
	}
	s.queue = append(s.queue, task)
	s.scheduled.Add(1)
	// Broadcast, not Signal: drainers share the condition variable and
	// must not swallow a worker wakeup.
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Scheduled returns the number of tasks accepted so far.
func (s *Stage) Scheduled() int64 { return s.scheduled.Load() }

func (s *Stage) workerLoop() {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.active++
		s.mu.Unlock()

		if err := s.rt.SetCurrentDevice(s.deviceID); err != nil {
			s.logger.Error("Failed to pin device", zap.Int("device", s.deviceID), zap.Error(err))
		}
		task()

		s.mu.Lock()
		s.active--
		if len(s.queue) == 0 && s.active == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// DrainAllInflightRequests blocks until the queue is empty and every
// in-flight task has returned. Idempotent.
func (s *Stage) DrainAllInflightRequests() {
	s.mu.Lock()
	for len(s.queue) > 0 || s.active > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Close drains the stage and stops its workers.
func (s *Stage) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.workers.Wait()
}
