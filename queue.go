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

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrGateFull is returned when too many batches are already waiting
	ErrGateFull = errors.New("run gate is full")

	// ErrGateTimeout is returned when a batch waits longer than the timeout
	ErrGateTimeout = errors.New("run gate timeout exceeded")
)

// RunGate bounds how many batches run concurrently against one
// pipeline session. Every admitted batch preallocates per-request
// device state for its whole lifetime, so the gate is what keeps a
// burst of callers from exhausting device memory.
//
// Admission is first-come-first-served: a finishing batch hands its
// slot directly to the oldest waiter, so a steady stream of new
// arrivals cannot starve a batch that is already in line.
type RunGate struct {
	limit      int           // concurrent batches (0 = unlimited)
	maxWaiting int           // batches allowed in line (0 = unlimited)
	timeout    time.Duration // max time in line (0 = wait forever)

	mu      sync.Mutex
	active  int
	waiters []chan struct{} // oldest first; closed to grant a slot

	admitted int64
	rejected int64
	timedOut int64

	logger *zap.Logger
}

// RunGateConfig holds configuration for the run gate
type RunGateConfig struct {
	MaxConcurrentBatches int           // 0 = unlimited
	MaxWaitingBatches    int           // 0 = unlimited (only when MaxConcurrentBatches > 0)
	AdmissionTimeout     time.Duration // 0 = no timeout
}

// NewRunGate creates a run gate with the given configuration
func NewRunGate(config RunGateConfig, logger *zap.Logger) *RunGate {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &RunGate{
		limit:      config.MaxConcurrentBatches,
		maxWaiting: config.MaxWaitingBatches,
		timeout:    config.AdmissionTimeout,
		logger:     logger,
	}
	if g.limit > 0 {
		logger.Info("Run gate initialized",
			zap.Int("max_concurrent", g.limit),
			zap.Int("max_waiting", g.maxWaiting),
			zap.Duration("timeout", g.timeout))
	} else {
		logger.Info("Run gate disabled (unlimited concurrency)")
	}
	return g
}

// Acquire admits one batch, blocking in line if every slot is held.
// Returns a release function that must be called when the batch is
// done; the release passes the slot to the oldest waiter, if any.
func (g *RunGate) Acquire(ctx context.Context) (release func(), err error) {
	g.mu.Lock()
	if g.limit <= 0 || g.active < g.limit {
		g.active++
		g.mu.Unlock()
		return func() { g.releaseSlot(true) }, nil
	}
	if g.maxWaiting > 0 && len(g.waiters) >= g.maxWaiting {
		g.rejected++
		waiting := len(g.waiters)
		g.mu.Unlock()
		g.logger.Warn("Batch rejected: admission line full",
			zap.Int("waiting", waiting),
			zap.Int("max_waiting", g.maxWaiting))
		return nil, ErrGateFull
	}
	grant := make(chan struct{})
	g.waiters = append(g.waiters, grant)
	g.mu.Unlock()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	waitStart := time.Now()
	select {
	case <-grant:
		g.logger.Debug("Batch admitted",
			zap.Duration("wait_time", time.Since(waitStart)))
		return func() { g.releaseSlot(true) }, nil

	case <-ctx.Done():
		if g.leaveLine(grant) {
			// The grant raced the cancellation: the slot is ours and
			// must be passed on, but this batch never ran.
			g.releaseSlot(false)
		}
		if ctx.Err() == context.DeadlineExceeded {
			g.mu.Lock()
			g.timedOut++
			g.mu.Unlock()
			g.logger.Warn("Batch timed out waiting for admission",
				zap.Duration("wait_time", time.Since(waitStart)),
				zap.Duration("timeout", g.timeout))
			return nil, ErrGateTimeout
		}
		return nil, ctx.Err()
	}
}

// releaseSlot frees one slot, preferring a direct hand-off to the
// oldest waiter over decrementing the active count.
func (g *RunGate) releaseSlot(ran bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ran {
		g.admitted++
	}
	if len(g.waiters) > 0 {
		grant := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(grant)
		return
	}
	g.active--
}

// leaveLine removes an abandoned waiter. Returns true when the waiter
// was no longer in line because its grant had already been issued.
func (g *RunGate) leaveLine(grant chan struct{}) (granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == grant {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return false
		}
	}
	return true
}

// Stats returns current gate statistics
func (g *RunGate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStats{
		CurrentActive:  int64(g.active),
		CurrentWaiting: int64(len(g.waiters)),
		TotalAdmitted:  g.admitted,
		TotalRejected:  g.rejected,
		TotalTimedOut:  g.timedOut,
		MaxConcurrent:  int64(g.limit),
		MaxWaiting:     int64(g.maxWaiting),
	}
}

// GateStats holds gate statistics
type GateStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentWaiting int64 `json:"current_waiting"`
	TotalAdmitted  int64 `json:"total_admitted"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxWaiting     int64 `json:"max_waiting"`
}

// IsEnabled returns true if batch admission control is enabled
func (g *RunGate) IsEnabled() bool {
	return g.limit > 0
}
