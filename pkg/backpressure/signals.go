/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package backpressure provides the shared congestion flags read by senders
// and the hysteresis tracker used by receivers to drive them.
package backpressure

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	awaitInitialInterval = time.Millisecond
	awaitMaxInterval     = 50 * time.Millisecond
)

// ErrAwaitAborted is returned by Signals.Await when its done channel closes.
var ErrAwaitAborted = errors.New("backpressure wait aborted")

// Signals is a fixed set of per-task congestion flags indexed by task id.
//
// A Signals value is shared by pointer between the owner that created it and
// every connection wired to it. Reads are eventually consistent: a sender may
// observe a flag change a few sends late.
type Signals struct {
	flags []atomic.Bool
}

// NewSignals returns a set sized for task ids in [0, n).
func NewSignals(n int) *Signals {
	if n < 0 {
		n = 0
	}
	return &Signals{flags: make([]atomic.Bool, n)}
}

// Len returns the number of tasks covered by the set.
func (s *Signals) Len() int {
	if s == nil {
		return 0
	}
	return len(s.flags)
}

// IsSet reports whether task is flagged congested. Unknown tasks are never
// congested.
func (s *Signals) IsSet(task int) bool {
	if s == nil || task < 0 || task >= len(s.flags) {
		return false
	}
	return s.flags[task].Load()
}

// Set updates the flag for task and reports whether it changed. Tasks outside
// the set are ignored.
func (s *Signals) Set(task int, congested bool) bool {
	if s == nil || task < 0 || task >= len(s.flags) {
		return false
	}
	return s.flags[task].Swap(congested) != congested
}

// Congested returns the ids of every flagged task.
func (s *Signals) Congested() []int {
	if s == nil {
		return nil
	}
	var out []int
	for i := range s.flags {
		if s.flags[i].Load() {
			out = append(out, i)
		}
	}
	return out
}

// Await blocks until task is no longer flagged, ctx is done, or done is
// closed. It polls with an exponential backoff capped at a few tens of
// milliseconds.
func (s *Signals) Await(ctx context.Context, task int, done <-chan struct{}) error {
	if !s.IsSet(task) {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = awaitInitialInterval
	b.MaxInterval = awaitMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()
	for s.IsSet(task) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return ErrAwaitAborted
		case <-timer.C:
			timer.Reset(b.NextBackOff())
		}
	}
	return nil
}
