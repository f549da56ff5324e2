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

// Package lifecycle guards the one-way prepare/terminate lifecycle of a
// messaging plugin.
package lifecycle

import (
	"sync/atomic"

	"github.com/srediag/plugin-messaging/api"
)

// State of a plugin.
type State int32

const (
	Uninitialized State = iota
	Preparing
	Prepared
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Guard is a lock-free lifecycle state holder. The zero value is
// Uninitialized.
type Guard struct {
	state atomic.Int32
}

// Current returns the current state.
func (g *Guard) Current() State {
	return State(g.state.Load())
}

// Transition moves from one state to another, failing with an
// IllegalStateError naming op when the guard is not in from.
func (g *Guard) Transition(op string, from, to State) error {
	if g.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	return &api.IllegalStateError{Op: op, State: g.Current().String()}
}

// Require fails with an IllegalStateError unless the guard is in want.
func (g *Guard) Require(op string, want State) error {
	if cur := g.Current(); cur != want {
		return &api.IllegalStateError{Op: op, State: cur.String()}
	}
	return nil
}
