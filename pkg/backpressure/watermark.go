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

package backpressure

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// NotifyFunc is called on every congestion transition of a task. It runs
// while the Watermark lock is held, so transitions are delivered in order.
type NotifyFunc func(task int, congested bool)

// Watermark counts queued messages per task and flips a task to congested
// once its depth reaches the high mark, and back once it drains to the low
// mark. The gap between the marks keeps the flag from flapping.
type Watermark struct {
	high, low int
	notify    NotifyFunc

	mu        sync.Mutex
	depth     map[int]int
	congested map[int]struct{}
}

// NewWatermark builds a tracker for a per-task budget of capacity messages,
// with highFrac and lowFrac expressed as fractions of that budget.
func NewWatermark(capacity int, highFrac, lowFrac float64, notify NotifyFunc) (*Watermark, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("watermark capacity must be positive, got %d", capacity)
	}
	if highFrac <= 0 || highFrac > 1 || lowFrac < 0 || lowFrac >= highFrac {
		return nil, fmt.Errorf("watermarks must satisfy 0 <= low < high <= 1, got low=%v high=%v", lowFrac, highFrac)
	}
	high := int(math.Ceil(float64(capacity) * highFrac))
	low := int(math.Floor(float64(capacity) * lowFrac))
	if high < 1 {
		high = 1
	}
	if low >= high {
		low = high - 1
	}
	if notify == nil {
		notify = func(int, bool) {}
	}
	return &Watermark{
		high:      high,
		low:       low,
		notify:    notify,
		depth:     make(map[int]int),
		congested: make(map[int]struct{}),
	}, nil
}

// Marks returns the absolute high and low depths.
func (w *Watermark) Marks() (high, low int) {
	return w.high, w.low
}

// Inc records one more queued message for task.
func (w *Watermark) Inc(task int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.depth[task] + 1
	w.depth[task] = d
	if _, ok := w.congested[task]; !ok && d >= w.high {
		w.congested[task] = struct{}{}
		w.notify(task, true)
	}
}

// Dec records one message for task leaving the queue.
func (w *Watermark) Dec(task int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.depth[task] - 1
	if d <= 0 {
		delete(w.depth, task)
		d = 0
	} else {
		w.depth[task] = d
	}
	if _, ok := w.congested[task]; ok && d <= w.low {
		delete(w.congested, task)
		w.notify(task, false)
	}
}

// depthOf returns the current queued count for task.
func (w *Watermark) depthOf(task int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.depth[task]
}

// isCongested reports whether task is currently flagged.
func (w *Watermark) isCongested(task int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.congested[task]
	return ok
}

// Snapshot calls fn with the sorted congested tasks while holding the lock,
// so no transition can interleave with whatever fn publishes.
func (w *Watermark) Snapshot(fn func(congested []int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make([]int, 0, len(w.congested))
	for t := range w.congested {
		tasks = append(tasks, t)
	}
	sort.Ints(tasks)
	fn(tasks)
}

// Reset forgets every depth and clears every congested task, notifying each.
func (w *Watermark) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for t := range w.congested {
		w.notify(t, false)
	}
	w.depth = make(map[int]int)
	w.congested = make(map[int]struct{})
}
