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

// Package queue provides the bounded message queues behind connections.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sync/semaphore"
)

// pollSlice bounds how long a Poll waits before re-checking its context.
const pollSlice = 50 * time.Millisecond

// ErrDisposed is returned once the queue has been disposed.
var ErrDisposed = errors.New("queue disposed")

// Bounded is a FIFO queue holding at most capacity reserved items.
//
// A slot is reserved by Put and given back by Release, not by Poll: the
// consumer decides when an item stops counting against the bound (after it
// has been written to the wire, for instance).
type Bounded[T any] struct {
	q        *queuepkg.Queue
	slots    *semaphore.Weighted
	capacity int64
}

// NewBounded returns a queue of the given capacity.
func NewBounded[T any](capacity int) (*Bounded[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	hint := int64(capacity)
	if hint > 1024 {
		hint = 1024
	}
	return &Bounded[T]{
		q:        queuepkg.New(hint),
		slots:    semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Cap returns the capacity.
func (b *Bounded[T]) Cap() int {
	return int(b.capacity)
}

// Put reserves a slot, blocking while the queue is full, then appends v.
func (b *Bounded[T]) Put(ctx context.Context, v T) error {
	if b.q.Disposed() {
		return ErrDisposed
	}
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := b.q.Put(v); err != nil {
		b.slots.Release(1)
		if errors.Is(err, queuepkg.ErrDisposed) {
			return ErrDisposed
		}
		return err
	}
	return nil
}

// Poll removes up to n items, waiting until at least one is available, ctx
// is done, or the queue is disposed. Slots stay reserved until Release.
func (b *Bounded[T]) Poll(ctx context.Context, n int) ([]T, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items, err := b.q.Poll(int64(n), pollSlice)
		switch {
		case err == nil:
			out := make([]T, 0, len(items))
			for _, it := range items {
				out = append(out, it.(T))
			}
			return out, nil
		case errors.Is(err, queuepkg.ErrTimeout):
			continue
		case errors.Is(err, queuepkg.ErrDisposed):
			return nil, ErrDisposed
		default:
			return nil, err
		}
	}
}

// Release gives back n slots.
func (b *Bounded[T]) Release(n int) {
	if n > 0 {
		b.slots.Release(int64(n))
	}
}

// Len returns the number of queued items, not counting items polled but not
// yet released.
func (b *Bounded[T]) Len() int {
	return int(b.q.Len())
}

// Dispose drops every queued item and wakes all waiting pollers.
func (b *Bounded[T]) Dispose() {
	b.q.Dispose()
}
