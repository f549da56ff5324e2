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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBounded_InvalidCapacity(t *testing.T) {
	_, err := NewBounded[int](0)
	assert.Error(t, err)
}

func TestBounded_FIFO(t *testing.T) {
	q, err := NewBounded[int](100)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Put(ctx, i))
	}
	assert.Equal(t, 100, q.Len())

	next := 0
	for next < 100 {
		items, err := q.Poll(ctx, 30)
		require.NoError(t, err)
		for _, v := range items {
			assert.Equal(t, next, v, "queue pop order")
			next++
		}
		q.Release(len(items))
	}
}

func TestBounded_PutBlocksUntilRelease(t *testing.T) {
	q, err := NewBounded[int](2)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, 1))
	require.NoError(t, q.Put(ctx, 2))

	full, cancelFull := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancelFull()
	assert.ErrorIs(t, q.Put(full, 3), context.DeadlineExceeded, "queue full")

	// Poll without Release keeps the slots reserved.
	items, err := q.Poll(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(tctx, 3), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- q.Put(ctx, 3) }()
	q.Release(1)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put still blocked after Release")
	}
}

func TestBounded_PollContext(t *testing.T) {
	q, err := NewBounded[int](4)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = q.Poll(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBounded_DisposeWakesPollers(t *testing.T) {
	q, err := NewBounded[int](4)
	require.NoError(t, err)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Poll(context.Background(), 1)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Dispose()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrDisposed)
	}
	assert.ErrorIs(t, q.Put(context.Background(), 1), ErrDisposed)
}
