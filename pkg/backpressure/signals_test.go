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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignals_SetAndIsSet(t *testing.T) {
	s := NewSignals(4)
	assert.Equal(t, 4, s.Len())
	assert.False(t, s.IsSet(2))

	assert.True(t, s.Set(2, true))
	assert.False(t, s.Set(2, true), "setting the same value is not a change")
	assert.True(t, s.IsSet(2))
	assert.Equal(t, []int{2}, s.Congested())

	assert.True(t, s.Set(2, false))
	assert.False(t, s.IsSet(2))
	assert.Empty(t, s.Congested())
}

func TestSignals_OutOfRange(t *testing.T) {
	s := NewSignals(2)
	assert.False(t, s.Set(-1, true))
	assert.False(t, s.Set(2, true))
	assert.False(t, s.IsSet(-1))
	assert.False(t, s.IsSet(100))

	var nilSet *Signals
	assert.Equal(t, 0, nilSet.Len())
	assert.False(t, nilSet.IsSet(0))
	assert.False(t, nilSet.Set(0, true))
	assert.Nil(t, nilSet.Congested())

	assert.Equal(t, 0, NewSignals(-3).Len())
}

func TestSignals_ConcurrentAccess(t *testing.T) {
	s := NewSignals(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				task := (w*7 + i) % 64
				s.Set(task, i%2 == 0)
				_ = s.IsSet(task)
			}
		}(w)
	}
	wg.Wait()
}

func TestSignals_AwaitReturnsWhenCleared(t *testing.T) {
	s := NewSignals(1)
	s.Set(0, true)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Set(0, false)
	}()
	start := time.Now()
	require.NoError(t, s.Await(context.Background(), 0, nil))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestSignals_AwaitNotFlagged(t *testing.T) {
	s := NewSignals(1)
	assert.NoError(t, s.Await(context.Background(), 0, nil))
}

func TestSignals_AwaitContextDone(t *testing.T) {
	s := NewSignals(1)
	s.Set(0, true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Await(ctx, 0, nil), context.DeadlineExceeded)
}

func TestSignals_AwaitAborted(t *testing.T) {
	s := NewSignals(1)
	s.Set(0, true)
	done := make(chan struct{})
	time.AfterFunc(10*time.Millisecond, func() { close(done) })
	assert.ErrorIs(t, s.Await(context.Background(), 0, done), ErrAwaitAborted)
}
