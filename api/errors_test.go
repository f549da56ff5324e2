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

package api

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&BindError{Port: 1, Retryable: true, Err: syscall.EADDRINUSE}))
	assert.False(t, IsRetryable(&BindError{Port: 1, Err: syscall.EACCES}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &ConnectError{Host: "h", Port: 2, Retryable: true})))
	assert.False(t, IsRetryable(&ConnectError{Host: "h", Port: 2}))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorUnwrap(t *testing.T) {
	err := &BindError{Port: 6700, Err: syscall.EADDRINUSE}
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.Contains(t, err.Error(), "6700")

	cause := errors.New("refused")
	cerr := &ConnectError{Host: "worker-1", Port: 6701, Retryable: true, Err: cause}
	assert.ErrorIs(t, cerr, cause)
	assert.Equal(t, "connect worker-1:6701 failed (retryable=true): refused", cerr.Error())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "topo-1|6700", ServerKey("topo-1", 6700))
	assert.Equal(t, "topo-1|worker-2:6700", ClientKey("topo-1", "worker-2", 6700))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "established", StateEstablished.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "congested", Congested.String())
	assert.Equal(t, "enqueued", Enqueued.String())
	assert.Equal(t, "illegal state: bind while terminated", (&IllegalStateError{Op: "bind", State: "terminated"}).Error())
}
