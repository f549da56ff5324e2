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
)

var (
	// ErrConnectionClosed is returned by operations on a closed Connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnsupported is returned when an operation does not apply to the
	// connection's role, e.g. Receive on a client connection.
	ErrUnsupported = errors.New("operation not supported by this connection")
)

// IllegalStateError reports a lifecycle misuse of a Context.
type IllegalStateError struct {
	Op    string
	State string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("illegal state: %s while %s", e.Op, e.State)
}

// BindError reports a failure to create a server connection.
type BindError struct {
	Port      int
	Retryable bool
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d failed (retryable=%t): %v", e.Port, e.Retryable, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports a failure to establish a client connection.
type ConnectError struct {
	Host      string
	Port      int
	Retryable bool
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s:%d failed (retryable=%t): %v", e.Host, e.Port, e.Retryable, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DuplicateKeyError reports a registry conflict with a live connection.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("connection %q already registered", e.Key)
}

// ConfigError reports an invalid value for a recognized configuration key.
type ConfigError struct {
	Key    string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Key, e.Value, e.Reason)
}

// IsRetryable reports whether err is an establishment failure worth retrying.
func IsRetryable(err error) bool {
	var be *BindError
	if errors.As(err, &be) {
		return be.Retryable
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
