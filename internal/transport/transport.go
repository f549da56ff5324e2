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

// Package transport holds low-level socket helpers for the TCP plugin.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

const keepAlivePeriod = 30 * time.Second

// Listen opens a TCP listener on port with the platform socket options
// applied (address reuse where supported).
func Listen(ctx context.Context, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlListener, KeepAlive: keepAlivePeriod}
	return lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
}

// Dial connects to addr, giving up when ctx is done.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: keepAlivePeriod}
	return d.DialContext(ctx, "tcp", addr)
}

// Tune disables Nagle and sizes the kernel buffers of a TCP connection.
// Non-TCP connections are left untouched.
func Tune(conn net.Conn, bufferSize int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	var errs []error
	if err := tc.SetNoDelay(true); err != nil {
		errs = append(errs, err)
	}
	if bufferSize > 0 {
		if err := tc.SetReadBuffer(bufferSize); err != nil {
			errs = append(errs, err)
		}
		if err := tc.SetWriteBuffer(bufferSize); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAddrInUse reports whether err comes from binding a port already taken.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
