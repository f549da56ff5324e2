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

// Package api defines the contracts shared by every messaging plugin.
//
// A messaging plugin is constructed with its default constructor, prepared
// once with the worker configuration, and then asked to Bind server
// connections or Connect client connections. Term releases everything the
// plugin created.
package api

import (
	"context"
	"iter"
	"strconv"

	"github.com/srediag/plugin-messaging/pkg/backpressure"
)

// Context is the root of a messaging plugin. One Context exists per worker
// process and owns every Connection it creates.
type Context interface {
	// Prepare initializes the plugin from the worker configuration. It may be
	// called exactly once.
	Prepare(conf map[string]any) error

	// Term closes every live Connection and releases plugin-wide resources.
	Term() error

	// Bind creates a server side connection listening on port for the
	// given topology.
	Bind(topologyID string, port int) (Connection, error)

	// Connect creates a client side connection to a remote server. The
	// returned Connection is still connecting; remoteBpStatus holds one
	// flag per remote task and stays owned by the caller.
	Connect(topologyID, host string, port int, remoteBpStatus *backpressure.Signals) (Connection, error)
}

// Connection is one physical link, either accepting inbound links on a
// bound port or dialing a single remote server.
type Connection interface {
	// Send enqueues payload for delivery to taskID. It reports Congested
	// instead of enqueueing when the task is flagged and the plugin is
	// configured to reject.
	Send(ctx context.Context, taskID int, payload []byte) (SendStatus, error)

	// Receive returns a sequence of inbound messages. The sequence ends when
	// ctx is done or the connection closes.
	Receive(ctx context.Context) (iter.Seq[TaskMessage], error)

	// SendLoadMetrics pushes per-task load to every connected client.
	SendLoadMetrics(taskToLoad map[int]float64) error

	// GetLoad returns the last known load of the given remote tasks.
	GetLoad(tasks []int) map[int]Load

	// WaitReady blocks until the connection is established or has failed.
	WaitReady(ctx context.Context) error

	Port() int
	State() State
	Close() error
}

// TaskMessage is an opaque payload addressed to a task.
type TaskMessage struct {
	Task    int
	Payload []byte
}

// Load describes how busy a remote task is.
type Load struct {
	HasMetrics     bool
	BoltLoad       float64
	ConnectionLoad float64
}

// SendStatus is the outcome of a successful Send call.
type SendStatus int

const (
	Enqueued SendStatus = iota
	// Congested means the destination task is under backpressure and the
	// message was not enqueued. The caller still owns the message.
	Congested
)

func (s SendStatus) String() string {
	switch s {
	case Enqueued:
		return "enqueued"
	case Congested:
		return "congested"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateDegraded
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:  "connecting",
	StateEstablished: "established",
	StateDegraded:    "degraded",
	StateClosing:     "closing",
	StateClosed:      "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ServerKey identifies a server connection in a registry.
func ServerKey(topologyID string, port int) string {
	return topologyID + "|" + strconv.Itoa(port)
}

// ClientKey identifies a client connection in a registry.
func ClientKey(topologyID, host string, port int) string {
	return topologyID + "|" + host + ":" + strconv.Itoa(port)
}
