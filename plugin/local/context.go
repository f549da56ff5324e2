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

// Package local is an in-process messaging plugin, registered as "local".
//
// Servers live in a process-wide hub keyed by port. Clients attach to the
// server directly: sends land in the server's inbound queue, and congestion
// flips the client's backpressure flags without any frames in between.
package local

import (
	"errors"
	"io"
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/internal/logging"
	"github.com/srediag/plugin-messaging/internal/registry"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
	"github.com/srediag/plugin-messaging/pkg/lifecycle"
	"github.com/srediag/plugin-messaging/pkg/transport"
	"github.com/srediag/plugin-messaging/plugin"
)

// Name is the name the plugin registers under.
const Name = "local"

// firstEphemeralPort is where port 0 allocation starts.
const firstEphemeralPort = 49152

var (
	hub      = cmap.New[*Server]()
	nextPort atomic.Int32

	errPortInUse  = errors.New("port already bound in this process")
	errNoListener = errors.New("no local server bound on port")
)

func init() {
	nextPort.Store(firstEphemeralPort)
	transport.Register(Name, func() api.Context { return New(nil) })
}

func hubKey(port int) string {
	return strconv.Itoa(port)
}

var _ api.Context = (*Context)(nil)

// Context is the local messaging plugin.
type Context struct {
	guard lifecycle.Guard
	conf  *plugin.Config

	servers *registry.Registry[*Server]
	clients *registry.Registry[*Client]
	log     *logging.Logger
}

// New returns an unprepared Context logging to out, or stdout when nil.
func New(out io.Writer) *Context {
	return &Context{
		servers: registry.New[*Server](),
		clients: registry.New[*Client](),
		log:     logging.New("messaging.local", out),
	}
}

// Prepare parses conf with the same keys as the TCP plugin.
func (c *Context) Prepare(conf map[string]any) error {
	if err := c.guard.Transition("prepare", lifecycle.Uninitialized, lifecycle.Preparing); err != nil {
		return err
	}
	cfg, err := plugin.ParseConfig(conf)
	if err != nil {
		_ = c.guard.Transition("prepare", lifecycle.Preparing, lifecycle.Uninitialized)
		return err
	}
	c.conf = cfg
	return c.guard.Transition("prepare", lifecycle.Preparing, lifecycle.Prepared)
}

// Term closes every server and client this Context created.
func (c *Context) Term() error {
	if err := c.guard.Transition("term", lifecycle.Prepared, lifecycle.Terminated); err != nil {
		return err
	}
	c.log.Infof("terminating %d servers and %d clients", c.servers.Len(), c.clients.Len())
	var errs error
	if err := c.servers.CloseAll(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.clients.CloseAll(); err != nil {
		c.log.Warnf("term: %v", err)
	}
	return errs
}

// Bind claims port in the process-wide hub.
func (c *Context) Bind(topologyID string, port int) (api.Connection, error) {
	if err := c.guard.Require("bind", lifecycle.Prepared); err != nil {
		return nil, err
	}
	if port != 0 && c.servers.Live(api.ServerKey(topologyID, port)) {
		return nil, &api.DuplicateKeyError{Key: api.ServerKey(topologyID, port)}
	}
	s, err := c.claim(topologyID, port)
	if err != nil {
		return nil, err
	}
	if err := c.servers.Register(s.key, s); err != nil {
		_ = s.Close()
		return nil, err
	}
	high, low := s.watermark.Marks()
	c.log.Infof("bound %s, per-task watermarks high=%d low=%d", s.key, high, low)
	return s, nil
}

func (c *Context) claim(topologyID string, port int) (*Server, error) {
	if port != 0 {
		s, err := newServer(c, topologyID, port)
		if err != nil {
			return nil, &api.BindError{Port: port, Err: err}
		}
		if !hub.SetIfAbsent(hubKey(port), s) {
			return nil, &api.BindError{Port: port, Retryable: true, Err: errPortInUse}
		}
		return s, nil
	}
	for {
		p := int(nextPort.Add(1))
		if p > 65535 {
			return nil, &api.BindError{Port: port, Retryable: true, Err: errors.New("ephemeral ports exhausted")}
		}
		s, err := newServer(c, topologyID, p)
		if err != nil {
			return nil, &api.BindError{Port: port, Err: err}
		}
		if hub.SetIfAbsent(hubKey(p), s) {
			return s, nil
		}
	}
}

// Connect attaches to the server bound on port. The host is not checked: every
// local server is reachable. Failures are reported through WaitReady.
func (c *Context) Connect(topologyID, host string, port int, remoteBpStatus *backpressure.Signals) (api.Connection, error) {
	if err := c.guard.Require("connect", lifecycle.Prepared); err != nil {
		return nil, err
	}
	key := api.ClientKey(topologyID, host, port)
	if c.clients.Live(key) {
		return nil, &api.DuplicateKeyError{Key: key}
	}
	cl := newClient(c, topologyID, host, port, remoteBpStatus)
	s, ok := hub.Get(hubKey(port))
	switch {
	case !ok || s.Closed():
		cl.fail(&api.ConnectError{Host: host, Port: port, Retryable: true, Err: errNoListener})
		return cl, nil
	case s.topologyID != topologyID:
		cl.fail(&api.ConnectError{Host: host, Port: port,
			Err: errors.New("rejected by server: topology " + strconv.Quote(topologyID) + " is not served on port " + strconv.Itoa(port))})
		return cl, nil
	}
	if err := c.clients.Register(key, cl); err != nil {
		return nil, err
	}
	if !s.attach(cl) {
		cl.fail(&api.ConnectError{Host: host, Port: port, Retryable: true, Err: api.ErrConnectionClosed})
		return cl, nil
	}
	c.log.Debugf("attached %s with %d backpressure flags", key, cl.signals.Len())
	return cl, nil
}
