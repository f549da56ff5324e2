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

package local

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/internal/queue"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
	"github.com/srediag/plugin-messaging/plugin"
)

var _ api.Connection = (*Server)(nil)

// Server is a local bound port.
type Server struct {
	owner      *Context
	topologyID string
	port       int
	key        string

	inbound   *queue.Bounded[api.TaskMessage]
	watermark *backpressure.Watermark

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newServer(owner *Context, topologyID string, port int) (*Server, error) {
	conf := owner.conf
	inbound, err := queue.NewBounded[api.TaskMessage](conf.ReceiveQueueSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		owner:      owner,
		topologyID: topologyID,
		port:       port,
		key:        api.ServerKey(topologyID, port),
		inbound:    inbound,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[*Client]struct{}),
	}
	s.watermark, err = backpressure.NewWatermark(conf.TaskQueueSize, conf.HighWatermark, conf.LowWatermark, s.onTransition)
	if err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// attach links cl to s and hands it the current congested set. It fails once
// s is closed.
func (s *Server) attach(cl *Client) bool {
	ok := false
	s.watermark.Snapshot(func(congested []int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.clients == nil {
			return
		}
		for _, t := range congested {
			cl.flag(t, true)
		}
		s.clients[cl] = struct{}{}
		cl.established(s)
		ok = true
	})
	return ok
}

func (s *Server) detach(cl *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients != nil {
		delete(s.clients, cl)
	}
}

// onTransition runs under the watermark lock.
func (s *Server) onTransition(task int, congested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		cl.flag(task, congested)
	}
}

func (s *Server) deliver(ctx context.Context, m api.TaskMessage) error {
	s.watermark.Inc(m.Task)
	if err := s.inbound.Put(ctx, m); err != nil {
		s.watermark.Dec(m.Task)
		return err
	}
	return nil
}

// Send is not supported: the data path runs from clients to servers.
func (s *Server) Send(context.Context, int, []byte) (api.SendStatus, error) {
	if s.Closed() {
		return api.Enqueued, api.ErrConnectionClosed
	}
	return api.Enqueued, api.ErrUnsupported
}

// Recv blocks until a message is available, ctx is done, or s closes.
func (s *Server) Recv(ctx context.Context) (api.TaskMessage, error) {
	if s.Closed() {
		return api.TaskMessage{}, api.ErrConnectionClosed
	}
	items, err := s.inbound.Poll(ctx, 1)
	if err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return api.TaskMessage{}, api.ErrConnectionClosed
		}
		return api.TaskMessage{}, err
	}
	m := items[0]
	s.inbound.Release(1)
	s.watermark.Dec(m.Task)
	return m, nil
}

func (s *Server) Receive(ctx context.Context) (iter.Seq[api.TaskMessage], error) {
	if s.Closed() {
		return nil, api.ErrConnectionClosed
	}
	return func(yield func(api.TaskMessage) bool) {
		for {
			m, err := s.Recv(ctx)
			if err != nil || !yield(m) {
				return
			}
		}
	}, nil
}

func (s *Server) SendLoadMetrics(taskToLoad map[int]float64) error {
	if s.Closed() {
		return api.ErrConnectionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		cl.storeLoad(taskToLoad)
	}
	return nil
}

func (s *Server) GetLoad([]int) map[int]api.Load { return map[int]api.Load{} }

func (s *Server) WaitReady(context.Context) error {
	if s.Closed() {
		return api.ErrConnectionClosed
	}
	return nil
}

func (s *Server) Port() int { return s.port }

func (s *Server) State() api.State {
	if s.Closed() {
		return api.StateClosed
	}
	return api.StateEstablished
}

func (s *Server) Closed() bool { return s.closed.Load() }

// Close releases the port and closes every attached client.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		hub.RemoveCb(hubKey(s.port), func(_ string, v *Server, exists bool) bool {
			return exists && v == s
		})
		s.mu.Lock()
		clients := s.clients
		s.clients = nil
		s.mu.Unlock()
		for cl := range clients {
			cl.serverGone()
		}
		s.inbound.Dispose()
		s.watermark.Reset()
		s.owner.servers.UnregisterIf(s.key, s)
	})
	return nil
}

var _ api.Connection = (*Client)(nil)

// Client is a local connection attached to one Server.
type Client struct {
	owner      *Context
	policy     plugin.BackpressurePolicy
	topologyID string
	host       string
	port       int
	key        string
	signals    *backpressure.Signals

	ctx    context.Context
	cancel context.CancelFunc

	server   atomic.Pointer[Server]
	state    atomic.Int32
	readyErr error
	ready    chan struct{}
	once     sync.Once

	flagMu  sync.Mutex
	flagged map[int]struct{}

	loadMu sync.RWMutex
	loads  map[int]float64
}

func newClient(owner *Context, topologyID, host string, port int, signals *backpressure.Signals) *Client {
	if signals == nil {
		signals = backpressure.NewSignals(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		owner:      owner,
		policy:     owner.conf.BackpressurePolicy,
		topologyID: topologyID,
		host:       host,
		port:       port,
		key:        api.ClientKey(topologyID, host, port),
		signals:    signals,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		flagged:    make(map[int]struct{}),
		loads:      make(map[int]float64),
	}
	c.state.Store(int32(api.StateConnecting))
	return c
}

func (c *Client) established(s *Server) {
	c.server.Store(s)
	if c.state.CompareAndSwap(int32(api.StateConnecting), int32(api.StateEstablished)) {
		c.setReady(nil)
	}
}

func (c *Client) fail(err error) {
	c.setReady(err)
	c.finish()
}

func (c *Client) setReady(err error) {
	c.once.Do(func() {
		c.readyErr = err
		close(c.ready)
	})
}

func (c *Client) flag(task int, congested bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	c.signals.Set(task, congested)
	if congested {
		c.flagged[task] = struct{}{}
	} else {
		delete(c.flagged, task)
	}
}

func (c *Client) storeLoad(loads map[int]float64) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	for t, l := range loads {
		c.loads[t] = l
	}
}

func (c *Client) Send(ctx context.Context, taskID int, payload []byte) (api.SendStatus, error) {
	s := c.server.Load()
	if c.Closed() || s == nil {
		return api.Enqueued, api.ErrConnectionClosed
	}
	if c.signals.IsSet(taskID) {
		if c.policy == plugin.PolicyReject {
			return api.Congested, nil
		}
		if err := c.signals.Await(ctx, taskID, c.ctx.Done()); err != nil {
			if errors.Is(err, backpressure.ErrAwaitAborted) {
				return api.Enqueued, api.ErrConnectionClosed
			}
			return api.Enqueued, err
		}
	}
	putCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	if err := s.deliver(putCtx, api.TaskMessage{Task: taskID, Payload: payload}); err != nil {
		if errors.Is(err, queue.ErrDisposed) || c.ctx.Err() != nil {
			return api.Enqueued, api.ErrConnectionClosed
		}
		return api.Enqueued, err
	}
	return api.Enqueued, nil
}

func (c *Client) Receive(context.Context) (iter.Seq[api.TaskMessage], error) {
	if c.Closed() {
		return nil, api.ErrConnectionClosed
	}
	return nil, api.ErrUnsupported
}

func (c *Client) SendLoadMetrics(map[int]float64) error {
	if c.Closed() {
		return api.ErrConnectionClosed
	}
	return api.ErrUnsupported
}

// GetLoad reports the load the server last published. ConnectionLoad is
// always zero: nothing queues on the client side.
func (c *Client) GetLoad(tasks []int) map[int]api.Load {
	c.loadMu.RLock()
	defer c.loadMu.RUnlock()
	out := make(map[int]api.Load, len(tasks))
	for _, t := range tasks {
		if l, ok := c.loads[t]; ok {
			out[t] = api.Load{HasMetrics: true, BoltLoad: l}
		}
	}
	return out
}

func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		if c.readyErr == nil && c.State() == api.StateClosed {
			return api.ErrConnectionClosed
		}
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Port() int { return c.port }

func (c *Client) State() api.State { return api.State(c.state.Load()) }

func (c *Client) Closed() bool { return c.State() >= api.StateClosing }

func (c *Client) Close() error {
	if s := c.server.Load(); s != nil {
		s.detach(c)
	}
	c.finish()
	return nil
}

func (c *Client) serverGone() {
	c.owner.log.Infof("%s: server closed", c.key)
	c.finish()
}

func (c *Client) finish() {
	if c.state.Swap(int32(api.StateClosed)) == int32(api.StateClosed) {
		return
	}
	c.setReady(api.ErrConnectionClosed)
	c.cancel()
	c.flagMu.Lock()
	for t := range c.flagged {
		c.signals.Set(t, false)
	}
	c.flagged = make(map[int]struct{})
	c.flagMu.Unlock()
	c.owner.clients.UnregisterIf(c.key, c)
}
