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

package plugin

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/internal/logging"
	"github.com/srediag/plugin-messaging/internal/queue"
	sock "github.com/srediag/plugin-messaging/internal/transport"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
)

const (
	// maxMessagePayload is the largest payload that fits a single batch frame.
	maxMessagePayload = maxFramePayload - 1 - 4 - batchEntryHeader
	// pollBatch caps the messages the writer takes from the queue at once.
	pollBatch   = 512
	drainPeriod = 5 * time.Millisecond
)

var _ api.Connection = (*Client)(nil)

// Client is a connection to one remote server. Messages queue up while the
// link is connecting or degraded and are written once it is established.
type Client struct {
	owner      *Context
	conf       *Config
	topologyID string
	host       string
	port       int
	key        string
	addr       string
	signals    *backpressure.Signals
	log        *logging.Logger

	outbound *queue.Bounded[api.TaskMessage]
	// inflight counts messages accepted by Send and not yet written.
	inflight atomic.Int64
	// pending is owned by the run goroutine: polled but not yet written.
	pending []api.TaskMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	state      atomic.Int32
	closeOnce  sync.Once
	finishOnce sync.Once

	flagMu  sync.Mutex
	flagged map[int]struct{}

	loadMu sync.RWMutex
	loads  map[int]float64

	sent       prometheus.Counter
	sentBytes  prometheus.Counter
	reconnects prometheus.Counter
}

func newClient(owner *Context, topologyID, host string, port int, signals *backpressure.Signals) (*Client, error) {
	conf := owner.conf
	outbound, err := queue.NewBounded[api.TaskMessage](conf.SendQueueSize)
	if err != nil {
		return nil, err
	}
	if signals == nil {
		signals = backpressure.NewSignals(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	m := owner.metrics
	c := &Client{
		owner:      owner,
		conf:       conf,
		topologyID: topologyID,
		host:       host,
		port:       port,
		key:        api.ClientKey(topologyID, host, port),
		addr:       addr,
		signals:    signals,
		log:        owner.log.Named(fmt.Sprintf("client[%s@%s]", topologyID, addr)),
		outbound:   outbound,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		flagged:    make(map[int]struct{}),
		loads:      make(map[int]float64),
		sent:       m.messagesSent.WithLabelValues(topologyID),
		sentBytes:  m.bytesSent.WithLabelValues(topologyID),
		reconnects: m.reconnects.WithLabelValues(topologyID),
	}
	c.state.Store(int32(api.StateConnecting))
	m.connections.WithLabelValues(roleClient).Inc()
	return c, nil
}

func (c *Client) run() {
	defer close(c.done)
	defer c.finish()

	conn, err := c.establish(1)
	if err != nil {
		if c.ctx.Err() != nil {
			err = api.ErrConnectionClosed
		}
		c.setReady(err)
		c.log.Warnf("connect failed: %v", err)
		return
	}
	c.state.CompareAndSwap(int32(api.StateConnecting), int32(api.StateEstablished))
	c.setReady(nil)
	c.log.Infof("established")

	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		if !c.state.CompareAndSwap(int32(api.StateEstablished), int32(api.StateDegraded)) {
			return
		}
		c.reconnects.Inc()
		c.log.Warnf("link lost, reconnecting: %v", err)

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Errorf("giving up after %d reconnect attempts: %v", c.conf.MaxRetries, err)
			}
			return
		}
		if !c.state.CompareAndSwap(int32(api.StateDegraded), int32(api.StateEstablished)) {
			_ = conn.Close()
			return
		}
		c.log.Infof("re-established, retransmitting %d messages", len(c.pending))
	}
}

// establish dials and handshakes within the connect timeout.
func (c *Client) establish(attempt int) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.conf.ConnectTimeout)
	defer cancel()
	ctx, span := c.owner.tracer.Start(ctx, "messaging.connect", trace.WithAttributes(
		attribute.String("messaging.topology", c.topologyID),
		attribute.String("net.peer.addr", c.addr),
		attribute.Int("messaging.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	conn, err := c.dialAndHandshake(ctx)
	c.owner.instruments.connectDuration.Record(context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("messaging.topology", c.topologyID),
			attribute.Bool("messaging.established", err == nil),
		))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conn, nil
}

func (c *Client) dialAndHandshake(ctx context.Context) (net.Conn, error) {
	conn, err := sock.Dial(ctx, c.addr)
	if err != nil {
		return nil, c.connectError(true, err)
	}
	if err := sock.Tune(conn, c.conf.SocketBufferSize); err != nil {
		c.log.Debugf("tune: %v", err)
	}
	// Unblock the handshake as soon as ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	hello, err := encodeHello(c.topologyID)
	if err != nil {
		_ = conn.Close()
		return nil, c.connectError(false, err)
	}
	if err := writeFrame(conn, tagHello, hello); err != nil {
		_ = conn.Close()
		return nil, c.connectError(true, err)
	}
	tag, payload, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, c.connectError(true, err)
	}
	switch tag {
	case tagHelloAck:
	case tagReject:
		_ = conn.Close()
		reason, derr := decodeString(payload)
		if derr != nil {
			reason = derr.Error()
		}
		return nil, c.connectError(false, fmt.Errorf("rejected by server: %s", reason))
	default:
		_ = conn.Close()
		return nil, c.connectError(true, fmt.Errorf("expected helloAck, got %s", tagName(tag)))
	}
	if !stop() {
		_ = conn.Close()
		return nil, c.connectError(true, ctx.Err())
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, c.connectError(true, err)
	}
	return conn, nil
}

func (c *Client) connectError(retryable bool, err error) error {
	return &api.ConnectError{Host: c.host, Port: c.port, Retryable: retryable, Err: err}
}

// reconnect makes up to MaxRetries attempts.
func (c *Client) reconnect() (net.Conn, error) {
	if c.conf.MaxRetries == 0 {
		return nil, errors.New("reconnect disabled")
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.MinWait
	b.MaxInterval = c.conf.MaxWait
	b.MaxElapsedTime = 0
	b.Reset()
	// WithMaxRetries counts retries after the first attempt.
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.conf.MaxRetries-1)), c.ctx)

	var conn net.Conn
	attempt := 1
	op := func() error {
		attempt++
		cn, err := c.establish(attempt)
		if err != nil {
			if !api.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.log.Debugf("reconnect attempt %d failed, next in %v: %v", attempt-1, d, err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve runs one established link until it fails or the client closes.
func (c *Client) serve(conn net.Conn) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	readErr := make(chan error, 1)
	if err := c.owner.submit(func() {
		err := c.readLoop(conn)
		cancel()
		_ = conn.Close()
		readErr <- err
	}); err != nil {
		_ = conn.Close()
		return err
	}
	err := c.writeLoop(ctx, conn)
	cancel()
	_ = conn.Close()
	rerr := <-readErr
	if err == nil || errors.Is(err, context.Canceled) {
		err = rerr
	}
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		if len(c.pending) == 0 {
			pctx, pcancel := context.WithTimeout(ctx, c.conf.HeartbeatInterval)
			items, err := c.outbound.Poll(pctx, pollBatch)
			pcancel()
			switch {
			case err == nil:
				c.pending = items
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				if err := c.write(conn, func(buf *bytebufferpool.ByteBuffer) error {
					return appendFrame(buf, tagHeartbeat, nil)
				}); err != nil {
					return err
				}
				continue
			default:
				return err
			}
		}
		if err := c.write(conn, func(buf *bytebufferpool.ByteBuffer) error {
			return appendBatches(buf, c.pending, c.conf.BatchSize)
		}); err != nil {
			return err
		}
		n := len(c.pending)
		var bytes int
		for _, m := range c.pending {
			bytes += len(m.Payload)
		}
		c.pending = nil
		c.outbound.Release(n)
		c.inflight.Add(int64(-n))
		c.sent.Add(float64(n))
		c.sentBytes.Add(float64(bytes))
	}
}

func (c *Client) write(conn net.Conn, encode func(*bytebufferpool.ByteBuffer) error) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := encode(buf); err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(buf.B)
	return err
}

func (c *Client) readLoop(conn net.Conn) error {
	timeout := c.conf.HeartbeatInterval * heartbeatTimeoutFactor
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		tag, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		switch tag {
		case tagBackpressure:
			u, err := decodeBackpressure(payload)
			if err != nil {
				return err
			}
			c.applyBackpressure(u)
		case tagLoad:
			loads, err := decodeLoad(payload)
			if err != nil {
				return err
			}
			c.loadMu.Lock()
			for t, l := range loads {
				c.loads[t] = l
			}
			c.loadMu.Unlock()
		case tagHeartbeat:
		default:
			c.log.Debugf("ignoring %s frame", tagName(tag))
		}
	}
}

func (c *Client) applyBackpressure(u backpressureUpdate) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	if u.full {
		keep := make(map[int]struct{}, len(u.congested))
		for _, t := range u.congested {
			keep[t] = struct{}{}
		}
		for t := range c.flagged {
			if _, ok := keep[t]; !ok {
				c.signals.Set(t, false)
				delete(c.flagged, t)
			}
		}
	}
	for _, t := range u.congested {
		c.signals.Set(t, true)
		c.flagged[t] = struct{}{}
	}
	for _, t := range u.clear {
		c.signals.Set(t, false)
		delete(c.flagged, t)
	}
}

func (c *Client) clearFlags() {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	for t := range c.flagged {
		c.signals.Set(t, false)
	}
	c.flagged = make(map[int]struct{})
}

// Send queues payload for taskID. The payload must not be modified until it
// has been written, which Send does not report.
func (c *Client) Send(ctx context.Context, taskID int, payload []byte) (api.SendStatus, error) {
	if len(payload) > maxMessagePayload {
		return api.Enqueued, fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(payload), maxMessagePayload)
	}
	if c.Closed() {
		return api.Enqueued, api.ErrConnectionClosed
	}
	if c.signals.IsSet(taskID) {
		if c.conf.BackpressurePolicy == PolicyReject {
			return api.Congested, nil
		}
		start := time.Now()
		err := c.signals.Await(ctx, taskID, c.ctx.Done())
		c.owner.instruments.backpressureWait.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("messaging.topology", c.topologyID),
				attribute.Bool("messaging.released", err == nil),
			))
		if err != nil {
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

	c.inflight.Add(1)
	if err := c.outbound.Put(putCtx, api.TaskMessage{Task: taskID, Payload: payload}); err != nil {
		c.inflight.Add(-1)
		if errors.Is(err, queue.ErrDisposed) || c.ctx.Err() != nil {
			return api.Enqueued, api.ErrConnectionClosed
		}
		return api.Enqueued, err
	}
	return api.Enqueued, nil
}

// Receive is not supported on clients.
func (c *Client) Receive(context.Context) (iter.Seq[api.TaskMessage], error) {
	if c.Closed() {
		return nil, api.ErrConnectionClosed
	}
	return nil, api.ErrUnsupported
}

// SendLoadMetrics is not supported on clients; servers publish load.
func (c *Client) SendLoadMetrics(map[int]float64) error {
	if c.Closed() {
		return api.ErrConnectionClosed
	}
	return api.ErrUnsupported
}

// GetLoad returns the load last published by the server for each known task.
// ConnectionLoad is the share of the send queue still waiting to be written.
func (c *Client) GetLoad(tasks []int) map[int]api.Load {
	connLoad := float64(c.inflight.Load()) / float64(c.outbound.Cap())
	c.loadMu.RLock()
	defer c.loadMu.RUnlock()
	out := make(map[int]api.Load, len(tasks))
	for _, t := range tasks {
		if l, ok := c.loads[t]; ok {
			out[t] = api.Load{HasMetrics: true, BoltLoad: l, ConnectionLoad: connLoad}
		}
	}
	return out
}

// WaitReady blocks until the first handshake finished or ctx is done.
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

func (c *Client) setReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.ready)
	})
}

func (c *Client) Port() int { return c.port }

func (c *Client) State() api.State { return api.State(c.state.Load()) }

// Closed reports whether the client is closing or closed.
func (c *Client) Closed() bool {
	return c.State() >= api.StateClosing
}

// Close waits up to the close timeout for queued messages to be written,
// then tears the link down. Messages still queued are dropped.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.conf.CloseTimeout)
	defer cancel()
	return c.shutdown(ctx)
}

// shutdown is Close bounded by ctx instead of the close timeout.
func (c *Client) shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		for {
			st := c.state.Load()
			if st >= int32(api.StateClosing) || c.state.CompareAndSwap(st, int32(api.StateClosing)) {
				break
			}
		}
		c.drain(ctx)
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			c.log.Warnf("connection loop still running at close deadline")
		}
		c.finish()
	})
	return nil
}

func (c *Client) drain(ctx context.Context) {
	if c.inflight.Load() == 0 {
		return
	}
	tick := time.NewTicker(drainPeriod)
	defer tick.Stop()
	for c.inflight.Load() > 0 {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.log.Warnf("dropping %d unsent messages", c.inflight.Load())
			return
		case <-tick.C:
		}
	}
}

// abort finishes a client whose loop never started.
func (c *Client) abort(err error) {
	c.setReady(err)
	c.cancel()
	c.finish()
	close(c.done)
}

// finish releases everything the client holds. It runs once, from whichever
// of the loop or Close gets there first.
func (c *Client) finish() {
	c.finishOnce.Do(func() {
		c.state.Store(int32(api.StateClosed))
		c.setReady(api.ErrConnectionClosed)
		c.cancel()
		c.outbound.Dispose()
		c.clearFlags()
		c.owner.clients.UnregisterIf(c.key, c)
		c.owner.metrics.connections.WithLabelValues(roleClient).Dec()
		c.log.Infof("closed")
	})
}
