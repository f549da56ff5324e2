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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/internal/logging"
	"github.com/srediag/plugin-messaging/internal/queue"
	sock "github.com/srediag/plugin-messaging/internal/transport"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
)

const (
	// heartbeatTimeoutFactor heartbeat intervals without any inbound frame
	// mark a link dead.
	heartbeatTimeoutFactor = 5
	// linkOutboxSize bounds the control frames pending on one accepted link.
	// A link that falls that far behind is dropped and resynchronizes on
	// reconnect.
	linkOutboxSize = 1024
	acceptMaxDelay = time.Second
)

var _ api.Connection = (*Server)(nil)

// Server is a bound port accepting links for one topology.
type Server struct {
	owner      *Context
	conf       *Config
	topologyID string
	port       int
	key        string
	ln         net.Listener
	log        *logging.Logger

	inbound   *queue.Bounded[api.TaskMessage]
	watermark *backpressure.Watermark

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	links map[*link]struct{}

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error

	received      prometheus.Counter
	receivedBytes prometheus.Counter
	rejected      prometheus.Counter
	congested     prometheus.Counter
	cleared       prometheus.Counter
}

func newServer(owner *Context, topologyID string, port int, ln net.Listener) (*Server, error) {
	conf := owner.conf
	inbound, err := queue.NewBounded[api.TaskMessage](conf.ReceiveQueueSize)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := owner.metrics
	s := &Server{
		owner:         owner,
		conf:          conf,
		topologyID:    topologyID,
		port:          port,
		key:           api.ServerKey(topologyID, port),
		ln:            ln,
		log:           owner.log.Named(fmt.Sprintf("server[%s:%d]", topologyID, port)),
		inbound:       inbound,
		ctx:           ctx,
		cancel:        cancel,
		links:         make(map[*link]struct{}),
		received:      m.messagesReceived.WithLabelValues(topologyID),
		receivedBytes: m.bytesReceived.WithLabelValues(topologyID),
		rejected:      m.rejectedLinks.WithLabelValues(topologyID),
		congested:     m.bpTransitions.WithLabelValues(topologyID, congestionLabel(true)),
		cleared:       m.bpTransitions.WithLabelValues(topologyID, congestionLabel(false)),
	}
	s.watermark, err = backpressure.NewWatermark(conf.TaskQueueSize, conf.HighWatermark, conf.LowWatermark, s.onTransition)
	if err != nil {
		cancel()
		return nil, err
	}
	high, low := s.watermark.Marks()
	s.log.Debugf("per-task watermarks high=%d low=%d", high, low)
	s.state.Store(int32(api.StateEstablished))
	return s, nil
}

// start runs the accept loop. On failure the caller must Close s.
func (s *Server) start() error {
	s.owner.metrics.connections.WithLabelValues(roleServer).Inc()
	s.wg.Add(1)
	if err := s.owner.submit(func() {
		defer s.wg.Done()
		s.acceptLoop()
	}); err != nil {
		s.wg.Done()
		return err
	}
	return nil
}

func (s *Server) acceptLoop() {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 5 * time.Millisecond
	delay.MaxInterval = acceptMaxDelay
	delay.MaxElapsedTime = 0
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d := delay.NextBackOff()
			s.log.Warnf("accept failed, retrying in %v: %v", d, err)
			select {
			case <-time.After(d):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		delay.Reset()
		s.wg.Add(1)
		if err := s.owner.submit(func() {
			defer s.wg.Done()
			s.serveLink(conn)
		}); err != nil {
			s.wg.Done()
			s.log.Warnf("dropping link from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
		}
	}
}

func (s *Server) serveLink(conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()
	remote := conn.RemoteAddr().String()

	if err := s.handshake(conn); err != nil {
		s.log.Warnf("handshake with %s failed: %v", remote, err)
		return
	}
	if err := sock.Tune(conn, s.conf.SocketBufferSize); err != nil {
		s.log.Debugf("tune %s: %v", remote, err)
	}

	l := &link{conn: conn, out: make(chan []byte, linkOutboxSize), done: make(chan struct{})}
	// Ack and snapshot go out under the watermark lock, so every later
	// transition is queued behind them.
	added := false
	s.watermark.Snapshot(func(congested []int) {
		l.enqueue(mustFrame(tagHelloAck, nil))
		l.enqueue(mustFrame(tagBackpressure, encodeBackpressure(backpressureUpdate{full: true, congested: congested})))
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.links != nil {
			s.links[l] = struct{}{}
			added = true
		}
	})
	if !added {
		return
	}
	defer s.removeLink(l)

	s.wg.Add(1)
	if err := s.owner.submit(func() {
		defer s.wg.Done()
		s.writeLink(l)
	}); err != nil {
		s.wg.Done()
		s.log.Warnf("dropping link from %s: %v", remote, err)
		return
	}
	s.log.Debugf("link from %s established", remote)

	err := s.readLink(conn)
	if s.ctx.Err() == nil && !isClosedConn(err) {
		s.log.Infof("link from %s lost: %v", remote, err)
	}
}

func (s *Server) handshake(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(s.conf.ConnectTimeout)); err != nil {
		return err
	}
	tag, payload, err := readFrame(conn)
	if err != nil {
		return err
	}
	if tag != tagHello {
		return fmt.Errorf("expected hello, got %s", tagName(tag))
	}
	topo, err := decodeString(payload)
	if err != nil {
		return fmt.Errorf("malformed hello: %w", err)
	}
	if topo != s.topologyID {
		s.rejected.Inc()
		reason := fmt.Sprintf("topology %q is not served on port %d", topo, s.port)
		if werr := writeFrame(conn, tagReject, encodeString(reason)); werr != nil {
			s.log.Debugf("write reject: %v", werr)
		}
		return fmt.Errorf("rejected: %s", reason)
	}
	return conn.SetDeadline(time.Time{})
}

func (s *Server) readLink(conn net.Conn) error {
	timeout := s.conf.HeartbeatInterval * heartbeatTimeoutFactor
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		tag, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		switch tag {
		case tagBatch:
			msgs, err := decodeBatch(payload)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if err := s.deliver(m); err != nil {
					return err
				}
			}
		case tagHeartbeat:
		default:
			s.log.Debugf("ignoring %s frame from %s", tagName(tag), conn.RemoteAddr())
		}
	}
}

// deliver queues m, blocking while the inbound queue is full.
func (s *Server) deliver(m api.TaskMessage) error {
	s.watermark.Inc(m.Task)
	if err := s.inbound.Put(s.ctx, m); err != nil {
		s.watermark.Dec(m.Task)
		return err
	}
	s.received.Inc()
	s.receivedBytes.Add(float64(len(m.Payload)))
	return nil
}

func (s *Server) writeLink(l *link) {
	defer l.conn.Close()
	idle := time.NewTimer(s.conf.HeartbeatInterval)
	defer idle.Stop()
	for {
		var frame []byte
		select {
		case <-s.ctx.Done():
			return
		case <-l.done:
			return
		case frame = <-l.out:
		case <-idle.C:
			frame = mustFrame(tagHeartbeat, nil)
		}
		buf := bytebufferpool.Get()
		_, _ = buf.Write(frame)
		for more := true; more; {
			select {
			case f := <-l.out:
				_, _ = buf.Write(f)
			default:
				more = false
			}
		}
		err := l.conn.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
		if err == nil {
			_, err = l.conn.Write(buf.B)
		}
		bytebufferpool.Put(buf)
		if err != nil {
			if !isClosedConn(err) {
				s.log.Infof("write to %s failed: %v", l.conn.RemoteAddr(), err)
			}
			return
		}
		idle.Reset(s.conf.HeartbeatInterval)
	}
}

// onTransition runs under the watermark lock.
func (s *Server) onTransition(task int, congested bool) {
	u := backpressureUpdate{}
	if congested {
		u.congested = []int{task}
		s.congested.Inc()
	} else {
		u.clear = []int{task}
		s.cleared.Inc()
	}
	s.broadcast(mustFrame(tagBackpressure, encodeBackpressure(u)))
	s.log.Debugf("task %d %s", task, congestionLabel(congested))
}

func (s *Server) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.links {
		if !l.enqueue(frame) {
			s.log.Warnf("link from %s is not draining control frames, dropping it", l.conn.RemoteAddr())
			l.stop()
			delete(s.links, l)
		}
	}
}

func (s *Server) removeLink(l *link) {
	s.mu.Lock()
	if s.links != nil {
		delete(s.links, l)
	}
	s.mu.Unlock()
	l.stop()
}

// Send is not supported: the data path runs from clients to servers.
func (s *Server) Send(context.Context, int, []byte) (api.SendStatus, error) {
	if s.Closed() {
		return api.Enqueued, api.ErrConnectionClosed
	}
	return api.Enqueued, api.ErrUnsupported
}

// Recv blocks until a message is available, ctx is done, or the server closes.
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

// Receive yields inbound messages in arrival order until ctx is done, the
// consumer stops, or the server closes.
func (s *Server) Receive(ctx context.Context) (iter.Seq[api.TaskMessage], error) {
	if s.Closed() {
		return nil, api.ErrConnectionClosed
	}
	return func(yield func(api.TaskMessage) bool) {
		for {
			m, err := s.Recv(ctx)
			if err != nil {
				return
			}
			if !yield(m) {
				return
			}
		}
	}, nil
}

// SendLoadMetrics pushes taskToLoad to every established link.
func (s *Server) SendLoadMetrics(taskToLoad map[int]float64) error {
	if s.Closed() {
		return api.ErrConnectionClosed
	}
	if len(taskToLoad) == 0 {
		return nil
	}
	s.broadcast(mustFrame(tagLoad, encodeLoad(taskToLoad)))
	return nil
}

// GetLoad is only meaningful on clients and always returns an empty map.
func (s *Server) GetLoad([]int) map[int]api.Load {
	return map[int]api.Load{}
}

// WaitReady returns at once; a bound server is ready.
func (s *Server) WaitReady(context.Context) error {
	if s.Closed() {
		return api.ErrConnectionClosed
	}
	return nil
}

func (s *Server) Port() int { return s.port }

func (s *Server) State() api.State { return api.State(s.state.Load()) }

// Closed reports whether Close has been called.
func (s *Server) Closed() bool {
	return s.State() >= api.StateClosing
}

// Links returns the number of established links.
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Close stops accepting, drops every link and discards undelivered messages.
// Only the listener close error is returned.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.CloseTimeout)
	defer cancel()
	return s.shutdown(ctx)
}

// shutdown is Close waiting for the connection loops until ctx is done.
func (s *Server) shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(api.StateClosing))
		s.cancel()
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		s.mu.Lock()
		links := s.links
		s.links = nil
		s.mu.Unlock()
		for l := range links {
			l.stop()
		}
		if n := s.inbound.Len(); n > 0 {
			s.log.Warnf("discarding %d undelivered messages", n)
		}
		s.inbound.Dispose()
		s.watermark.Reset()
		if !waitContext(ctx, &s.wg) {
			s.log.Warnf("connection loops still running at close deadline")
		}
		s.owner.servers.UnregisterIf(s.key, s)
		s.owner.metrics.connections.WithLabelValues(roleServer).Dec()
		s.state.Store(int32(api.StateClosed))
		s.log.Infof("closed")
	})
	return s.closeErr
}

// link is one accepted, handshaken inbound connection.
type link struct {
	conn     net.Conn
	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// enqueue queues a control frame without blocking.
func (l *link) enqueue(frame []byte) bool {
	select {
	case l.out <- frame:
		return true
	default:
		return false
	}
}

func (l *link) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// mustFrame encodes a control frame whose payload is known to fit.
func mustFrame(tag byte, payload []byte) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := appendFrame(buf, tag, payload); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.B...)
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// waitContext waits for wg and reports whether it finished before ctx.
func waitContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
