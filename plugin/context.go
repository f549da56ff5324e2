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

// Package plugin is the TCP messaging plugin, registered as "tcp".
//
// Every Connection runs its loops on a worker pool owned by the Context.
// Clients dial a server, handshake with the topology id, and stream batches
// of task messages. Servers push backpressure, load and heartbeat frames back
// to every accepted link.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/internal/logging"
	"github.com/srediag/plugin-messaging/internal/registry"
	sock "github.com/srediag/plugin-messaging/internal/transport"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
	"github.com/srediag/plugin-messaging/pkg/lifecycle"
	"github.com/srediag/plugin-messaging/pkg/transport"
)

// Name is the name the plugin registers under.
const Name = "tcp"

const tracerName = "github.com/srediag/plugin-messaging/plugin"

// minPoolRelease is the least time Term gives the worker pool to stop, even
// when draining used up the grace period.
const minPoolRelease = 100 * time.Millisecond

func init() {
	transport.Register(Name, func() api.Context { return New() })
}

var _ api.Context = (*Context)(nil)

// Context is the TCP messaging plugin.
type Context struct {
	guard lifecycle.Guard

	conf *Config
	pool *ants.Pool

	servers *registry.Registry[*Server]
	clients *registry.Registry[*Client]

	registry    *prometheus.Registry
	metrics     *metrics
	instruments *instruments
	tracer      trace.Tracer
	health      healthcheck.Handler
	log         *logging.Logger
}

// Option customizes a Context.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
	tracer   trace.TracerProvider
	meter    metric.MeterProvider
	out      io.Writer
}

// WithRegistry registers the plugin metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracerProvider traces bind and connect handshakes with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithMeterProvider records handshake and backpressure wait latencies with mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meter = mp }
}

// WithLogOutput redirects the plugin logs.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// New returns an unprepared Context.
func New(opts ...Option) *Context {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider()
	}
	if o.meter == nil {
		o.meter = metricnoop.NewMeterProvider()
	}
	c := &Context{
		servers:  registry.New[*Server](),
		clients:  registry.New[*Client](),
		registry: o.registry,
		metrics:  newMetrics(o.registry),
		tracer:   o.tracer.Tracer(tracerName),
		log:      logging.New("messaging.tcp", o.out),
	}
	inst, err := newInstruments(o.meter)
	if err != nil {
		c.log.Warnf("otel instruments unavailable, not recording latencies: %v", err)
		inst, _ = newInstruments(metricnoop.NewMeterProvider())
	}
	c.instruments = inst
	c.health = newHealth(c)
	return c
}

// Prepare parses conf and starts the worker pool.
func (c *Context) Prepare(conf map[string]any) error {
	if err := c.guard.Transition("prepare", lifecycle.Uninitialized, lifecycle.Preparing); err != nil {
		return err
	}
	cfg, err := ParseConfig(conf)
	if err != nil {
		_ = c.guard.Transition("prepare", lifecycle.Preparing, lifecycle.Uninitialized)
		return err
	}
	pool, err := ants.NewPool(cfg.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			c.log.Errorf("connection loop panicked: %v", p)
		}))
	if err != nil {
		_ = c.guard.Transition("prepare", lifecycle.Preparing, lifecycle.Uninitialized)
		return &api.ConfigError{Key: ConfWorkerPoolSize, Value: cfg.WorkerPoolSize, Reason: err.Error()}
	}
	c.conf = cfg
	c.pool = pool
	c.log.Infof("prepared: pool=%d sendQueue=%d receiveQueue=%d policy=%s",
		cfg.WorkerPoolSize, cfg.SendQueueSize, cfg.ReceiveQueueSize, cfg.BackpressurePolicy)
	return c.guard.Transition("prepare", lifecycle.Preparing, lifecycle.Prepared)
}

// Term closes every connection and releases the worker pool, all within the
// grace period: connections still draining when it ends are force-closed.
// Client close failures are only logged; the returned error covers listeners
// and the pool.
func (c *Context) Term() error {
	if err := c.guard.Transition("term", lifecycle.Prepared, lifecycle.Terminated); err != nil {
		return err
	}
	grace := c.conf.TermGracePeriod
	deadline := time.Now().Add(grace)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	c.log.Infof("terminating %d servers and %d clients within %v", c.servers.Len(), c.clients.Len(), grace)

	var errs error
	if err := c.servers.Shutdown(ctx, func(ctx context.Context, s *Server) error {
		return s.shutdown(ctx)
	}); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.clients.Shutdown(ctx, func(ctx context.Context, cl *Client) error {
		return cl.shutdown(ctx)
	}); err != nil {
		c.log.Warnf("term: %v", err)
	}
	release := time.Until(deadline)
	if release < minPoolRelease {
		release = minPoolRelease
	}
	if err := c.pool.ReleaseTimeout(release); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("release worker pool: %w", err))
	}
	c.log.Infof("terminated")
	return errs
}

// Bind listens on port for links of topologyID. Port 0 picks an ephemeral
// port, reported by the returned Connection's Port.
func (c *Context) Bind(topologyID string, port int) (api.Connection, error) {
	if err := c.guard.Require("bind", lifecycle.Prepared); err != nil {
		return nil, err
	}
	ctx, span := c.tracer.Start(context.Background(), "messaging.bind", trace.WithAttributes(
		attribute.String("messaging.topology", topologyID),
		attribute.Int("net.port", port),
	))
	defer span.End()

	s, err := c.bind(ctx, topologyID, port)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("net.bound_port", s.Port()))
	return s, nil
}

func (c *Context) bind(ctx context.Context, topologyID string, port int) (*Server, error) {
	if port != 0 && c.servers.Live(api.ServerKey(topologyID, port)) {
		return nil, &api.DuplicateKeyError{Key: api.ServerKey(topologyID, port)}
	}
	ln, err := sock.Listen(ctx, port)
	if err != nil {
		return nil, &api.BindError{Port: port, Retryable: sock.IsAddrInUse(err), Err: err}
	}
	actual := port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		actual = addr.Port
	}
	s, err := newServer(c, topologyID, actual, ln)
	if err != nil {
		_ = ln.Close()
		return nil, &api.BindError{Port: port, Err: err}
	}
	if err := c.servers.Register(s.key, s); err != nil {
		_ = ln.Close()
		return nil, err
	}
	if err := s.start(); err != nil {
		_ = s.Close()
		return nil, &api.BindError{Port: port, Retryable: errors.Is(err, ants.ErrPoolOverload), Err: err}
	}
	c.log.Infof("bound %s", s.key)
	return s, nil
}

// Connect creates a client connection to host:port. The connection is
// returned while still connecting; WaitReady reports the handshake outcome.
func (c *Context) Connect(topologyID, host string, port int, remoteBpStatus *backpressure.Signals) (api.Connection, error) {
	if err := c.guard.Require("connect", lifecycle.Prepared); err != nil {
		return nil, err
	}
	key := api.ClientKey(topologyID, host, port)
	if c.clients.Live(key) {
		return nil, &api.DuplicateKeyError{Key: key}
	}
	cl, err := newClient(c, topologyID, host, port, remoteBpStatus)
	if err != nil {
		return nil, &api.ConnectError{Host: host, Port: port, Err: err}
	}
	if err := c.clients.Register(key, cl); err != nil {
		cl.abort(err)
		return nil, err
	}
	if err := c.pool.Submit(cl.run); err != nil {
		cerr := &api.ConnectError{Host: host, Port: port, Retryable: true, Err: err}
		cl.abort(cerr)
		return nil, cerr
	}
	c.log.Debugf("connecting %s with %d backpressure flags", key, cl.signals.Len())
	return cl, nil
}

// Metrics returns the gatherer holding the plugin metrics.
func (c *Context) Metrics() prometheus.Gatherer {
	return c.registry
}

// HealthHandler serves /live and /ready for this Context.
func (c *Context) HealthHandler() healthcheck.Handler {
	return c.health
}

// Config returns the prepared configuration, or nil before Prepare.
func (c *Context) Config() *Config {
	if c.guard.Current() < lifecycle.Prepared {
		return nil
	}
	return c.conf
}

// submit runs task on the worker pool.
func (c *Context) submit(task func()) error {
	return c.pool.Submit(task)
}
