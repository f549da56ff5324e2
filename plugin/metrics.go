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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

const metricsNamespace = "messaging"

const (
	roleServer = "server"
	roleClient = "client"
)

type metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	rejectedLinks    *prometheus.CounterVec
	bpTransitions    *prometheus.CounterVec
	connections      *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	topo := []string{"topology"}
	m := &metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_sent_total",
			Help: "Messages written to the wire by client connections.",
		}, topo),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "messages_received_total",
			Help: "Messages queued for delivery by server connections.",
		}, topo),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "bytes_sent_total",
			Help: "Payload bytes written by client connections.",
		}, topo),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "bytes_received_total",
			Help: "Payload bytes received by server connections.",
		}, topo),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "reconnects_total",
			Help: "Client links lost and sent into reconnect.",
		}, topo),
		rejectedLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "rejected_links_total",
			Help: "Inbound links refused during handshake.",
		}, topo),
		bpTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "backpressure_transitions_total",
			Help: "Per-task congestion flips observed by server connections.",
		}, []string{"topology", "state"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "connections",
			Help: "Open connections by role.",
		}, []string{"role"}),
	}
	m.messagesSent = register(reg, m.messagesSent)
	m.messagesReceived = register(reg, m.messagesReceived)
	m.bytesSent = register(reg, m.bytesSent)
	m.bytesReceived = register(reg, m.bytesReceived)
	m.reconnects = register(reg, m.reconnects)
	m.rejectedLinks = register(reg, m.rejectedLinks)
	m.bpTransitions = register(reg, m.bpTransitions)
	m.connections = register(reg, m.connections)
	return m
}

// register adds c to reg, reusing an identical collector registered earlier
// (several contexts may share one registerer).
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// instruments are the otel latency histograms, recorded next to the
// prometheus counters.
type instruments struct {
	connectDuration  metric.Float64Histogram
	backpressureWait metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	meter := mp.Meter(tracerName)
	connect, err := meter.Float64Histogram("messaging.connect.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Dial and handshake time of client connection attempts."))
	if err != nil {
		return nil, err
	}
	wait, err := meter.Float64Histogram("messaging.backpressure.wait.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time Send spent blocked on a congested task."))
	if err != nil {
		return nil, err
	}
	return &instruments{connectDuration: connect, backpressureWait: wait}, nil
}

func congestionLabel(congested bool) string {
	if congested {
		return "congested"
	}
	return "clear"
}
