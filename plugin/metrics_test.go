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
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/srediag/plugin-messaging/pkg/backpressure"
)

// gaugeValue reads a gauge the way a scraper would.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestMetrics_ConnectionGauge(t *testing.T) {
	env := newTestContext(t, nil)
	servers := env.metrics.connections.WithLabelValues(roleServer)
	assert.Equal(t, 0.0, gaugeValue(t, servers))

	a, err := env.Bind("topo", 0)
	require.NoError(t, err)
	_, err = env.Bind("topo", 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, gaugeValue(t, servers))

	require.NoError(t, a.Close())
	assert.Equal(t, 1.0, gaugeValue(t, servers))
}

func TestMetrics_RegisterPanicsOnConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace, Name: "reconnects_total", Help: "conflicting help",
	}))
	assert.Panics(t, func() { newMetrics(reg) })
}

func TestCongestionLabel(t *testing.T) {
	assert.Equal(t, "congested", congestionLabel(true))
	assert.Equal(t, "clear", congestionLabel(false))
}

// histogramCount returns how many values the named histogram recorded.
func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var n uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is not a float64 histogram", name)
			for _, dp := range h.DataPoints {
				n += dp.Count
			}
		}
	}
	return n
}

func TestInstruments_RecordLatencies(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	c := New(WithMeterProvider(mp), WithLogOutput(io.Discard))
	require.NoError(t, c.Prepare(fastConf(nil)))
	t.Cleanup(func() { _ = c.Term() })

	srv, err := c.Bind("topo", 0)
	require.NoError(t, err)
	sig := backpressure.NewSignals(1)
	cl, err := c.Connect("topo", localhost, srv.Port(), sig)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, cl.WaitReady(ctx))
	assert.Equal(t, uint64(1), histogramCount(t, reader, "messaging.connect.duration"))
	assert.Zero(t, histogramCount(t, reader, "messaging.backpressure.wait.duration"))

	sig.Set(0, true)
	done := make(chan error, 1)
	go func() {
		_, err := cl.Send(ctx, 0, []byte("x"))
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	sig.Set(0, false)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), histogramCount(t, reader, "messaging.backpressure.wait.duration"))
}
