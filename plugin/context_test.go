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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/pkg/lifecycle"
	"github.com/srediag/plugin-messaging/pkg/transport"
)

// fastConf keeps every timer short enough for tests.
func fastConf(overrides map[string]any) map[string]any {
	conf := map[string]any{
		ConfConnectTimeoutMs: 500,
		ConfWriteTimeoutMs:   500,
		ConfCloseTimeoutMs:   500,
		ConfHeartbeatMs:      100,
		ConfMinWaitMs:        10,
		ConfMaxWaitMs:        50,
		ConfMaxRetries:       5,
		ConfWorkerPoolSize:   128,
		ConfTermGraceMs:      2000,
	}
	for k, v := range overrides {
		conf[k] = v
	}
	return conf
}

type testEnv struct {
	*Context
	registry *prometheus.Registry
	spans    *tracetest.SpanRecorder
}

func newTestContext(t *testing.T, overrides map[string]any) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	c := New(WithRegistry(reg), WithTracerProvider(tp), WithLogOutput(io.Discard))
	require.NoError(t, c.Prepare(fastConf(overrides)))
	t.Cleanup(func() {
		if c.guard.Current() == lifecycle.Prepared {
			_ = c.Term()
		}
	})
	return &testEnv{Context: c, registry: reg, spans: spans}
}

func TestContext_PrepareTwice(t *testing.T) {
	c := newTestContext(t, nil)
	err := c.Prepare(nil)
	var ise *api.IllegalStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "prepare", ise.Op)
}

func TestContext_PrepareInvalidConfigCanRetry(t *testing.T) {
	c := New(WithLogOutput(io.Discard))
	err := c.Prepare(map[string]any{ConfSendQueueSize: -5})
	var ce *api.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Nil(t, c.Config())

	_, err = c.Bind("t", 0)
	var ise *api.IllegalStateError
	require.ErrorAs(t, err, &ise)

	require.NoError(t, c.Prepare(fastConf(nil)))
	assert.NotNil(t, c.Config())
	require.NoError(t, c.Term())
}

func TestContext_TermLifecycle(t *testing.T) {
	c := New(WithLogOutput(io.Discard))
	var ise *api.IllegalStateError
	require.ErrorAs(t, c.Term(), &ise, "term before prepare")

	require.NoError(t, c.Prepare(fastConf(nil)))
	s, err := c.Bind("topo", 0)
	require.NoError(t, err)
	require.NoError(t, c.Term())
	assert.Equal(t, api.StateClosed, s.State())

	require.ErrorAs(t, c.Term(), &ise, "second term")
	_, err = c.Bind("topo", 0)
	require.ErrorAs(t, err, &ise)
	_, err = c.Connect("topo", "127.0.0.1", 1, nil)
	require.ErrorAs(t, err, &ise)
}

func TestContext_RegisteredAsDefault(t *testing.T) {
	assert.Contains(t, transport.Names(), Name)
	c, err := transport.New(fastConf(nil))
	require.NoError(t, err)
	assert.IsType(t, &Context{}, c)
	require.NoError(t, c.Term())
}

func TestContext_Health(t *testing.T) {
	c := newTestContext(t, nil)

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, c.Term())
	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestContext_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(WithRegistry(reg), WithLogOutput(io.Discard))
	b := New(WithRegistry(reg), WithLogOutput(io.Discard))
	assert.Same(t, a.metrics.messagesSent, b.metrics.messagesSent)
}
