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
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/plugin-messaging/api"
	"github.com/srediag/plugin-messaging/pkg/backpressure"
	"github.com/srediag/plugin-messaging/pkg/lifecycle"
	"github.com/srediag/plugin-messaging/pkg/transport"
	"github.com/srediag/plugin-messaging/plugin"
)

func newLocal(t *testing.T, conf map[string]any) *Context {
	t.Helper()
	c := New(io.Discard)
	require.NoError(t, c.Prepare(conf))
	t.Cleanup(func() {
		if c.guard.Current() == lifecycle.Prepared {
			_ = c.Term()
		}
	})
	return c
}

func recv(t *testing.T, conn api.Connection, n int) []api.TaskMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seq, err := conn.Receive(ctx)
	require.NoError(t, err)
	var out []api.TaskMessage
	for m := range seq {
		out = append(out, m)
		if len(out) == n {
			break
		}
	}
	require.Len(t, out, n)
	return out
}

func TestLocal_Registered(t *testing.T) {
	c, err := transport.New(map[string]any{transport.ConfKey: Name})
	require.NoError(t, err)
	assert.IsType(t, &Context{}, c)
	require.NoError(t, c.Term())
}

func TestLocal_SendReceiveAcrossContexts(t *testing.T) {
	a := newLocal(t, nil)
	b := newLocal(t, nil)

	srv, err := a.Bind("topo", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, srv.Port(), firstEphemeralPort)

	cl, err := b.Connect("topo", "worker-1", srv.Port(), backpressure.NewSignals(2))
	require.NoError(t, err)
	require.NoError(t, cl.WaitReady(context.Background()))
	assert.Equal(t, api.StateEstablished, cl.State())

	for i := 0; i < 10; i++ {
		st, err := cl.Send(context.Background(), i%2, []byte(strconv.Itoa(i)))
		require.NoError(t, err)
		assert.Equal(t, api.Enqueued, st)
	}
	got := recv(t, srv, 10)
	for i, m := range got {
		assert.Equal(t, strconv.Itoa(i), string(m.Payload))
	}
}

func TestLocal_BindConflicts(t *testing.T) {
	a := newLocal(t, nil)
	b := newLocal(t, nil)
	srv, err := a.Bind("topo", 0)
	require.NoError(t, err)

	_, err = a.Bind("topo", srv.Port())
	var dup *api.DuplicateKeyError
	require.ErrorAs(t, err, &dup)

	_, err = b.Bind("topo", srv.Port())
	var be *api.BindError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retryable)

	require.NoError(t, srv.Close())
	again, err := b.Bind("topo", srv.Port())
	require.NoError(t, err)
	assert.Equal(t, srv.Port(), again.Port())
}

func TestLocal_ConnectFailures(t *testing.T) {
	c := newLocal(t, nil)
	srv, err := c.Bind("topo-a", 0)
	require.NoError(t, err)

	missing, err := c.Connect("topo-a", "h", 1, nil)
	require.NoError(t, err)
	err = missing.WaitReady(context.Background())
	assert.True(t, api.IsRetryable(err))
	assert.Equal(t, api.StateClosed, missing.State())

	wrong, err := c.Connect("topo-b", "h", srv.Port(), nil)
	require.NoError(t, err)
	err = wrong.WaitReady(context.Background())
	var ce *api.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Retryable)
	_, err = wrong.Send(context.Background(), 0, nil)
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
}

func TestLocal_BackpressureFlipsSignals(t *testing.T) {
	c := newLocal(t, map[string]any{
		plugin.ConfTaskQueueSize:      4,
		plugin.ConfHighWatermark:      1.0,
		plugin.ConfLowWatermark:       0.25,
		plugin.ConfBackpressurePolicy: "reject",
	})
	srv, err := c.Bind("topo", 0)
	require.NoError(t, err)
	sig := backpressure.NewSignals(1)
	cl, err := c.Connect("topo", "h", srv.Port(), sig)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		st, err := cl.Send(context.Background(), 0, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, api.Enqueued, st)
	}
	assert.True(t, sig.IsSet(0))
	st, err := cl.Send(context.Background(), 0, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, api.Congested, st)

	// A second client sees the congested set on attach.
	other := backpressure.NewSignals(1)
	_, err = c.Connect("topo", "h2", srv.Port(), other)
	require.NoError(t, err)
	assert.True(t, other.IsSet(0))

	recv(t, srv, 2)
	assert.True(t, sig.IsSet(0), "depth 2 is above the low mark")
	recv(t, srv, 1)
	assert.False(t, sig.IsSet(0))
	assert.False(t, other.IsSet(0))
}

func TestLocal_LoadAndClose(t *testing.T) {
	c := newLocal(t, nil)
	srv, err := c.Bind("topo", 0)
	require.NoError(t, err)
	cl, err := c.Connect("topo", "h", srv.Port(), nil)
	require.NoError(t, err)

	require.NoError(t, srv.SendLoadMetrics(map[int]float64{4: 0.75}))
	loads := cl.GetLoad([]int{4, 5})
	require.Len(t, loads, 1)
	assert.Equal(t, 0.75, loads[4].BoltLoad)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.Equal(t, api.StateClosed, cl.State())
	_, err = cl.Send(context.Background(), 0, nil)
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, cl.WaitReady(context.Background()), api.ErrConnectionClosed)
	_, err = cl.Receive(context.Background())
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, cl.SendLoadMetrics(map[int]float64{1: 1}), api.ErrConnectionClosed)
	_, err = srv.Send(context.Background(), 0, nil)
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, srv.SendLoadMetrics(map[int]float64{1: 1}), api.ErrConnectionClosed)
}

func TestLocal_ReceiveEndsWhenServerCloses(t *testing.T) {
	c := newLocal(t, nil)
	conn, err := c.Bind("topo", 0)
	require.NoError(t, err)
	srv := conn.(*Server)
	cl, err := c.Connect("topo", "h", srv.Port(), nil)
	require.NoError(t, err)

	seq, err := srv.Receive(context.Background())
	require.NoError(t, err)
	consumed := make(chan int, 1)
	go func() {
		n := 0
		for range seq {
			n++
		}
		consumed <- n
	}()

	_, err = cl.Send(context.Background(), 0, []byte("only"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return srv.inbound.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())
	select {
	case n := <-consumed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("range over Receive still running after Close")
	}
}

func TestLocal_TermClosesEverything(t *testing.T) {
	c := New(io.Discard)
	require.NoError(t, c.Prepare(nil))
	srv, err := c.Bind("topo", 0)
	require.NoError(t, err)
	cl, err := c.Connect("topo", "h", srv.Port(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Term())
	assert.Equal(t, api.StateClosed, srv.State())
	assert.Equal(t, api.StateClosed, cl.State())

	var ise *api.IllegalStateError
	assert.ErrorAs(t, c.Term(), &ise)
	_, err = c.Bind("topo", 0)
	assert.ErrorAs(t, err, &ise)
}
