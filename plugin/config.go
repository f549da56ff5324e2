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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cast"

	"github.com/srediag/plugin-messaging/api"
)

// Recognized configuration keys. Anything else in the map is ignored.
const (
	ConfBufferSize         = "storm.messaging.netty.buffer_size"
	ConfMaxRetries         = "storm.messaging.netty.max_retries"
	ConfMinWaitMs          = "storm.messaging.netty.min_wait_ms"
	ConfMaxWaitMs          = "storm.messaging.netty.max_wait_ms"
	ConfBatchSize          = "storm.messaging.netty.transfer.batch.size"
	ConfConnectTimeoutMs   = "storm.messaging.netty.connect.timeout.ms"
	ConfWriteTimeoutMs     = "storm.messaging.netty.write.timeout.ms"
	ConfCloseTimeoutMs     = "storm.messaging.netty.close.timeout.ms"
	ConfHeartbeatMs        = "storm.messaging.heartbeat.interval.ms"
	ConfSendQueueSize      = "storm.messaging.send.queue.size"
	ConfReceiveQueueSize   = "storm.messaging.receive.queue.size"
	ConfTaskQueueSize      = "storm.messaging.task.queue.size"
	ConfHighWatermark      = "backpressure.high.watermark"
	ConfLowWatermark       = "backpressure.low.watermark"
	ConfBackpressurePolicy = "storm.messaging.backpressure.policy"
	ConfWorkerPoolSize     = "storm.messaging.worker.pool.size"
	ConfTermGraceMs        = "storm.messaging.term.grace.ms"
)

const (
	defaultBufferSize        = 5 << 20
	defaultMaxRetries        = 300
	defaultMinWait           = 100 * time.Millisecond
	defaultMaxWait           = time.Second
	defaultBatchSize         = 256 << 10
	defaultConnectTimeout    = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultCloseTimeout      = 2 * time.Second
	defaultHeartbeatInterval = time.Second
	defaultSendQueueSize     = 16384
	defaultReceiveQueueSize  = 32768
	defaultTaskQueueSize     = 1024
	defaultHighWatermark     = 0.9
	defaultLowWatermark      = 0.4
	defaultTermGrace         = 5 * time.Second
	workersPerCPU            = 128
	minWorkerPoolSize        = 256
)

// BackpressurePolicy decides what Send does with a message for a congested task.
type BackpressurePolicy int

const (
	// PolicyBlock waits for the task to drain.
	PolicyBlock BackpressurePolicy = iota
	// PolicyReject returns api.Congested without enqueueing.
	PolicyReject
)

func (p BackpressurePolicy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "block"
}

// Config is the immutable tuning of a prepared Context.
type Config struct {
	// SocketBufferSize sizes the kernel send and receive buffers of every link.
	SocketBufferSize int

	// MaxRetries bounds reconnect attempts after an established link fails.
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration

	// BatchSize caps the bytes of one batch frame.
	BatchSize int

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	CloseTimeout      time.Duration
	HeartbeatInterval time.Duration
	TermGracePeriod   time.Duration

	// SendQueueSize is the outbound capacity of a client, in messages.
	SendQueueSize int
	// ReceiveQueueSize is the inbound capacity of a server, in messages.
	ReceiveQueueSize int
	// TaskQueueSize is the per-task budget the watermarks apply to.
	TaskQueueSize int
	HighWatermark float64
	LowWatermark  float64

	BackpressurePolicy BackpressurePolicy

	// WorkerPoolSize caps the goroutines the Context runs connection loops on.
	WorkerPoolSize int
}

// DefaultConfig returns the configuration used for keys missing from the map.
func DefaultConfig() *Config {
	return &Config{
		SocketBufferSize:   defaultBufferSize,
		MaxRetries:         defaultMaxRetries,
		MinWait:            defaultMinWait,
		MaxWait:            defaultMaxWait,
		BatchSize:          defaultBatchSize,
		ConnectTimeout:     defaultConnectTimeout,
		WriteTimeout:       defaultWriteTimeout,
		CloseTimeout:       defaultCloseTimeout,
		HeartbeatInterval:  defaultHeartbeatInterval,
		TermGracePeriod:    defaultTermGrace,
		SendQueueSize:      defaultSendQueueSize,
		ReceiveQueueSize:   defaultReceiveQueueSize,
		TaskQueueSize:      defaultTaskQueueSize,
		HighWatermark:      defaultHighWatermark,
		LowWatermark:       defaultLowWatermark,
		BackpressurePolicy: PolicyBlock,
		WorkerPoolSize:     defaultWorkerPoolSize(),
	}
}

func defaultWorkerPoolSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return minWorkerPoolSize
	}
	if n*workersPerCPU < minWorkerPoolSize {
		return minWorkerPoolSize
	}
	return n * workersPerCPU
}

// VerifyConfig checks the invariants the transport relies on.
func VerifyConfig(config *Config) error {
	positive := []struct {
		key string
		v   int
	}{
		{ConfBufferSize, config.SocketBufferSize},
		{ConfBatchSize, config.BatchSize},
		{ConfSendQueueSize, config.SendQueueSize},
		{ConfReceiveQueueSize, config.ReceiveQueueSize},
		{ConfTaskQueueSize, config.TaskQueueSize},
		{ConfWorkerPoolSize, config.WorkerPoolSize},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &api.ConfigError{Key: p.key, Value: p.v, Reason: "must be positive"}
		}
	}
	if config.MaxRetries < 0 {
		return &api.ConfigError{Key: ConfMaxRetries, Value: config.MaxRetries, Reason: "must not be negative"}
	}
	durations := []struct {
		key string
		v   time.Duration
	}{
		{ConfMinWaitMs, config.MinWait},
		{ConfMaxWaitMs, config.MaxWait},
		{ConfConnectTimeoutMs, config.ConnectTimeout},
		{ConfWriteTimeoutMs, config.WriteTimeout},
		{ConfCloseTimeoutMs, config.CloseTimeout},
		{ConfHeartbeatMs, config.HeartbeatInterval},
		{ConfTermGraceMs, config.TermGracePeriod},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return &api.ConfigError{Key: d.key, Value: d.v, Reason: "must be positive"}
		}
	}
	if config.MinWait > config.MaxWait {
		return &api.ConfigError{Key: ConfMinWaitMs, Value: config.MinWait,
			Reason: fmt.Sprintf("exceeds %s=%v", ConfMaxWaitMs, config.MaxWait)}
	}
	if config.HighWatermark <= 0 || config.HighWatermark > 1 {
		return &api.ConfigError{Key: ConfHighWatermark, Value: config.HighWatermark, Reason: "must be in (0, 1]"}
	}
	if config.LowWatermark < 0 || config.LowWatermark >= config.HighWatermark {
		return &api.ConfigError{Key: ConfLowWatermark, Value: config.LowWatermark,
			Reason: fmt.Sprintf("must be in [0, %s)", ConfHighWatermark)}
	}
	if config.BackpressurePolicy != PolicyBlock && config.BackpressurePolicy != PolicyReject {
		return &api.ConfigError{Key: ConfBackpressurePolicy, Value: config.BackpressurePolicy, Reason: "unknown policy"}
	}
	return nil
}

// ParseConfig overlays the recognized keys of conf on DefaultConfig and
// verifies the result.
func ParseConfig(conf map[string]any) (*Config, error) {
	c := DefaultConfig()
	r := confReader{conf: conf}
	r.int(ConfBufferSize, &c.SocketBufferSize)
	r.int(ConfMaxRetries, &c.MaxRetries)
	r.millis(ConfMinWaitMs, &c.MinWait)
	r.millis(ConfMaxWaitMs, &c.MaxWait)
	r.int(ConfBatchSize, &c.BatchSize)
	r.millis(ConfConnectTimeoutMs, &c.ConnectTimeout)
	r.millis(ConfWriteTimeoutMs, &c.WriteTimeout)
	r.millis(ConfCloseTimeoutMs, &c.CloseTimeout)
	r.millis(ConfHeartbeatMs, &c.HeartbeatInterval)
	r.millis(ConfTermGraceMs, &c.TermGracePeriod)
	r.int(ConfSendQueueSize, &c.SendQueueSize)
	r.int(ConfReceiveQueueSize, &c.ReceiveQueueSize)
	r.int(ConfTaskQueueSize, &c.TaskQueueSize)
	r.float(ConfHighWatermark, &c.HighWatermark)
	r.float(ConfLowWatermark, &c.LowWatermark)
	r.policy(ConfBackpressurePolicy, &c.BackpressurePolicy)
	r.int(ConfWorkerPoolSize, &c.WorkerPoolSize)
	if r.err != nil {
		return nil, r.err
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// confReader keeps the first conversion error and skips the rest.
type confReader struct {
	conf map[string]any
	err  error
}

func (r *confReader) lookup(key string) (any, bool) {
	if r.err != nil || r.conf == nil {
		return nil, false
	}
	v, ok := r.conf[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r *confReader) fail(key string, v any, reason string) {
	r.err = &api.ConfigError{Key: key, Value: v, Reason: reason}
}

func (r *confReader) int(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := toInt(v)
	if err != nil {
		r.fail(key, v, err.Error())
		return
	}
	*dst = n
}

// millis reads a duration given in milliseconds. time.Duration values and
// strings with a unit ("250ms", "2s") are taken as they are.
func (r *confReader) millis(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	switch x := v.(type) {
	case time.Duration:
		*dst = x
		return
	case string:
		if strings.ContainsAny(x, "nsuµmh") {
			d, err := cast.ToDurationE(strings.TrimSpace(x))
			if err != nil {
				r.fail(key, v, "not a duration")
				return
			}
			*dst = d
			return
		}
	}
	n, err := toInt(v)
	if err != nil {
		r.fail(key, v, err.Error())
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (r *confReader) float(key string, dst *float64) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	if _, isBool := v.(bool); isBool {
		r.fail(key, v, "expected a number")
		return
	}
	if s, isString := v.(string); isString {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.fail(key, v, "expected a number")
		return
	}
	*dst = f
}

func (r *confReader) policy(key string, dst *BackpressurePolicy) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	name, err := cast.ToStringE(v)
	if err != nil {
		r.fail(key, v, "expected \"block\" or \"reject\"")
		return
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "block":
		*dst = PolicyBlock
	case "reject":
		*dst = PolicyReject
	default:
		r.fail(key, v, "expected \"block\" or \"reject\"")
	}
}

// toInt accepts whole numbers of any numeric type or numeric strings. cast
// treats booleans as 0 and 1 and truncates fractions; both are refused here.
func toInt(v any) (int, error) {
	if _, isBool := v.(bool); isBool {
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
	if s, isString := v.(string); isString {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected an integer")
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("out of range")
	}
	return int(f), nil
}
