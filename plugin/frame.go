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

// Wire format: [4-byte big-endian length][1-byte tag][payload].
// The length covers the tag byte plus the payload.
//
// Payloads:
//
//	hello         [2B len][topology id]
//	helloAck      empty
//	reject        [2B len][reason]
//	batch         [4B count] then count x ([4B task][4B len][bytes])
//	backpressure  [1B full][4B n][4B task]... [4B n][4B task]...
//	load          [4B n] then n x ([4B task][8B float64 bits])
//	heartbeat     empty
//
// A full backpressure frame carries the complete congested set: the client
// clears every task it flagged earlier that is not listed.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/plugin-messaging/api"
)

const (
	tagHello byte = iota + 1
	tagHelloAck
	tagReject
	tagBatch
	tagBackpressure
	tagLoad
	tagHeartbeat
)

const (
	frameHeaderLength = 5
	batchEntryHeader  = 8
	maxFramePayload   = 16 << 20
	maxTopologyID     = 1024
)

var errFrameTooLarge = errors.New("frame too large")

func tagName(tag byte) string {
	switch tag {
	case tagHello:
		return "hello"
	case tagHelloAck:
		return "helloAck"
	case tagReject:
		return "reject"
	case tagBatch:
		return "batch"
	case tagBackpressure:
		return "backpressure"
	case tagLoad:
		return "load"
	case tagHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("tag(%d)", tag)
	}
}

// appendFrame appends one complete frame to buf.
func appendFrame(buf *bytebufferpool.ByteBuffer, tag byte, payload []byte) error {
	if len(payload)+1 > maxFramePayload {
		return errFrameTooLarge
	}
	var hdr [frameHeaderLength]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = tag
	_, _ = buf.Write(hdr[:])
	_, _ = buf.Write(payload)
	return nil
}

// writeFrame writes one frame with a single Write call.
func writeFrame(w io.Writer, tag byte, payload []byte) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := appendFrame(buf, tag, payload); err != nil {
		return err
	}
	_, err := w.Write(buf.B)
	return err
}

// readFrame reads one frame. The returned payload is freshly allocated and
// owned by the caller.
func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	if n < 1 {
		return 0, nil, fmt.Errorf("frame length %d too small", n)
	}
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("incomplete %s frame: %w", tagName(hdr[4]), err)
	}
	return hdr[4], payload, nil
}

func encodeString(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

func decodeString(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("string header truncated")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) != 2+n {
		return "", fmt.Errorf("string length %d does not match payload %d", n, len(b)-2)
	}
	return string(b[2:]), nil
}

func encodeHello(topologyID string) ([]byte, error) {
	if len(topologyID) > maxTopologyID {
		return nil, fmt.Errorf("topology id longer than %d bytes", maxTopologyID)
	}
	return encodeString(topologyID), nil
}

// batchSize returns the encoded size of msg inside a batch frame.
func batchEntrySize(msg api.TaskMessage) int {
	return batchEntryHeader + len(msg.Payload)
}

// appendBatches appends msgs as one or more batch frames, opening a new frame
// whenever the next message would push the current one past limit bytes.
func appendBatches(buf *bytebufferpool.ByteBuffer, msgs []api.TaskMessage, limit int) error {
	for len(msgs) > 0 {
		size := 4
		n := 0
		for n < len(msgs) {
			s := batchEntrySize(msgs[n])
			if n > 0 && size+s > limit {
				break
			}
			size += s
			n++
		}
		if size+1 > maxFramePayload {
			return fmt.Errorf("%w: message for task %d is %d bytes", errFrameTooLarge, msgs[0].Task, len(msgs[0].Payload))
		}
		var hdr [frameHeaderLength + 4]byte
		binary.BigEndian.PutUint32(hdr[:4], uint32(size+1))
		hdr[4] = tagBatch
		binary.BigEndian.PutUint32(hdr[5:], uint32(n))
		_, _ = buf.Write(hdr[:])
		for _, m := range msgs[:n] {
			var eh [batchEntryHeader]byte
			binary.BigEndian.PutUint32(eh[:4], uint32(int32(m.Task)))
			binary.BigEndian.PutUint32(eh[4:], uint32(len(m.Payload)))
			_, _ = buf.Write(eh[:])
			_, _ = buf.Write(m.Payload)
		}
		msgs = msgs[n:]
	}
	return nil
}

// decodeBatch splits a batch payload. Message payloads alias b.
func decodeBatch(b []byte) ([]api.TaskMessage, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("batch header truncated")
	}
	count := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if count > len(b)/batchEntryHeader {
		return nil, fmt.Errorf("batch count %d exceeds payload", count)
	}
	out := make([]api.TaskMessage, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < batchEntryHeader {
			return nil, fmt.Errorf("batch entry %d truncated", i)
		}
		task := int(int32(binary.BigEndian.Uint32(b[:4])))
		n := int(binary.BigEndian.Uint32(b[4:8]))
		b = b[batchEntryHeader:]
		if n > len(b) {
			return nil, fmt.Errorf("batch entry %d length %d exceeds payload", i, n)
		}
		out = append(out, api.TaskMessage{Task: task, Payload: b[:n:n]})
		b = b[n:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("batch has %d trailing bytes", len(b))
	}
	return out, nil
}

// backpressureUpdate is the decoded form of a backpressure frame.
type backpressureUpdate struct {
	full      bool
	congested []int
	clear     []int
}

func encodeBackpressure(u backpressureUpdate) []byte {
	b := make([]byte, 1+4+4*len(u.congested)+4+4*len(u.clear))
	if u.full {
		b[0] = 1
	}
	off := 1
	for _, list := range [][]int{u.congested, u.clear} {
		binary.BigEndian.PutUint32(b[off:], uint32(len(list)))
		off += 4
		for _, t := range list {
			binary.BigEndian.PutUint32(b[off:], uint32(int32(t)))
			off += 4
		}
	}
	return b
}

func decodeBackpressure(b []byte) (backpressureUpdate, error) {
	var u backpressureUpdate
	if len(b) < 1 {
		return u, fmt.Errorf("backpressure frame empty")
	}
	u.full = b[0] == 1
	b = b[1:]
	lists := [2][]int{}
	for i := range lists {
		if len(b) < 4 {
			return u, fmt.Errorf("backpressure list %d truncated", i)
		}
		n := int(binary.BigEndian.Uint32(b))
		b = b[4:]
		if n > len(b)/4 {
			return u, fmt.Errorf("backpressure list %d length %d exceeds payload", i, n)
		}
		lists[i] = make([]int, n)
		for j := 0; j < n; j++ {
			lists[i][j] = int(int32(binary.BigEndian.Uint32(b)))
			b = b[4:]
		}
	}
	if len(b) != 0 {
		return u, fmt.Errorf("backpressure frame has %d trailing bytes", len(b))
	}
	u.congested, u.clear = lists[0], lists[1]
	return u, nil
}

func encodeLoad(loads map[int]float64) []byte {
	tasks := make([]int, 0, len(loads))
	for t := range loads {
		tasks = append(tasks, t)
	}
	sort.Ints(tasks)
	b := make([]byte, 4+12*len(tasks))
	binary.BigEndian.PutUint32(b, uint32(len(tasks)))
	off := 4
	for _, t := range tasks {
		binary.BigEndian.PutUint32(b[off:], uint32(int32(t)))
		binary.BigEndian.PutUint64(b[off+4:], math.Float64bits(loads[t]))
		off += 12
	}
	return b
}

func decodeLoad(b []byte) (map[int]float64, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("load frame truncated")
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) != 12*n {
		return nil, fmt.Errorf("load frame has %d bytes for %d entries", len(b), n)
	}
	out := make(map[int]float64, n)
	for i := 0; i < n; i++ {
		t := int(int32(binary.BigEndian.Uint32(b)))
		out[t] = math.Float64frombits(binary.BigEndian.Uint64(b[4:]))
		b = b[12:]
	}
	return out, nil
}
