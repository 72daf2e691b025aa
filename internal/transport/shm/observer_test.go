/*
 *
 * Copyright 2025 gRPC authors.
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
 *
 */

//go:build linux

package shm

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	data  []byte
	id    uint64
	clock uint64
	hash  uint64
}

// collector records delivered samples.
type collector struct {
	mu      sync.Mutex
	samples []sample
	calls   atomic.Int64
	notify  chan sample
}

func newCollector() *collector {
	return &collector{notify: make(chan sample, 1024)}
}

func (c *collector) callback(data []byte, id, clock uint64, _ int64, hash uint64) int {
	s := sample{data: append([]byte(nil), data...), id: id, clock: clock, hash: hash}
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	c.calls.Add(1)
	select {
	case c.notify <- s:
	default:
	}
	return len(data)
}

func (c *collector) next(t *testing.T) sample {
	t.Helper()
	select {
	case s := <-c.notify:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no sample delivered")
		return sample{}
	}
}

func (c *collector) clocks() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.samples))
	for i, s := range c.samples {
		out[i] = s.clock
	}
	return out
}

var testObserverOptions = ObserverOptions{
	PollInterval:  5 * time.Millisecond,
	AccessTimeout: time.Second,
}

func startTestObserver(t *testing.T, reg *Registry, sm *SyncMemFile, pid string, timeout time.Duration, cb DataCallback) *MemFileObserver {
	t.Helper()

	opts := testObserverOptions
	opts.Registry = reg
	o := NewMemFileObserver(opts)
	require.NoError(t, o.Create(sm.Name(), EventName(sm.Name(), pid)))
	require.NoError(t, o.Start(timeout, cb))
	t.Cleanup(o.Destroy)
	return o
}

func TestObserverDeliversBufferedAndZeroCopy(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "deliver", 256)
	require.NoError(t, sm.Connect("1"))

	c := newCollector()
	o := startTestObserver(t, reg, sm, "1", 0, c.callback)
	assert.True(t, o.IsObserving())
	assert.Equal(t, sm.Name(), o.Name())

	require.NoError(t, sm.WriteBuffer([]byte("buffered"), WriteAttr{ID: 3, Clock: 1}))
	s := c.next(t)
	assert.Equal(t, "buffered", string(s.data))
	assert.Equal(t, uint64(3), s.id)
	assert.Equal(t, uint64(1), s.clock)

	require.NoError(t, sm.WriteBuffer([]byte("zero-copy"), WriteAttr{ID: 3, Clock: 2, ZeroCopy: true}))
	s = c.next(t)
	assert.Equal(t, "zero-copy", string(s.data))
	assert.Equal(t, uint64(2), s.clock)
}

func TestObserverDiscardsStaleClock(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "stale", 256)
	require.NoError(t, sm.Connect("1"))

	c := newCollector()
	startTestObserver(t, reg, sm, "1", 0, c.callback)

	require.NoError(t, sm.WriteBuffer([]byte("five"), WriteAttr{Clock: 5}))
	c.next(t)

	require.NoError(t, sm.WriteBuffer([]byte("five again"), WriteAttr{Clock: 5}))
	require.NoError(t, sm.WriteBuffer([]byte("four"), WriteAttr{Clock: 4}))
	require.NoError(t, sm.WriteBuffer([]byte("six"), WriteAttr{Clock: 6}))

	s := c.next(t)
	assert.Equal(t, "six", string(s.data))
	assert.Equal(t, []uint64{5, 6}, c.clocks())
}

func TestObserverAcknowledges(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "observer-ack", 256)
	require.NoError(t, sm.Connect("1"))

	c := newCollector()
	startTestObserver(t, reg, sm, "1", 0, c.callback)

	start := time.Now()
	require.NoError(t, sm.WriteBuffer([]byte("ack"), WriteAttr{Clock: 1, AckTimeout: 2 * time.Second}))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, sm.AckInvalidated("1"))
	assert.Equal(t, int64(1), c.calls.Load())
}

func TestObserverVerifyHashDropsCorruptSample(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "verify", 256)
	require.NoError(t, sm.Connect("1"))

	opts := testObserverOptions
	opts.Registry = reg
	opts.VerifyHash = true
	o := NewMemFileObserver(opts)
	require.NoError(t, o.Create(sm.Name(), EventName(sm.Name(), "1")))
	defer o.Destroy()

	c := newCollector()
	require.NoError(t, o.Start(0, c.callback))

	require.NoError(t, sm.WriteBuffer([]byte("bad"), WriteAttr{Clock: 1, Hash: 1}))
	require.NoError(t, sm.WriteBuffer([]byte("good"), WriteAttr{Clock: 2}))
	s := c.next(t)
	assert.Equal(t, "good", string(s.data))
	assert.Equal(t, []uint64{2}, c.clocks())
}

func TestObserverDropsPayloadBeyondSegment(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "oversized", 256)

	opts := testObserverOptions
	opts.Registry = reg
	o := NewMemFileObserver(opts)
	require.NoError(t, o.Create(sm.Name(), EventName(sm.Name(), "1")))
	t.Cleanup(o.Destroy)

	mf := openTestMemFile(t, reg, sm.Name())
	writeHeader := func(h PayloadHeader) {
		var raw [payloadHeaderSize]byte
		encodePayloadHeaderTo(&raw, h)
		require.True(t, mf.GetWriteAccess(time.Second))
		_, err := mf.Write(raw[:], 0)
		require.NoError(t, err)
		require.True(t, mf.ReleaseWriteAccess())
	}
	c := newCollector()

	for _, size := range []uint64{^uint64(0) - 10, 1 << 20} {
		writeHeader(PayloadHeader{DataSize: size, Clock: 5})
		assert.NotPanics(t, func() { o.readSample(c.callback) })
	}

	// A header claiming less than its own size field is rejected too.
	require.True(t, mf.GetWriteAccess(time.Second))
	_, err := mf.Write([]byte{1, 0}, 0)
	require.NoError(t, err)
	require.True(t, mf.ReleaseWriteAccess())
	assert.NotPanics(t, func() { o.readSample(c.callback) })
	assert.Zero(t, c.calls.Load())

	// Dropped samples do not consume their clock.
	require.NoError(t, sm.WriteBuffer([]byte("valid"), WriteAttr{Clock: 5}))
	o.readSample(c.callback)
	assert.Equal(t, []uint64{5}, c.clocks())
}

func TestObserverRedeliversClockAfterHashMismatch(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "rehash", 256)

	opts := testObserverOptions
	opts.Registry = reg
	opts.VerifyHash = true
	o := NewMemFileObserver(opts)
	require.NoError(t, o.Create(sm.Name(), EventName(sm.Name(), "1")))
	t.Cleanup(o.Destroy)

	c := newCollector()
	require.NoError(t, sm.WriteBuffer([]byte("corrupt"), WriteAttr{Clock: 1, Hash: 1}))
	o.readSample(c.callback)
	assert.Zero(t, c.calls.Load())

	require.NoError(t, sm.WriteBuffer([]byte("corrected"), WriteAttr{Clock: 1, ForceFullWrite: true}))
	o.readSample(c.callback)
	require.Equal(t, []uint64{1}, c.clocks())
	assert.Equal(t, "corrected", string(c.samples[0].data))
}

func TestObserverMonotonicClockUnderConcurrentWrites(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "monotonic", 4096)
	require.NoError(t, sm.Connect("1"))

	c := newCollector()
	o := startTestObserver(t, reg, sm, "1", 0, c.callback)

	const writes = 300
	for clock := uint64(1); clock <= writes; clock++ {
		size := 1 + rand.IntN(2048)
		require.NoError(t, sm.WriteBuffer(bytes.Repeat([]byte{byte(clock)}, size), WriteAttr{Clock: clock}))
		if rand.IntN(4) == 0 {
			time.Sleep(time.Duration(rand.IntN(300)) * time.Microsecond)
		}
	}

	require.Eventually(t, func() bool {
		clocks := c.clocks()
		return len(clocks) > 0 && clocks[len(clocks)-1] == writes
	}, 2*time.Second, 5*time.Millisecond)
	o.Stop()
	o.Join()

	clocks := c.clocks()
	for i := 1; i < len(clocks); i++ {
		require.Greater(t, clocks[i], clocks[i-1], "clock went backwards at delivery %d", i)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.samples {
		require.NotEmpty(t, s.data)
		for _, b := range s.data {
			require.Equal(t, byte(s.clock), b, "torn payload for clock %d", s.clock)
		}
	}
}

func TestObserverExitsAfterInactivity(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "inactive", 256)
	require.NoError(t, sm.Connect("1"))

	o := startTestObserver(t, reg, sm, "1", 50*time.Millisecond, newCollector().callback)
	require.Eventually(t, func() bool { return !o.IsObserving() }, 2*time.Second, 5*time.Millisecond)
}

func TestObserverResetTimeoutKeepsItAlive(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "keepalive", 256)
	require.NoError(t, sm.Connect("1"))

	o := startTestObserver(t, reg, sm, "1", 80*time.Millisecond, newCollector().callback)
	for range 10 {
		time.Sleep(20 * time.Millisecond)
		o.ResetTimeout()
	}
	assert.True(t, o.IsObserving())
}

func TestObserverRequiresExistingSegment(t *testing.T) {
	reg := newTestRegistry(t)
	opts := testObserverOptions
	opts.Registry = reg

	o := NewMemFileObserver(opts)
	assert.Error(t, o.Create(uniqueName(t, "absent"), "absent_1"))
	assert.ErrorIs(t, o.Start(0, newCollector().callback), ErrNotCreated)
	o.Destroy()
}

func newTestPool(t *testing.T, reg *Registry) *MemFileThreadPool {
	t.Helper()

	opts := testObserverOptions
	opts.Registry = reg
	p := NewMemFileThreadPool(PoolOptions{Observer: opts, CleanupInterval: 20 * time.Millisecond})
	t.Cleanup(p.Stop)
	return p
}

func TestPoolObserveFile(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "pool", 256)
	require.NoError(t, sm.Connect("1"))

	p := newTestPool(t, reg)
	c := newCollector()
	require.True(t, p.ObserveFile(sm.Name(), EventName(sm.Name(), "1"), time.Minute, c.callback))
	require.True(t, p.ObserveFile(sm.Name(), EventName(sm.Name(), "1"), time.Minute, c.callback), "second call resets the timeout")
	assert.Equal(t, 1, p.Len())
	assert.True(t, p.IsObserving(sm.Name()))

	require.NoError(t, sm.WriteBuffer([]byte("pooled"), WriteAttr{Clock: 1}))
	assert.Equal(t, "pooled", string(c.next(t).data))

	assert.False(t, p.ObserveFile(uniqueName(t, "absent"), "absent_1", time.Minute, c.callback))
	assert.Equal(t, 1, p.Len())
}

func TestPoolRemovesInactiveObservers(t *testing.T) {
	reg := newTestRegistry(t)
	sm := newTestSyncMemFile(t, reg, "pool-gc", 256)
	require.NoError(t, sm.Connect("1"))

	p := newTestPool(t, reg)
	require.True(t, p.ObserveFile(sm.Name(), EventName(sm.Name(), "1"), 30*time.Millisecond, newCollector().callback))
	require.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, p.ObserveFile(sm.Name(), EventName(sm.Name(), "1"), time.Minute, newCollector().callback))
	assert.True(t, p.IsObserving(sm.Name()))
}

func TestPoolStopJoinsObservers(t *testing.T) {
	reg := newTestRegistry(t)
	p := newTestPool(t, reg)

	var writers []*SyncMemFile
	c := newCollector()
	for i := range 4 {
		sm := newTestSyncMemFile(t, reg, "pool-stop", 256)
		require.NoError(t, sm.Connect("1"))
		require.True(t, p.ObserveFile(sm.Name(), EventName(sm.Name(), "1"), time.Minute, c.callback))
		require.NoError(t, sm.WriteBuffer([]byte{byte(i)}, WriteAttr{Clock: 1}))
		writers = append(writers, sm)
	}
	require.Eventually(t, func() bool { return c.calls.Load() == 4 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.Zero(t, p.Len())
	calls := c.calls.Load()

	for _, sm := range writers {
		require.NoError(t, sm.WriteBuffer([]byte("late"), WriteAttr{Clock: 2}))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, c.calls.Load(), "no callback after Stop")
	assert.False(t, p.ObserveFile(writers[0].Name(), EventName(writers[0].Name(), "1"), time.Minute, c.callback))
}
