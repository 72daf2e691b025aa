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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedMutexLockUnlock(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "mtx")

	m, err := OpenNamedMutex(reg, name, false)
	require.NoError(t, err)
	defer m.Close(true)

	assert.Equal(t, LockAcquired, m.Lock(time.Second))
	assert.NotZero(t, m.Owner())
	assert.True(t, m.Unlock())
	assert.Zero(t, m.Owner())
	assert.False(t, m.Unlock(), "unlocking a free mutex")
}

func TestNamedMutexTimeout(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "mtx")

	a, err := OpenNamedMutex(reg, name, true)
	require.NoError(t, err)
	defer a.Close(true)
	b, err := OpenNamedMutex(reg, name, true)
	require.NoError(t, err)
	defer b.Close(false)

	require.Equal(t, LockAcquired, a.Lock(time.Second))
	defer a.Unlock()

	start := time.Now()
	res := b.Lock(60 * time.Millisecond)
	assert.Equal(t, LockTimedOut, res)
	assert.False(t, res.Acquired())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestNamedMutexExclusion(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "mtx")

	const workers, rounds = 4, 200
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range workers {
		m, err := OpenNamedMutex(reg, name, false)
		require.NoError(t, err)
		defer m.Close(true)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				if !m.Lock(5 * time.Second).Acquired() {
					overlap.Store(true)
					return
				}
				if inside.Add(1) != 1 {
					overlap.Store(true)
				}
				inside.Add(-1)
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestNamedMutexRecoversDeadOwner(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "mtx")

	m, err := OpenNamedMutex(reg, name, true)
	require.NoError(t, err)
	defer m.Close(true)

	dead := deadPID(t)
	atomic.StoreUint32(&m.state().owner, dead)

	res := m.Lock(time.Second)
	assert.Equal(t, LockRecovered, res)
	assert.True(t, res.Acquired())
	assert.Equal(t, uint32(1), m.Recoveries())
	assert.True(t, m.Unlock())
}

func TestNamedMutexWithoutSanitizeStaysLocked(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "mtx")

	m, err := OpenNamedMutex(reg, name, false)
	require.NoError(t, err)
	defer m.Close(true)

	atomic.StoreUint32(&m.state().owner, deadPID(t))
	assert.Equal(t, LockTimedOut, m.Lock(80*time.Millisecond))
	assert.Zero(t, m.Recoveries())
}

func TestLockResultString(t *testing.T) {
	assert.Equal(t, "acquired", LockAcquired.String())
	assert.Equal(t, "recovered", LockRecovered.String())
	assert.Equal(t, "timed_out", LockTimedOut.String())
}

func TestNamedEventSetWait(t *testing.T) {
	reg := newTestRegistry(t)
	name := uniqueName(t, "evt")

	e, err := OpenNamedEvent(reg, name)
	require.NoError(t, err)
	defer e.Close(true)

	assert.False(t, e.Wait(0))
	e.Set()
	assert.True(t, e.Wait(0))
	assert.False(t, e.Wait(0), "signal is consumed by one wait")
	assert.Equal(t, uint64(1), e.Sets())
}

func TestNamedEventReset(t *testing.T) {
	reg := newTestRegistry(t)

	e, err := OpenNamedEvent(reg, uniqueName(t, "evt"))
	require.NoError(t, err)
	defer e.Close(true)

	e.Set()
	e.Reset()
	assert.False(t, e.Wait(20*time.Millisecond))
}

func TestNamedEventWakesWaiterAcrossMappings(t *testing.T) {
	dir := t.TempDir()
	name := uniqueName(t, "evt")

	// Two registries map the file twice, as two processes would.
	waiter, err := OpenNamedEvent(NewRegistry(dir), name)
	require.NoError(t, err)
	defer waiter.Close(true)
	setter, err := OpenNamedEvent(NewRegistry(dir), name)
	require.NoError(t, err)
	defer setter.Close(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		setter.Set()
	}()

	start := time.Now()
	assert.True(t, waiter.Wait(2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	<-done
}
