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

package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// syncWordSize is the size of the files backing named mutexes and events.
const syncWordSize = 64

// livenessPoll bounds a single futex wait on a contended mutex so the owner's
// liveness is rechecked even if it never wakes us.
const livenessPoll = 50 * time.Millisecond

// LockResult is the outcome of NamedMutex.Lock.
type LockResult int

const (
	// LockTimedOut means the mutex was not acquired within the timeout.
	LockTimedOut LockResult = iota
	// LockAcquired means the mutex was acquired normally.
	LockAcquired
	// LockRecovered means the mutex was taken over from a process that died
	// while holding it. Data it protects may be half written.
	LockRecovered
)

// Acquired reports whether the caller now holds the lock.
func (r LockResult) Acquired() bool {
	return r != LockTimedOut
}

func (r LockResult) String() string {
	switch r {
	case LockAcquired:
		return "acquired"
	case LockRecovered:
		return "recovered"
	default:
		return "timed_out"
	}
}

// Locker is a cross-process lock with a bounded acquire.
type Locker interface {
	Lock(timeout time.Duration) LockResult
	Unlock() bool
}

var _ Locker = (*NamedMutex)(nil)

// mutexState is the shared layout of a named mutex.
type mutexState struct {
	owner      uint32 // 0x00: pid of the holder, 0 when free (futex word)
	waiters    uint32 // 0x04: processes parked on owner
	recoveries uint32 // 0x08: number of takeovers from dead owners
	pad        uint32 // 0x0C
	reserved   [48]byte
}

// NamedMutex is a process-shared mutex identified by name. The owner word
// holds the pid of the holder so a crashed holder can be detected. It is not
// reentrant, also not across goroutines of the same process.
type NamedMutex struct {
	name         string
	reg          *Registry
	info         *segmentInfo
	pid          uint32
	autoSanitize bool
}

// OpenNamedMutex opens the named mutex, creating it if it does not exist. With
// autoSanitize set, a mutex held by a dead process is taken over and Lock
// reports LockRecovered; otherwise such a mutex stays locked forever.
func OpenNamedMutex(reg *Registry, name string, autoSanitize bool) (*NamedMutex, error) {
	reg = registryOrDefault(reg)
	info, err := reg.acquire(name+"_mtx", true, syncWordSize, syncWordSize)
	if err != nil {
		return nil, fmt.Errorf("open named mutex %s: %w", name, err)
	}
	return &NamedMutex{
		name:         name,
		reg:          reg,
		info:         info,
		pid:          uint32(os.Getpid()),
		autoSanitize: autoSanitize,
	}, nil
}

func (m *NamedMutex) state() *mutexState {
	return (*mutexState)(unsafe.Pointer(&m.info.mem[0]))
}

// Name returns the mutex name.
func (m *NamedMutex) Name() string {
	return m.name
}

// Lock acquires the mutex, waiting at most timeout. A negative timeout waits
// forever, zero only tries once.
func (m *NamedMutex) Lock(timeout time.Duration) LockResult {
	st := m.state()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.CompareAndSwapUint32(&st.owner, 0, m.pid) {
			return LockAcquired
		}

		owner := atomic.LoadUint32(&st.owner)
		if owner == 0 {
			continue
		}

		if m.autoSanitize && owner != m.pid && !processAlive(owner) {
			if atomic.CompareAndSwapUint32(&st.owner, owner, m.pid) {
				atomic.AddUint32(&st.recoveries, 1)
				log.Warn().Str("mutex", m.name).Uint32("dead_owner", owner).Msg("Recovered abandoned mutex")
				return LockRecovered
			}
			continue
		}

		wait := livenessPoll
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return LockTimedOut
			}
			if remaining < wait {
				wait = remaining
			}
		}

		atomic.AddUint32(&st.waiters, 1)
		err := futexWaitTimeout(&st.owner, owner, wait)
		atomic.AddUint32(&st.waiters, ^uint32(0))
		if err == ErrUnsupported {
			time.Sleep(time.Millisecond)
		}
	}
}

// Unlock releases the mutex. It returns false if this process does not hold it.
func (m *NamedMutex) Unlock() bool {
	st := m.state()
	if !atomic.CompareAndSwapUint32(&st.owner, m.pid, 0) {
		return false
	}
	if atomic.LoadUint32(&st.waiters) > 0 {
		futexWake(&st.owner, 1)
	}
	return true
}

// Owner returns the pid currently holding the mutex, 0 if free.
func (m *NamedMutex) Owner() uint32 {
	return atomic.LoadUint32(&m.state().owner)
}

// Recoveries returns how often the mutex was taken over from a dead owner.
func (m *NamedMutex) Recoveries() uint32 {
	return atomic.LoadUint32(&m.state().recoveries)
}

// Close unmaps the mutex and unlinks it when remove is set.
func (m *NamedMutex) Close(remove bool) error {
	if m.info == nil {
		return nil
	}
	err := m.reg.release(m.info, remove)
	m.info = nil
	return err
}
