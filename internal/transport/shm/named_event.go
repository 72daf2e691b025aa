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
	"math"
	"sync/atomic"
	"time"
	"unsafe"
)

// eventState is the shared layout of a named event.
type eventState struct {
	signaled uint32 // 0x00: 1 when set (futex word)
	waiters  uint32 // 0x04: processes parked on signaled
	sets     uint64 // 0x08: total number of Set calls, for diagnostics
	reserved [48]byte
}

// NamedEvent is an auto-reset event shared between processes. Set wakes a
// waiter; a successful Wait consumes the signal.
type NamedEvent struct {
	name string
	reg  *Registry
	info *segmentInfo
}

// OpenNamedEvent opens the named event, creating it in the reset state if it
// does not exist yet.
func OpenNamedEvent(reg *Registry, name string) (*NamedEvent, error) {
	reg = registryOrDefault(reg)
	info, err := reg.acquire(name+"_evt", true, syncWordSize, syncWordSize)
	if err != nil {
		return nil, fmt.Errorf("open named event %s: %w", name, err)
	}
	return &NamedEvent{name: name, reg: reg, info: info}, nil
}

func (e *NamedEvent) state() *eventState {
	return (*eventState)(unsafe.Pointer(&e.info.mem[0]))
}

// Name returns the event name.
func (e *NamedEvent) Name() string {
	return e.name
}

// Set signals the event and wakes waiters.
func (e *NamedEvent) Set() {
	if e.info == nil {
		return
	}
	st := e.state()
	atomic.StoreUint32(&st.signaled, 1)
	atomic.AddUint64(&st.sets, 1)
	if atomic.LoadUint32(&st.waiters) > 0 {
		futexWake(&st.signaled, math.MaxInt32)
	}
}

// Reset clears a pending signal.
func (e *NamedEvent) Reset() {
	if e.info == nil {
		return
	}
	atomic.StoreUint32(&e.state().signaled, 0)
}

// Wait blocks until the event is signaled or timeout elapses and reports
// whether a signal was consumed. A negative timeout waits forever.
func (e *NamedEvent) Wait(timeout time.Duration) bool {
	if e.info == nil {
		return false
	}
	st := e.state()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if atomic.CompareAndSwapUint32(&st.signaled, 1, 0) {
			return true
		}

		wait := time.Duration(-1)
		if timeout >= 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return false
			}
		}

		atomic.AddUint32(&st.waiters, 1)
		err := futexWaitTimeout(&st.signaled, 0, wait)
		atomic.AddUint32(&st.waiters, ^uint32(0))
		if err == ErrUnsupported {
			time.Sleep(time.Millisecond)
		}
	}
}

// Sets returns how often the event was set since it was created.
func (e *NamedEvent) Sets() uint64 {
	if e.info == nil {
		return 0
	}
	return atomic.LoadUint64(&e.state().sets)
}

// Close unmaps the event and unlinks it when remove is set.
func (e *NamedEvent) Close(remove bool) error {
	if e.info == nil {
		return nil
	}
	err := e.reg.release(e.info, remove)
	e.info = nil
	return err
}
