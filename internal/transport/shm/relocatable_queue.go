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
	"encoding/binary"
	"fmt"
	"iter"
)

// QueueHeaderSize is the size of the queue header preceding the records.
const QueueHeaderSize = 32

// Queue header layout, little endian.
const (
	queueCapacityOff = 0  // uint64 record slots
	queueSizeOff     = 8  // uint64 records held
	queueFrontOff    = 16 // uint64 slot index of the oldest record
)

// RecordCodec stores records of type T by value in fixed size slots.
type RecordCodec[T any] struct {
	RecordSize int
	Encode     func(dst []byte, v T)
	Decode     func(src []byte) T
}

// QueueFootprint returns the bytes a queue of capacity records occupies.
func QueueFootprint(capacity, recordSize int) int {
	return QueueHeaderSize + capacity*recordSize
}

// RelocatableQueue is a fixed capacity ring of records laid out in a byte
// region. It stores no addresses, only offsets from the region start, so the
// region may be mapped at a different address in every process. Pushing onto
// a full queue overwrites the oldest record.
//
// The queue does no locking; callers serialize access, typically with the
// segment mutex.
type RelocatableQueue[T any] struct {
	codec RecordCodec[T]
	mem   []byte
}

// NewRelocatableQueue returns a queue that is not yet bound to memory.
func NewRelocatableQueue[T any](codec RecordCodec[T]) *RelocatableQueue[T] {
	return &RelocatableQueue[T]{codec: codec}
}

// SetBaseAddress binds the queue to mem, which starts with the queue header.
// It must be called again after every remap.
func (q *RelocatableQueue[T]) SetBaseAddress(mem []byte) {
	q.mem = mem
}

// Init formats the bound region as an empty queue of capacity records.
func (q *RelocatableQueue[T]) Init(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if need := QueueFootprint(capacity, q.codec.RecordSize); len(q.mem) < need {
		return fmt.Errorf("queue needs %d bytes, region has %d: %w", need, len(q.mem), ErrCapacity)
	}
	clear(q.mem[:QueueHeaderSize])
	q.put(queueCapacityOff, uint64(capacity))
	return nil
}

func (q *RelocatableQueue[T]) get(off int) uint64 {
	return binary.LittleEndian.Uint64(q.mem[off : off+8])
}

func (q *RelocatableQueue[T]) put(off int, v uint64) {
	binary.LittleEndian.PutUint64(q.mem[off:off+8], v)
}

// slot returns the bytes of slot index i.
func (q *RelocatableQueue[T]) slot(i uint64) []byte {
	off := QueueHeaderSize + int(i)*q.codec.RecordSize
	return q.mem[off : off+q.codec.RecordSize]
}

// Capacity returns the number of record slots, zero if unformatted.
func (q *RelocatableQueue[T]) Capacity() int {
	if len(q.mem) < QueueHeaderSize {
		return 0
	}
	return int(q.get(queueCapacityOff))
}

// Valid reports whether the bound region holds a formatted queue whose
// header is consistent with the region size. Operations on an invalid queue
// do nothing.
func (q *RelocatableQueue[T]) Valid() bool {
	if len(q.mem) < QueueHeaderSize || q.codec.RecordSize <= 0 {
		return false
	}
	capacity := q.get(queueCapacityOff)
	slots := uint64(len(q.mem)-QueueHeaderSize) / uint64(q.codec.RecordSize)
	return capacity > 0 && capacity <= slots &&
		q.get(queueSizeOff) <= capacity &&
		q.get(queueFrontOff) < capacity
}

// Size returns the number of records held.
func (q *RelocatableQueue[T]) Size() int {
	if len(q.mem) < QueueHeaderSize {
		return 0
	}
	return int(q.get(queueSizeOff))
}

func (q *RelocatableQueue[T]) Empty() bool { return q.Size() == 0 }

func (q *RelocatableQueue[T]) Full() bool {
	c := q.Capacity()
	return c > 0 && q.Size() == c
}

// Push appends v as the newest record, overwriting the oldest when full.
func (q *RelocatableQueue[T]) Push(v T) {
	if !q.Valid() {
		return
	}
	capacity := uint64(q.Capacity())
	size := q.get(queueSizeOff)
	front := q.get(queueFrontOff)

	if size == capacity {
		q.codec.Encode(q.slot(front), v)
		q.put(queueFrontOff, (front+1)%capacity)
		return
	}
	q.codec.Encode(q.slot((front+size)%capacity), v)
	q.put(queueSizeOff, size+1)
}

// Pop removes the oldest record.
func (q *RelocatableQueue[T]) Pop() bool {
	size := uint64(q.Size())
	if size == 0 || !q.Valid() {
		return false
	}
	capacity := uint64(q.Capacity())
	q.put(queueFrontOff, (q.get(queueFrontOff)+1)%capacity)
	q.put(queueSizeOff, size-1)
	return true
}

// Front returns the oldest record.
func (q *RelocatableQueue[T]) Front() (T, bool) {
	if q.Empty() || !q.Valid() {
		var zero T
		return zero, false
	}
	return q.codec.Decode(q.slot(q.get(queueFrontOff))), true
}

// Back returns the newest record.
func (q *RelocatableQueue[T]) Back() (T, bool) {
	size := uint64(q.Size())
	if size == 0 || !q.Valid() {
		var zero T
		return zero, false
	}
	capacity := uint64(q.Capacity())
	return q.codec.Decode(q.slot((q.get(queueFrontOff) + size - 1) % capacity)), true
}

// Clear drops all records.
func (q *RelocatableQueue[T]) Clear() {
	if len(q.mem) < QueueHeaderSize {
		return
	}
	q.put(queueSizeOff, 0)
	q.put(queueFrontOff, 0)
}

// All yields the records from newest to oldest.
func (q *RelocatableQueue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		size := uint64(q.Size())
		if size == 0 || !q.Valid() {
			return
		}
		capacity := uint64(q.Capacity())
		front := q.get(queueFrontOff)
		for i := size; i > 0; i-- {
			if !yield(q.codec.Decode(q.slot((front + i - 1) % capacity))) {
				return
			}
		}
	}
}
