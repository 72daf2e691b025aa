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
	"time"

	"github.com/localbus/shmbus/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// BroadcastOptions configures a MemoryFileBroadcast.
type BroadcastOptions struct {
	Registry      *Registry
	AccessTimeout time.Duration
	AutoSanitize  bool
}

// MemoryFileBroadcast is a queue of BroadcastMessage records in one well
// known segment, shared by every process of a registration domain.
//
// A MemoryFileBroadcast handle is not safe for concurrent use.
type MemoryFileBroadcast struct {
	name          string
	opts          BroadcastOptions
	pid           uint32
	memfile       *MemFile
	queue         *RelocatableQueue[BroadcastMessage]
	lastTimestamp int64
}

// NewMemoryFileBroadcast opens the broadcast segment name, creating and
// formatting it with room for maxQueueSize records if it does not exist yet.
// An existing queue keeps its capacity.
func NewMemoryFileBroadcast(name string, maxQueueSize int, opts BroadcastOptions) (*MemoryFileBroadcast, error) {
	if maxQueueSize <= 0 {
		return nil, fmt.Errorf("broadcast %s: queue size must be positive", name)
	}
	if opts.AccessTimeout <= 0 {
		opts.AccessTimeout = defaultAccessTimeout
	}
	opts.Registry = registryOrDefault(opts.Registry)

	footprint := uint64(QueueFootprint(maxQueueSize, broadcastMessageSize))
	mf, err := CreateMemFile(name, true, footprint, MemFileOptions{
		Registry:     opts.Registry,
		AutoSanitize: opts.AutoSanitize,
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", name, err)
	}

	b := &MemoryFileBroadcast{
		name:    name,
		opts:    opts,
		pid:     uint32(os.Getpid()),
		memfile: mf,
		queue:   NewRelocatableQueue(broadcastCodec),
	}
	if err := b.format(maxQueueSize, footprint); err != nil {
		mf.Destroy(false)
		return nil, err
	}
	return b, nil
}

// format initializes the queue unless another process already did.
func (b *MemoryFileBroadcast) format(maxQueueSize int, footprint uint64) error {
	if !b.memfile.GetWriteAccess(b.opts.AccessTimeout) {
		return fmt.Errorf("broadcast %s: %w", b.name, ErrAccessTimeout)
	}
	defer b.memfile.ReleaseWriteAccess()

	data, err := b.memfile.ReadBuffer()
	if err != nil {
		return err
	}
	if len(data) >= QueueHeaderSize {
		b.queue.SetBaseAddress(data)
		if b.queue.Valid() {
			if c := b.queue.Capacity(); c != maxQueueSize {
				log.Debug().Str("memfile", b.name).Int("capacity", c).Int("requested", maxQueueSize).Msg("Using existing broadcast queue")
			}
			return nil
		}
		if b.queue.Capacity() > 0 {
			log.Warn().Str("memfile", b.name).Msg("Broadcast queue header inconsistent with segment, reformatting")
		}
	}

	data, err = b.memfile.WriteBuffer(footprint)
	if err != nil {
		return err
	}
	b.queue.SetBaseAddress(data)
	if err := b.queue.Init(maxQueueSize); err != nil {
		return err
	}
	log.Debug().Str("memfile", b.name).Int("capacity", maxQueueSize).Msg("Formatted broadcast queue")
	return nil
}

// Name returns the broadcast segment name.
func (b *MemoryFileBroadcast) Name() string {
	return b.name
}

// Registry returns the registry the broadcast segment lives in.
func (b *MemoryFileBroadcast) Registry() *Registry {
	return b.opts.Registry
}

// bind points the queue at the current mapping. Access must be held.
func (b *MemoryFileBroadcast) bind() bool {
	data, err := b.memfile.ReadBuffer()
	if err != nil || len(data) < QueueHeaderSize {
		return false
	}
	b.queue.SetBaseAddress(data)
	return b.queue.Valid()
}

// SendEvent appends a record for eventID. Timestamps are forced to increase
// strictly so readers can use them as a cursor.
func (b *MemoryFileBroadcast) SendEvent(eventID uint64, typ BroadcastEventType) bool {
	if b.memfile == nil || !b.memfile.GetWriteAccess(b.opts.AccessTimeout) {
		return false
	}
	defer b.memfile.ReleaseWriteAccess()

	if !b.bind() {
		return false
	}
	ts := time.Now().UnixMicro()
	if back, ok := b.queue.Back(); ok && ts <= back.Timestamp {
		ts = back.Timestamp + 1
	}
	b.queue.Push(BroadcastMessage{
		ProcessID: b.pid,
		Timestamp: ts,
		EventID:   eventID,
		Type:      typ,
	})
	telemetry.BroadcastEventsTotal.With("sent", typ.String()).Inc()
	return true
}

// ReceiveEvents returns the records pushed since the previous call, newest
// first. Records of this process are skipped unless loopback is set.
func (b *MemoryFileBroadcast) ReceiveEvents(timeout time.Duration, loopback bool) ([]BroadcastMessage, bool) {
	if b.memfile == nil || !b.memfile.GetReadAccess(timeout) {
		return nil, false
	}
	defer b.memfile.ReleaseReadAccess()

	if !b.bind() {
		return nil, false
	}

	var msgs []BroadcastMessage
	newest := b.lastTimestamp
	for m := range b.queue.All() {
		if m.Timestamp <= b.lastTimestamp {
			break
		}
		newest = max(newest, m.Timestamp)
		if !loopback && m.ProcessID == b.pid {
			continue
		}
		msgs = append(msgs, m)
		telemetry.BroadcastEventsTotal.With("received", m.Type.String()).Inc()
	}
	b.lastTimestamp = newest
	return msgs, true
}

// Events returns every resident record, newest first, without moving the
// receive cursor.
func (b *MemoryFileBroadcast) Events(timeout time.Duration) ([]BroadcastMessage, bool) {
	if b.memfile == nil || !b.memfile.GetReadAccess(timeout) {
		return nil, false
	}
	defer b.memfile.ReleaseReadAccess()

	if !b.bind() {
		return nil, false
	}
	msgs := make([]BroadcastMessage, 0, b.queue.Size())
	for m := range b.queue.All() {
		msgs = append(msgs, m)
	}
	return msgs, true
}

// Reset drops every queued record for all processes.
func (b *MemoryFileBroadcast) Reset() bool {
	if b.memfile == nil || !b.memfile.GetWriteAccess(b.opts.AccessTimeout) {
		return false
	}
	defer b.memfile.ReleaseWriteAccess()

	if !b.bind() {
		return false
	}
	b.queue.Clear()
	log.Debug().Str("memfile", b.name).Msg("Broadcast queue reset")
	return true
}

// FlushLocal moves the receive cursor to the newest record so the current
// history is not delivered by ReceiveEvents.
func (b *MemoryFileBroadcast) FlushLocal() bool {
	if b.memfile == nil || !b.memfile.GetReadAccess(b.opts.AccessTimeout) {
		return false
	}
	defer b.memfile.ReleaseReadAccess()

	if !b.bind() {
		return false
	}
	if back, ok := b.queue.Back(); ok {
		b.lastTimestamp = max(b.lastTimestamp, back.Timestamp)
	}
	return true
}

// Destroy closes the broadcast segment. With remove set the segment is
// unlinked, which ends the domain for processes opening it later.
func (b *MemoryFileBroadcast) Destroy(remove bool) error {
	if b.memfile == nil {
		return nil
	}
	err := b.memfile.Destroy(remove)
	b.memfile = nil
	return err
}
