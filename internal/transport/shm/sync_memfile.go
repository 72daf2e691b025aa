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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/localbus/shmbus/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// SyncMemFileAttr configures a SyncMemFile.
type SyncMemFileAttr struct {
	// MinSize is the smallest payload capacity a channel is created with.
	MinSize uint64
	// ReservePercent is the headroom added on top of the needed size when the
	// channel has to grow.
	ReservePercent uint64
	// AccessTimeout bounds the wait for the memfile mutex on every write.
	AccessTimeout time.Duration
	// AutoSanitize is passed to the memfile, see MemFileOptions.
	AutoSanitize bool
	// Registry owning the mappings; nil selects DefaultRegistry().
	Registry *Registry
	// OnRecreate is called with the new memfile name after every recreation.
	// It runs with the reader table locked and must not call back into the
	// channel.
	OnRecreate func(newName string)
}

// WriteAttr describes one sample.
type WriteAttr struct {
	ID    uint64
	Clock uint64
	// Time is the producer timestamp in unix microseconds; zero means now.
	Time int64
	// Hash of the payload; zero lets the channel compute an xxhash.
	Hash     uint64
	ZeroCopy bool
	// AckTimeout is how long the write waits for all readers to acknowledge.
	// Zero disables acknowledgments.
	AckTimeout time.Duration
	// ForceFullWrite uses PayloadWriter.WriteFull even when the payload was
	// already initialized.
	ForceFullWrite bool
}

// readerEntry is one connected reader process.
type readerEntry struct {
	processID  string
	send       *NamedEvent
	ack        *NamedEvent
	ackInvalid atomic.Bool
}

// SyncMemFile is a single-writer, multi-reader channel: a memfile holding the
// latest sample plus one send/acknowledge event pair per connected reader.
//
// Write must not be called concurrently; Connect, Disconnect and Destroy may
// be called from other goroutines while a write is in flight.
type SyncMemFile struct {
	baseName string
	attr     SyncMemFileAttr
	reg      *Registry

	memfile            *MemFile
	payloadInitialized bool

	// inflight is read-held for the duration of a Write. Destroy takes it
	// exclusively before unmapping anything a write may still touch.
	inflight  sync.RWMutex
	destroyed atomic.Bool

	mu      sync.Mutex
	readers map[string]*readerEntry
}

// NewSyncMemFile creates a channel whose memfile is named after baseName and
// holds at least size payload bytes.
func NewSyncMemFile(baseName string, size uint64, attr SyncMemFileAttr) (*SyncMemFile, error) {
	s := &SyncMemFile{
		baseName: baseName,
		attr:     attr,
		reg:      registryOrDefault(attr.Registry),
		readers:  make(map[string]*readerEntry),
	}
	if err := s.create(s.capacityFor(size)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SyncMemFile) capacityFor(size uint64) uint64 {
	return max(size, s.attr.MinSize)
}

func (s *SyncMemFile) create(size uint64) error {
	name := BuildMemFileName(s.baseName)
	mf, err := CreateMemFile(name, true, size, MemFileOptions{
		Registry:     s.reg,
		AutoSanitize: s.attr.AutoSanitize,
	})
	if err != nil {
		return fmt.Errorf("create sync memfile %s: %w", s.baseName, err)
	}
	s.memfile = mf
	s.payloadInitialized = false

	log.Debug().Str("memfile", name).Uint64("capacity", mf.MaxDataSize()).Msg("Created sync memfile")
	return nil
}

// Name returns the current memfile name. It changes on every recreation.
func (s *SyncMemFile) Name() string {
	if s.memfile == nil {
		return ""
	}
	return s.memfile.Name()
}

// Size returns the current payload capacity, including the payload header.
func (s *SyncMemFile) Size() uint64 {
	if s.memfile == nil {
		return 0
	}
	return s.memfile.MaxDataSize()
}

// IsCreated reports whether the channel is usable.
func (s *SyncMemFile) IsCreated() bool {
	return !s.destroyed.Load() && s.memfile != nil && s.memfile.IsCreated()
}

// Connect opens the event pair for processID and starts signaling it on
// writes. Connecting an already connected reader re-validates it after an
// acknowledgment timeout.
func (s *SyncMemFile) Connect(processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsCreated() {
		return ErrNotCreated
	}

	if r, ok := s.readers[processID]; ok {
		if r.ackInvalid.Swap(false) {
			log.Debug().Str("memfile", s.Name()).Str("reader", processID).Msg("Reader re-validated")
		}
		return nil
	}

	r, err := s.openReader(s.memfile.Name(), processID)
	if err != nil {
		return err
	}
	s.readers[processID] = r

	log.Debug().Str("memfile", s.Name()).Str("reader", processID).Msg("Reader connected")
	return nil
}

func (s *SyncMemFile) openReader(memfile, processID string) (*readerEntry, error) {
	send, err := OpenNamedEvent(s.reg, EventName(memfile, processID))
	if err != nil {
		return nil, err
	}
	ack, err := OpenNamedEvent(s.reg, AckEventName(memfile, processID))
	if err != nil {
		send.Close(true)
		return nil, err
	}
	return &readerEntry{processID: processID, send: send, ack: ack}, nil
}

// Disconnect releases a writer waiting on processID and stops waiting for its
// acknowledgments. The reader stays known until the channel is destroyed.
func (s *SyncMemFile) Disconnect(processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readers[processID]
	if !ok {
		return fmt.Errorf("reader %s not connected to %s", processID, s.Name())
	}
	r.ackInvalid.Store(true)
	r.ack.Set()

	log.Debug().Str("memfile", s.Name()).Str("reader", processID).Msg("Reader disconnected")
	return nil
}

// ConnectedReaders returns the ids of all known readers, sorted.
func (s *SyncMemFile) ConnectedReaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.readers))
	for id := range s.readers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AckInvalidated reports whether processID missed an acknowledgment and is
// skipped until it reconnects.
func (s *SyncMemFile) AckInvalidated(processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readers[processID]
	return ok && r.ackInvalid.Load()
}

// CheckSize recreates the channel with reserve headroom when n payload bytes
// (user data plus payload header) do not fit.
func (s *SyncMemFile) CheckSize(n uint64) error {
	if !s.IsCreated() {
		return ErrNotCreated
	}
	if n <= s.memfile.MaxDataSize() {
		return nil
	}
	newSize := n + n*s.attr.ReservePercent/100
	telemetry.MemfileRecreationsTotal.With("capacity").Inc()
	log.Info().
		Str("memfile", s.Name()).
		Uint64("capacity", s.memfile.MaxDataSize()).
		Uint64("needed", n).
		Uint64("new_capacity", newSize).
		Msg("Sync memfile too small, recreating")
	return s.Recreate(newSize)
}

// Recreate replaces the memfile with a fresh one under a new name and
// reconnects every known reader to it.
func (s *SyncMemFile) Recreate(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed.Load() {
		return ErrNotCreated
	}
	oldName := s.Name()
	for _, r := range s.readers {
		r.ack.Set()
		r.send.Close(true)
		r.ack.Close(true)
	}
	if s.memfile != nil {
		if err := s.memfile.Destroy(true); err != nil {
			log.Warn().Err(err).Str("memfile", oldName).Msg("Failed to destroy old memfile")
		}
		s.memfile = nil
	}

	if err := s.create(s.capacityFor(size)); err != nil {
		return err
	}

	newName := s.memfile.Name()
	for id := range s.readers {
		r, err := s.openReader(newName, id)
		if err != nil {
			delete(s.readers, id)
			log.Error().Err(err).Str("memfile", newName).Str("reader", id).Msg("Failed to reconnect reader")
			continue
		}
		s.readers[id] = r
	}

	log.Debug().Str("old", oldName).Str("memfile", newName).Int("readers", len(s.readers)).Msg("Recreated sync memfile")
	if s.attr.OnRecreate != nil {
		s.attr.OnRecreate(newName)
	}
	return nil
}

// WriteBuffer writes data as one sample.
func (s *SyncMemFile) WriteBuffer(data []byte, attr WriteAttr) error {
	return s.Write(BufferPayloadWriter{Data: data}, attr)
}

// Write publishes one sample and signals all connected readers. With a non
// zero attr.AckTimeout it then waits, from a single shared deadline, for each
// valid reader to acknowledge; readers that miss it are invalidated.
//
// Write returns ErrNotCreated if the channel is destroyed before or while
// the sample is published.
func (s *SyncMemFile) Write(pw PayloadWriter, attr WriteAttr) error {
	s.inflight.RLock()
	defer s.inflight.RUnlock()

	if s.destroyed.Load() {
		return ErrNotCreated
	}
	start := time.Now()
	err := s.write(pw, attr)
	if err != nil {
		telemetry.MemfileWritesTotal.With("failed").Inc()
		return err
	}
	telemetry.MemfileWritesTotal.With("success").Inc()
	telemetry.MemfileBytesWritten.Add(float64(pw.Size()))

	s.syncContent(attr.AckTimeout)
	telemetry.MemfileWriteSeconds.Observe(time.Since(start).Seconds())
	if s.destroyed.Load() {
		return fmt.Errorf("sync memfile %s destroyed during write: %w", s.baseName, ErrNotCreated)
	}
	return nil
}

func (s *SyncMemFile) write(pw PayloadWriter, attr WriteAttr) error {
	if !s.IsCreated() {
		return ErrNotCreated
	}

	if err := s.CheckSize(payloadHeaderSize + uint64(pw.Size())); err != nil {
		return err
	}

	if !s.memfile.GetWriteAccess(s.attr.AccessTimeout) {
		// The mutex may be held by a dead process that we cannot take over.
		telemetry.MemfileRecreationsTotal.With("access").Inc()
		log.Warn().Str("memfile", s.Name()).Msg("Could not get write access, recreating sync memfile")
		if err := s.Recreate(s.memfile.MaxDataSize()); err != nil {
			return err
		}
		if !s.memfile.GetWriteAccess(s.attr.AccessTimeout) {
			return fmt.Errorf("sync memfile %s: %w", s.Name(), ErrAccessTimeout)
		}
	}
	defer s.memfile.ReleaseWriteAccess()

	full := !s.payloadInitialized || attr.ForceFullWrite
	if err := s.memfile.WritePayload(pw, payloadHeaderSize, full); err != nil {
		return err
	}
	s.payloadInitialized = true

	hdr := PayloadHeader{
		DataSize:     uint64(pw.Size()),
		ID:           attr.ID,
		Clock:        attr.Clock,
		Time:         attr.Time,
		Hash:         attr.Hash,
		ZeroCopy:     attr.ZeroCopy,
		AckTimeoutMs: uint64(attr.AckTimeout / time.Millisecond),
	}
	if hdr.Time == 0 {
		hdr.Time = time.Now().UnixMicro()
	}
	if hdr.Hash == 0 {
		data, err := s.memfile.ReadBuffer()
		if err != nil {
			return err
		}
		hdr.Hash = xxhash.Sum64(data[payloadHeaderSize:])
	}
	if attr.AckTimeout > 0 && hdr.AckTimeoutMs == 0 {
		hdr.AckTimeoutMs = 1
	}

	var raw [payloadHeaderSize]byte
	encodePayloadHeaderTo(&raw, hdr)
	if _, err := s.memfile.Write(raw[:], 0); err != nil {
		return err
	}
	return nil
}

// syncContent signals every reader and, if requested, collects the
// acknowledgments. All readers share one deadline so the total wait is
// bounded by ackTimeout, not ackTimeout per reader.
func (s *SyncMemFile) syncContent(ackTimeout time.Duration) {
	s.mu.Lock()
	readers := make([]*readerEntry, 0, len(s.readers))
	for _, r := range s.readers {
		readers = append(readers, r)
	}
	s.mu.Unlock()

	if ackTimeout > 0 {
		for _, r := range readers {
			r.ack.Reset()
		}
	}
	for _, r := range readers {
		r.send.Set()
	}
	if ackTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(ackTimeout)
	for _, r := range readers {
		if r.ackInvalid.Load() {
			continue
		}
		remaining := max(time.Until(deadline), 0)
		if !r.ack.Wait(remaining) {
			r.ackInvalid.Store(true)
			telemetry.AckTimeoutsTotal.Inc()
			log.Warn().
				Str("memfile", s.Name()).
				Str("reader", r.processID).
				Dur("timeout", ackTimeout).
				Msg("Reader missed acknowledgment, skipping it until it reconnects")
		}
	}
}

// Destroy releases any writer or reader still waiting on this channel and
// removes the memfile and all reader events. It waits for an in-flight Write
// to return before unmapping.
func (s *SyncMemFile) Destroy() error {
	s.mu.Lock()
	if s.memfile == nil || s.destroyed.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	// ackInvalid is stored before Set so a writer between its ack reset and
	// its wait either skips the reader or consumes this signal.
	for _, r := range s.readers {
		r.ackInvalid.Store(true)
		r.ack.Set()
	}
	s.mu.Unlock()

	s.inflight.Lock()
	defer s.inflight.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.readers {
		r.send.Close(true)
		r.ack.Close(true)
	}

	name := s.memfile.Name()
	err := s.memfile.Destroy(true)
	s.memfile = nil

	log.Debug().Str("memfile", name).Msg("Destroyed sync memfile")
	return err
}
