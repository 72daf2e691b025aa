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

// DefaultCreateTimeout bounds the mutex wait while a memfile header is
// initialized or validated.
const DefaultCreateTimeout = time.Second

type accessMode uint8

const (
	accessNone accessMode = iota
	accessRead
	accessWrite
)

func (a accessMode) String() string {
	switch a {
	case accessRead:
		return "read"
	case accessWrite:
		return "write"
	default:
		return "none"
	}
}

// MemFileOptions configures CreateMemFile.
type MemFileOptions struct {
	// Registry owning the mapping; nil selects DefaultRegistry().
	Registry *Registry
	// AutoSanitize takes over the mutex of a crashed holder and resets the
	// payload size so a half written payload is never read as valid.
	AutoSanitize bool
	// CreateTimeout bounds the mutex wait during creation. Zero selects
	// DefaultCreateTimeout.
	CreateTimeout time.Duration
}

// MemFile is a named shared memory segment with an internal header guarded by
// a named mutex. Read and write access exclude each other.
//
// A MemFile handle is not safe for concurrent use; independent goroutines
// should open their own handles, which share the mapping via the registry.
type MemFile struct {
	name   string
	reg    *Registry
	info   *segmentInfo
	mutex  *NamedMutex
	access accessMode
}

// CreateMemFile opens the memfile called name, mapping at least length bytes
// of payload capacity. With create set the memfile is created if missing and
// grown if its capacity is smaller than length; without create it must
// already exist with a valid header.
func CreateMemFile(name string, create bool, length uint64, opts MemFileOptions) (*MemFile, error) {
	if name == "" {
		return nil, fmt.Errorf("memfile name must not be empty")
	}
	reg := registryOrDefault(opts.Registry)
	timeout := opts.CreateTimeout
	if timeout == 0 {
		timeout = DefaultCreateTimeout
	}

	if !create && !reg.Exists(name) {
		return nil, fmt.Errorf("memfile %s: %w", name, os.ErrNotExist)
	}

	mutex, err := OpenNamedMutex(reg, name, opts.AutoSanitize)
	if err != nil {
		return nil, err
	}

	info, err := reg.acquire(name, create, MemFileHeaderSize+int(length), MemFileHeaderSize)
	if err != nil {
		mutex.Close(false)
		return nil, err
	}

	m := &MemFile{
		name:  name,
		reg:   reg,
		info:  info,
		mutex: mutex,
	}

	res := mutex.Lock(timeout)
	if !res.Acquired() {
		m.close(false)
		return nil, fmt.Errorf("memfile %s: %w", name, ErrAccessTimeout)
	}
	err = m.prepareHeader(create, length, res)
	mutex.Unlock()
	if err != nil {
		m.close(false)
		return nil, fmt.Errorf("memfile %s: %w", name, err)
	}

	log.Debug().
		Str("memfile", name).
		Uint64("capacity", m.hdr().MaxSize()).
		Bool("create", create).
		Msg("Opened memfile")
	return m, nil
}

// prepareHeader initializes, grows or validates the header. Mutex held.
func (m *MemFile) prepareHeader(create bool, length uint64, res LockResult) error {
	h := m.hdr()
	switch {
	case h.IsBlank() && !create:
		return ErrInvalidHeader
	case h.IsBlank():
		h.initialize(uint64(m.info.size()-MemFileHeaderSize), uint32(os.Getpid()))
	default:
		if err := h.validate(m.info.size()); err != nil {
			return err
		}
		if res == LockRecovered {
			m.sanitize()
		}
	}

	if create && h.MaxSize() < length {
		if err := m.reg.grow(m.info, MemFileHeaderSize+int(length)); err != nil {
			return err
		}
		m.hdr().SetMaxSize(length)
	}
	return m.remapIfNeeded()
}

func (m *MemFile) hdr() hdrView {
	return newHdrView(m.info.mem)
}

// remapIfNeeded follows a capacity increase made by another process.
func (m *MemFile) remapIfNeeded() error {
	want := MemFileHeaderSize + int(m.hdr().MaxSize())
	if m.info.size() >= want {
		return nil
	}
	return m.reg.refresh(m.info, want)
}

// sanitize drops whatever a crashed holder left behind.
func (m *MemFile) sanitize() {
	m.hdr().SetCurSize(0)
	telemetry.LockRecoveriesTotal.Inc()
	log.Warn().Str("memfile", m.name).Msg("Reset payload size after recovering abandoned mutex")
}

// Name returns the memfile name.
func (m *MemFile) Name() string {
	return m.name
}

// IsCreated reports whether the memfile is still open.
func (m *MemFile) IsCreated() bool {
	return m.info != nil
}

// MaxDataSize returns the payload capacity.
func (m *MemFile) MaxDataSize() uint64 {
	if m.info == nil {
		return 0
	}
	return m.hdr().MaxSize()
}

// CreatorPID returns the process that initialized the memfile.
func (m *MemFile) CreatorPID() uint32 {
	if m.info == nil {
		return 0
	}
	return m.hdr().CreatorPID()
}

// DataSize returns the current payload size.
func (m *MemFile) DataSize() uint64 {
	if m.info == nil {
		return 0
	}
	return m.hdr().CurSize()
}

// GetReadAccess acquires the memfile mutex for reading, waiting at most
// timeout. It returns false on timeout or if access is already held.
func (m *MemFile) GetReadAccess(timeout time.Duration) bool {
	return m.getAccess(accessRead, timeout)
}

// GetWriteAccess acquires the memfile mutex for writing, waiting at most
// timeout. It returns false on timeout or if access is already held.
func (m *MemFile) GetWriteAccess(timeout time.Duration) bool {
	return m.getAccess(accessWrite, timeout)
}

func (m *MemFile) getAccess(mode accessMode, timeout time.Duration) bool {
	if m.info == nil || m.access != accessNone {
		return false
	}

	res := m.mutex.Lock(timeout)
	if !res.Acquired() {
		telemetry.AccessTimeoutsTotal.With(mode.String()).Inc()
		log.Debug().Str("memfile", m.name).Str("mode", mode.String()).Dur("timeout", timeout).Msg("Access timed out")
		return false
	}
	if res == LockRecovered {
		m.sanitize()
	}
	if err := m.remapIfNeeded(); err != nil {
		log.Error().Err(err).Str("memfile", m.name).Msg("Failed to follow memfile growth")
		m.mutex.Unlock()
		return false
	}

	m.access = mode
	return true
}

// ReleaseReadAccess releases access acquired with GetReadAccess.
func (m *MemFile) ReleaseReadAccess() bool {
	return m.releaseAccess(accessRead)
}

// ReleaseWriteAccess releases access acquired with GetWriteAccess.
func (m *MemFile) ReleaseWriteAccess() bool {
	return m.releaseAccess(accessWrite)
}

func (m *MemFile) releaseAccess(mode accessMode) bool {
	if m.info == nil || m.access != mode {
		return false
	}
	m.access = accessNone
	return m.mutex.Unlock()
}

// ReadBuffer returns the current payload in place. Read or write access must
// be held; the slice is only valid until access is released.
func (m *MemFile) ReadBuffer() ([]byte, error) {
	if m.access == accessNone {
		return nil, fmt.Errorf("memfile %s: read without access", m.name)
	}
	cur := m.hdr().CurSize()
	return m.info.mem[MemFileHeaderSize : MemFileHeaderSize+int(cur)], nil
}

// WriteBuffer sets the payload size to size, growing the memfile if needed,
// and returns the payload region for in place writing. Write access must be
// held; the slice is only valid until access is released.
func (m *MemFile) WriteBuffer(size uint64) ([]byte, error) {
	if m.access != accessWrite {
		return nil, fmt.Errorf("memfile %s: write without write access", m.name)
	}
	if err := m.ensureCapacity(size); err != nil {
		return nil, err
	}
	m.hdr().SetCurSize(size)
	return m.info.mem[MemFileHeaderSize : MemFileHeaderSize+int(size)], nil
}

// Read copies payload bytes starting at offset into buf and returns the
// number of bytes copied.
func (m *MemFile) Read(buf []byte, offset uint64) (int, error) {
	data, err := m.ReadBuffer()
	if err != nil {
		return 0, err
	}
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

// Write copies buf into the payload at offset. The payload size grows to
// cover the written range but never shrinks.
func (m *MemFile) Write(buf []byte, offset uint64) (int, error) {
	if m.access != accessWrite {
		return 0, fmt.Errorf("memfile %s: write without write access", m.name)
	}
	end := offset + uint64(len(buf))
	if err := m.ensureCapacity(end); err != nil {
		return 0, err
	}
	h := m.hdr()
	if end > h.CurSize() {
		h.SetCurSize(end)
	}
	return copy(m.info.mem[MemFileHeaderSize+int(offset):], buf), nil
}

// WritePayload lets pw write straight into the mapped buffer at offset and
// sets the payload size to offset+pw.Size(). full selects WriteFull over
// WriteModified.
func (m *MemFile) WritePayload(pw PayloadWriter, offset uint64, full bool) error {
	if m.access != accessWrite {
		return fmt.Errorf("memfile %s: write without write access", m.name)
	}
	size := uint64(pw.Size())
	end := offset + size
	if err := m.ensureCapacity(end); err != nil {
		return err
	}

	buf := m.info.mem[MemFileHeaderSize+int(offset) : MemFileHeaderSize+int(end)]
	var ok bool
	if full {
		ok = pw.WriteFull(buf)
	} else {
		ok = pw.WriteModified(buf)
	}
	if !ok {
		return fmt.Errorf("memfile %s: payload writer failed (full=%t)", m.name, full)
	}
	m.hdr().SetCurSize(end)
	return nil
}

// ensureCapacity grows the memfile so that size payload bytes fit. Write
// access must be held.
func (m *MemFile) ensureCapacity(size uint64) error {
	h := m.hdr()
	if size <= h.MaxSize() {
		return nil
	}
	if err := m.reg.grow(m.info, MemFileHeaderSize+int(size)); err != nil {
		return fmt.Errorf("memfile %s: %w: %v", m.name, ErrCapacity, err)
	}
	m.hdr().SetMaxSize(size)
	log.Debug().Str("memfile", m.name).Uint64("capacity", size).Msg("Grew memfile")
	return nil
}

// Destroy releases held access and unmaps the memfile. With remove set the
// backing files are unlinked once the last handle in this process is gone.
func (m *MemFile) Destroy(remove bool) error {
	if m.info == nil {
		return nil
	}
	if m.access != accessNone {
		m.releaseAccess(m.access)
	}
	return m.close(remove)
}

func (m *MemFile) close(remove bool) error {
	var firstErr error
	if m.info != nil {
		firstErr = m.reg.release(m.info, remove)
		m.info = nil
	}
	if m.mutex != nil {
		if err := m.mutex.Close(remove); err != nil && firstErr == nil {
			firstErr = err
		}
		m.mutex = nil
	}
	return firstErr
}
