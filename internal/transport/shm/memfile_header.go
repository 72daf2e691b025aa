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
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for memfile identification
	MemFileMagic = "SHMBUSMF"

	// Current layout version
	MemFileVersion = uint32(1)

	// MemFileHeaderSize is the size of the internal header; payload data
	// starts right after it.
	MemFileHeaderSize = 64
)

// MemFileHeader is the internal header at the start of every memfile. It is
// only mutated while the memfile's named mutex is held.
type MemFileHeader struct {
	magic      [8]byte  // 0x00: "SHMBUSMF"
	version    uint32   // 0x08: layout version
	hdrSize    uint16   // 0x0C: size of this header
	flags      uint16   // 0x0E: reserved flags
	maxSize    uint64   // 0x10: maximum payload capacity
	curSize    uint64   // 0x18: current payload size, always <= maxSize
	creatorPID uint32   // 0x20: process that initialized the header
	pad        uint32   // 0x24: padding
	reserved   [24]byte // 0x28-0x3F: reserved/padding to 64B
}

// hdrView provides typed access to the memfile header inside a mapping.
type hdrView struct {
	basePtr unsafe.Pointer
}

func newHdrView(mem []byte) hdrView {
	return hdrView{basePtr: unsafe.Pointer(&mem[0])}
}

// header returns a pointer to the MemFileHeader
func (h hdrView) header() *MemFileHeader {
	return (*MemFileHeader)(h.basePtr)
}

// Magic returns the magic bytes
func (h hdrView) Magic() [8]byte {
	return h.header().magic
}

// Version returns the layout version
func (h hdrView) Version() uint32 {
	return atomic.LoadUint32(&h.header().version)
}

// HeaderSize returns the size of the internal header
func (h hdrView) HeaderSize() uint16 {
	return h.header().hdrSize
}

// MaxSize returns the payload capacity
func (h hdrView) MaxSize() uint64 {
	return atomic.LoadUint64(&h.header().maxSize)
}

// SetMaxSize sets the payload capacity
func (h hdrView) SetMaxSize(size uint64) {
	atomic.StoreUint64(&h.header().maxSize, size)
}

// CurSize returns the current payload size
func (h hdrView) CurSize() uint64 {
	return atomic.LoadUint64(&h.header().curSize)
}

// SetCurSize sets the current payload size
func (h hdrView) SetCurSize(size uint64) {
	atomic.StoreUint64(&h.header().curSize, size)
}

// CreatorPID returns the process that initialized the header
func (h hdrView) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.header().creatorPID)
}

// IsValid checks the magic and version
func (h hdrView) IsValid() bool {
	magic := h.Magic()
	return string(magic[:]) == MemFileMagic && h.Version() == MemFileVersion
}

// IsBlank reports whether nobody has initialized the header yet.
func (h hdrView) IsBlank() bool {
	return h.Magic() == [8]byte{}
}

// initialize writes a fresh header for a memfile of the given capacity.
func (h hdrView) initialize(maxSize uint64, pid uint32) {
	hdr := h.header()
	copy(hdr.magic[:], MemFileMagic)
	hdr.hdrSize = MemFileHeaderSize
	hdr.flags = 0
	atomic.StoreUint64(&hdr.maxSize, maxSize)
	atomic.StoreUint64(&hdr.curSize, 0)
	atomic.StoreUint32(&hdr.creatorPID, pid)
	atomic.StoreUint32(&hdr.version, MemFileVersion)
}

// validate checks a header for consistency against the mapped size.
func (h hdrView) validate(mapped int) error {
	if !h.IsValid() {
		magic := h.Magic()
		return fmt.Errorf("%w: magic %q version %d", ErrInvalidHeader, magic[:], h.Version())
	}
	if h.HeaderSize() != MemFileHeaderSize {
		return fmt.Errorf("%w: header size %d, expected %d", ErrInvalidHeader, h.HeaderSize(), MemFileHeaderSize)
	}
	if h.CurSize() > h.MaxSize() {
		return fmt.Errorf("%w: current size %d exceeds capacity %d", ErrInvalidHeader, h.CurSize(), h.MaxSize())
	}
	if mapped < MemFileHeaderSize {
		return fmt.Errorf("%w: mapping of %d bytes", ErrInvalidHeader, mapped)
	}
	return nil
}
