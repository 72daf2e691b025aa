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
	"errors"
	"time"
)

// Payload header layout (64 bytes, little-endian), written by SyncMemFile at
// the start of the memfile payload, followed by the user data:
// uint16 hdrSize      // size of this header as written by the producer
// [6]byte reserved
// uint64 dataSize     // user payload bytes following the header
// uint64 id           // producer supplied id
// uint64 clock        // per channel sequence, strictly increasing
// int64  time         // producer timestamp (unix microseconds)
// uint64 hash         // content hash of the user payload
// uint8  zeroCopy     // 1: deliver in place while holding read access
// [7]byte reserved
// uint64 ackTimeoutMs // 0: producer does not wait for acknowledgments
const payloadHeaderSize = 64

// PayloadHeader is the decoded per-sample header.
type PayloadHeader struct {
	HdrSize      uint16
	DataSize     uint64
	ID           uint64
	Clock        uint64
	Time         int64
	Hash         uint64
	ZeroCopy     bool
	AckTimeoutMs uint64
}

// AckTimeout returns the acknowledgment timeout as a duration.
func (h PayloadHeader) AckTimeout() time.Duration {
	return time.Duration(h.AckTimeoutMs) * time.Millisecond
}

func encodePayloadHeaderTo(dst *[payloadHeaderSize]byte, h PayloadHeader) {
	b := dst[:]
	clear(b)
	binary.LittleEndian.PutUint16(b[0:2], payloadHeaderSize)
	binary.LittleEndian.PutUint64(b[8:16], h.DataSize)
	binary.LittleEndian.PutUint64(b[16:24], h.ID)
	binary.LittleEndian.PutUint64(b[24:32], h.Clock)
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.Time))
	binary.LittleEndian.PutUint64(b[40:48], h.Hash)
	if h.ZeroCopy {
		b[48] = 1
	}
	binary.LittleEndian.PutUint64(b[56:64], h.AckTimeoutMs)
}

// DecodePayloadHeader decodes a header written by any producer build. Only
// min(producer header size, local header size) bytes are taken; fields the
// producer did not write decode as zero and fields it added are ignored.
func DecodePayloadHeader(b []byte) (PayloadHeader, error) {
	if len(b) < 2 {
		return PayloadHeader{}, errors.New("payload header too short")
	}
	hdrSize := binary.LittleEndian.Uint16(b[0:2])
	if hdrSize < 2 {
		return PayloadHeader{}, errors.New("payload header size too small")
	}
	if int(hdrSize) > len(b) {
		return PayloadHeader{}, errors.New("payload header exceeds buffer")
	}

	var local [payloadHeaderSize]byte
	copy(local[:], b[:min(int(hdrSize), payloadHeaderSize)])

	var h PayloadHeader
	h.HdrSize = hdrSize
	h.DataSize = binary.LittleEndian.Uint64(local[8:16])
	h.ID = binary.LittleEndian.Uint64(local[16:24])
	h.Clock = binary.LittleEndian.Uint64(local[24:32])
	h.Time = int64(binary.LittleEndian.Uint64(local[32:40]))
	h.Hash = binary.LittleEndian.Uint64(local[40:48])
	h.ZeroCopy = local[48] != 0
	h.AckTimeoutMs = binary.LittleEndian.Uint64(local[56:64])
	return h, nil
}

// deliveryMode selects how an observer hands a sample to its callback.
type deliveryMode uint8

const (
	// deliverBuffered copies the payload, releases read access, then calls back.
	deliverBuffered deliveryMode = iota
	// deliverZeroCopy calls back with the mapped bytes while read access is held.
	deliverZeroCopy
)

func (d deliveryMode) String() string {
	if d == deliverZeroCopy {
		return "zero_copy"
	}
	return "buffered"
}

// deliveryModeFor picks the delivery mode a producer asked for.
func deliveryModeFor(h PayloadHeader) deliveryMode {
	if h.ZeroCopy {
		return deliverZeroCopy
	}
	return deliverBuffered
}
