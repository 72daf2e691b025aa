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

import "encoding/binary"

// BroadcastEventType classifies a broadcast record.
type BroadcastEventType uint32

const (
	EventNone BroadcastEventType = iota
	EventCreated
	EventRemoved
	EventUpdated
)

func (t BroadcastEventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	default:
		return "none"
	}
}

// broadcastMessageSize is the packed record size:
// process id u32, timestamp i64, event id u64, type u32.
const broadcastMessageSize = 24

// BroadcastMessage is one record of the broadcast queue.
type BroadcastMessage struct {
	ProcessID uint32
	// Timestamp in unix microseconds, strictly increasing within a queue.
	Timestamp int64
	EventID   uint64
	Type      BroadcastEventType
}

// broadcastCodec stores BroadcastMessage records packed and little endian.
var broadcastCodec = RecordCodec[BroadcastMessage]{
	RecordSize: broadcastMessageSize,
	Encode: func(dst []byte, m BroadcastMessage) {
		binary.LittleEndian.PutUint32(dst[0:4], m.ProcessID)
		binary.LittleEndian.PutUint64(dst[4:12], uint64(m.Timestamp))
		binary.LittleEndian.PutUint64(dst[12:20], m.EventID)
		binary.LittleEndian.PutUint32(dst[20:24], uint32(m.Type))
	},
	Decode: func(src []byte) BroadcastMessage {
		return BroadcastMessage{
			ProcessID: binary.LittleEndian.Uint32(src[0:4]),
			Timestamp: int64(binary.LittleEndian.Uint64(src[4:12])),
			EventID:   binary.LittleEndian.Uint64(src[12:20]),
			Type:      BroadcastEventType(binary.LittleEndian.Uint32(src[20:24])),
		}
	},
}
