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
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	lastNameStamp atomic.Int64
	eventIDSeq    atomic.Uint64
)

// nextNameStamp returns a microsecond timestamp strictly greater than any
// previously returned one in this process.
func nextNameStamp() int64 {
	for {
		now := time.Now().UnixMicro()
		last := lastNameStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastNameStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// BuildMemFileName returns a fresh writer segment name "<base>_<micros>".
// Every call yields a new name, so a recreated channel never reuses one.
func BuildMemFileName(base string) string {
	return base + "_" + strconv.FormatInt(nextNameStamp(), 10)
}

// EventName returns the name of the event a writer sets for processID.
func EventName(memfile, processID string) string {
	return memfile + "_" + processID
}

// AckEventName returns the name of the event processID sets to acknowledge.
func AckEventName(memfile, processID string) string {
	return EventName(memfile, processID) + "_ack"
}

// PayloadMemFileName returns the satellite memfile name for a broadcast event id.
func PayloadMemFileName(broadcast string, eventID uint64) string {
	return broadcast + "_" + strconv.FormatUint(eventID, 10)
}

// NewEventID returns an id that is unique across processes on this host with
// overwhelming probability.
func NewEventID() uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(os.Getpid()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:24], eventIDSeq.Add(1))
	return xxhash.Sum64(buf[:])
}
