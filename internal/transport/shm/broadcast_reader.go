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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/localbus/shmbus/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const defaultPayloadCacheSize = 256

// BroadcastCallback receives the current content of a payload memfile.
type BroadcastCallback func(eventID uint64, data []byte, timestamp int64)

// BroadcastReaderOptions configures a MemoryFileBroadcastReader.
type BroadcastReaderOptions struct {
	Loopback bool
	// CacheSize bounds the payload memfiles held open; the least recently
	// used one is closed when it is exceeded.
	CacheSize int
}

// MemoryFileBroadcastReader turns broadcast records into payload deliveries.
type MemoryFileBroadcastReader struct {
	broadcast *MemoryFileBroadcast
	opts      BroadcastReaderOptions
	payloads  *lru.Cache[uint64, *MemFile]
}

// NewMemoryFileBroadcastReader returns a reader on b.
func NewMemoryFileBroadcastReader(b *MemoryFileBroadcast, opts BroadcastReaderOptions) (*MemoryFileBroadcastReader, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultPayloadCacheSize
	}
	cache, err := lru.NewWithEvict(opts.CacheSize, func(id uint64, mf *MemFile) {
		mf.Destroy(false)
		telemetry.BroadcastPayloadMemfiles.Dec()
	})
	if err != nil {
		return nil, fmt.Errorf("payload memfile cache: %w", err)
	}
	return &MemoryFileBroadcastReader{broadcast: b, opts: opts, payloads: cache}, nil
}

// Read receives pending records and calls cb once per updated event id with
// the payload's current content. Only the newest record per id counts.
func (r *MemoryFileBroadcastReader) Read(timeout time.Duration, cb BroadcastCallback) bool {
	msgs, ok := r.broadcast.ReceiveEvents(timeout, r.opts.Loopback)
	if !ok {
		return false
	}

	seen := make(map[uint64]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.EventID]; dup {
			continue
		}
		seen[m.EventID] = struct{}{}

		switch m.Type {
		case EventRemoved:
			r.payloads.Remove(m.EventID)
		case EventCreated:
			r.payload(m.EventID)
		case EventUpdated:
			mf := r.payload(m.EventID)
			if mf == nil {
				continue
			}
			if data, ok := r.copyPayload(mf, timeout); ok && cb != nil {
				cb(m.EventID, data, m.Timestamp)
			}
		}
	}
	return true
}

// payload returns the open payload memfile for id, opening it on first use.
func (r *MemoryFileBroadcastReader) payload(id uint64) *MemFile {
	if mf, ok := r.payloads.Get(id); ok {
		return mf
	}
	name := PayloadMemFileName(r.broadcast.Name(), id)
	mf, err := CreateMemFile(name, true, 0, MemFileOptions{
		Registry:     r.broadcast.Registry(),
		AutoSanitize: r.broadcast.opts.AutoSanitize,
	})
	if err != nil {
		log.Warn().Err(err).Str("memfile", name).Msg("Cannot open payload memfile")
		return nil
	}
	r.payloads.Add(id, mf)
	telemetry.BroadcastPayloadMemfiles.Inc()
	return mf
}

func (r *MemoryFileBroadcastReader) copyPayload(mf *MemFile, timeout time.Duration) ([]byte, bool) {
	if !mf.GetReadAccess(timeout) {
		return nil, false
	}
	defer mf.ReleaseReadAccess()

	data, err := mf.ReadBuffer()
	if err != nil {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Len returns the number of payload memfiles held open.
func (r *MemoryFileBroadcastReader) Len() int {
	return r.payloads.Len()
}

// Close closes every payload memfile.
func (r *MemoryFileBroadcastReader) Close() {
	r.payloads.Purge()
}
