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
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// MemoryFileBroadcastWriter publishes a payload memfile announced on a
// broadcast: Bind creates it, Write updates it, Unbind removes it.
type MemoryFileBroadcastWriter struct {
	broadcast *MemoryFileBroadcast
	eventID   uint64
	memfile   *MemFile
}

// NewMemoryFileBroadcastWriter returns an unbound writer on b.
func NewMemoryFileBroadcastWriter(b *MemoryFileBroadcast) *MemoryFileBroadcastWriter {
	return &MemoryFileBroadcastWriter{broadcast: b}
}

// EventID returns the id of the bound payload memfile, zero when unbound.
func (w *MemoryFileBroadcastWriter) EventID() uint64 {
	return w.eventID
}

// Bind creates a payload memfile under a fresh event id and announces it.
func (w *MemoryFileBroadcastWriter) Bind() error {
	if w.memfile != nil {
		return nil
	}
	id := NewEventID()
	name := PayloadMemFileName(w.broadcast.Name(), id)
	mf, err := CreateMemFile(name, true, 0, MemFileOptions{
		Registry:     w.broadcast.Registry(),
		AutoSanitize: w.broadcast.opts.AutoSanitize,
	})
	if err != nil {
		return fmt.Errorf("bind payload memfile: %w", err)
	}
	w.eventID, w.memfile = id, mf

	if !w.broadcast.SendEvent(id, EventCreated) {
		w.memfile.Destroy(true)
		w.eventID, w.memfile = 0, nil
		return fmt.Errorf("announce payload memfile %s: %w", name, ErrAccessTimeout)
	}
	log.Debug().Str("memfile", name).Uint64("event_id", id).Msg("Payload memfile bound")
	return nil
}

// Write replaces the payload and announces the update.
func (w *MemoryFileBroadcastWriter) Write(data []byte) error {
	if w.memfile == nil {
		return errors.New("payload writer not bound")
	}
	if !w.memfile.GetWriteAccess(w.broadcast.opts.AccessTimeout) {
		return fmt.Errorf("payload memfile %s: %w", w.memfile.Name(), ErrAccessTimeout)
	}
	buf, err := w.memfile.WriteBuffer(uint64(len(data)))
	if err == nil {
		copy(buf, data)
	}
	w.memfile.ReleaseWriteAccess()
	if err != nil {
		return err
	}

	if !w.broadcast.SendEvent(w.eventID, EventUpdated) {
		return fmt.Errorf("announce payload update: %w", ErrAccessTimeout)
	}
	return nil
}

// Unbind announces the removal and deletes the payload memfile.
func (w *MemoryFileBroadcastWriter) Unbind() error {
	if w.memfile == nil {
		return nil
	}
	sent := w.broadcast.SendEvent(w.eventID, EventRemoved)
	err := w.memfile.Destroy(true)
	w.eventID, w.memfile = 0, nil
	if !sent {
		return fmt.Errorf("announce payload removal: %w", ErrAccessTimeout)
	}
	return err
}
