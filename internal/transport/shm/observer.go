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
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/localbus/shmbus/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// DataCallback receives one sample. data must not be retained after the
// callback returns: zero-copy samples point into the mapped segment and
// buffered samples reuse the observer's buffer.
// The return value is the number of bytes consumed.
type DataCallback func(data []byte, id, clock uint64, timestamp int64, hash uint64) int

// ObserverOptions tunes a MemFileObserver.
type ObserverOptions struct {
	Registry      *Registry
	PollInterval  time.Duration
	AccessTimeout time.Duration
	// VerifyHash drops samples whose payload does not match the header hash.
	VerifyHash bool
}

const (
	defaultPollInterval  = 20 * time.Millisecond
	defaultAccessTimeout = 100 * time.Millisecond
)

func (o ObserverOptions) withDefaults() ObserverOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.AccessTimeout <= 0 {
		o.AccessTimeout = defaultAccessTimeout
	}
	o.Registry = registryOrDefault(o.Registry)
	return o
}

// MemFileObserver watches one writer segment and delivers every new sample
// to a callback from its own goroutine.
type MemFileObserver struct {
	opts ObserverOptions

	memfile *MemFile
	send    *NamedEvent
	ack     *NamedEvent

	observing atomic.Bool
	stop      atomic.Bool
	idle      atomic.Int64 // nanoseconds since the last signal
	done      chan struct{}

	// loop goroutine only
	lastClock uint64
	hasLast   bool
	buf       []byte
}

// NewMemFileObserver returns an observer that is not attached to a segment.
func NewMemFileObserver(opts ObserverOptions) *MemFileObserver {
	return &MemFileObserver{opts: opts.withDefaults()}
}

// Create opens the writer segment name and the event pair eventName /
// eventName+"_ack" the writer signals for this reader.
func (o *MemFileObserver) Create(name, eventName string) error {
	if o.memfile != nil {
		return nil
	}
	mf, err := CreateMemFile(name, false, 0, MemFileOptions{
		Registry:      o.opts.Registry,
		CreateTimeout: o.opts.AccessTimeout,
	})
	if err != nil {
		return err
	}
	send, err := OpenNamedEvent(o.opts.Registry, eventName)
	if err != nil {
		mf.Destroy(false)
		return err
	}
	ack, err := OpenNamedEvent(o.opts.Registry, eventName+"_ack")
	if err != nil {
		send.Close(false)
		mf.Destroy(false)
		return err
	}

	o.memfile, o.send, o.ack = mf, send, ack
	return nil
}

// Name returns the observed segment name.
func (o *MemFileObserver) Name() string {
	if o.memfile == nil {
		return ""
	}
	return o.memfile.Name()
}

// Start launches the observation goroutine. It exits when Stop is called or
// when no signal arrived for longer than timeout. A non-positive timeout
// observes until stopped.
func (o *MemFileObserver) Start(timeout time.Duration, cb DataCallback) error {
	if o.memfile == nil {
		return ErrNotCreated
	}
	if !o.observing.CompareAndSwap(false, true) {
		return nil
	}
	o.stop.Store(false)
	o.idle.Store(0)
	o.done = make(chan struct{})

	telemetry.ActiveObservers.Inc()
	log.Debug().Str("memfile", o.Name()).Dur("timeout", timeout).Msg("Observer started")

	go o.loop(timeout, cb, o.done)
	return nil
}

func (o *MemFileObserver) loop(timeout time.Duration, cb DataCallback, done chan struct{}) {
	defer func() {
		o.observing.Store(false)
		telemetry.ActiveObservers.Dec()
		log.Debug().Str("memfile", o.Name()).Msg("Observer stopped")
		close(done)
	}()

	for !o.stop.Load() {
		if !o.send.Wait(o.opts.PollInterval) {
			idle := o.idle.Add(int64(o.opts.PollInterval))
			if timeout > 0 && time.Duration(idle) > timeout {
				log.Debug().Str("memfile", o.Name()).Dur("timeout", timeout).Msg("Writer inactive, observer exiting")
				return
			}
			continue
		}
		if o.stop.Load() {
			return
		}
		o.idle.Store(0)
		o.readSample(cb)
	}
}

// readSample delivers the current sample if its clock advanced.
func (o *MemFileObserver) readSample(cb DataCallback) {
	if !o.memfile.GetReadAccess(o.opts.AccessTimeout) {
		return
	}
	released := false
	release := func() {
		if !released {
			o.memfile.ReleaseReadAccess()
			released = true
		}
	}
	defer release()

	raw, err := o.memfile.ReadBuffer()
	if err != nil || len(raw) < payloadHeaderSize {
		return
	}
	hdr, err := DecodePayloadHeader(raw)
	if err != nil {
		log.Warn().Err(err).Str("memfile", o.Name()).Msg("Invalid payload header")
		return
	}

	if o.hasLast && hdr.Clock <= o.lastClock {
		telemetry.ObserverStaleSamplesTotal.Inc()
		return
	}

	start := uint64(hdr.HdrSize)
	if start > uint64(len(raw)) || hdr.DataSize > uint64(len(raw))-start {
		log.Warn().Str("memfile", o.Name()).Uint64("size", hdr.DataSize).Msg("Payload exceeds segment content")
		return
	}
	data := raw[start : start+hdr.DataSize]
	if o.opts.VerifyHash && xxhash.Sum64(data) != hdr.Hash {
		log.Warn().Str("memfile", o.Name()).Uint64("clock", hdr.Clock).Msg("Payload hash mismatch, sample dropped")
		return
	}
	// Only a sample that is delivered consumes its clock.
	o.lastClock, o.hasLast = hdr.Clock, true

	mode := deliveryModeFor(hdr)
	switch mode {
	case deliverZeroCopy:
		cb(data, hdr.ID, hdr.Clock, hdr.Time, hdr.Hash)
		release()
	case deliverBuffered:
		o.buf = append(o.buf[:0], data...)
		release()
		cb(o.buf, hdr.ID, hdr.Clock, hdr.Time, hdr.Hash)
	}
	telemetry.ObserverDeliveriesTotal.With(mode.String()).Inc()

	if hdr.AckTimeoutMs > 0 {
		o.ack.Set()
	}
}

// Stop asks the goroutine to exit and wakes it. It does not wait; use Join.
func (o *MemFileObserver) Stop() {
	if o.send == nil {
		return
	}
	o.stop.Store(true)
	o.send.Set()
}

// Join waits for the observation goroutine to exit.
func (o *MemFileObserver) Join() {
	if done := o.done; done != nil {
		<-done
	}
}

// IsObserving reports whether the observation goroutine is running.
func (o *MemFileObserver) IsObserving() bool {
	return o.observing.Load()
}

// ResetTimeout restarts the inactivity countdown.
func (o *MemFileObserver) ResetTimeout() {
	o.idle.Store(0)
}

// Destroy stops the observer, waits for it and closes all handles.
func (o *MemFileObserver) Destroy() {
	o.Stop()
	o.Join()

	if o.memfile != nil {
		o.memfile.Destroy(false)
		o.memfile = nil
	}
	if o.send != nil {
		o.send.Close(false)
		o.send = nil
	}
	if o.ack != nil {
		o.ack.Close(false)
		o.ack = nil
	}
}
