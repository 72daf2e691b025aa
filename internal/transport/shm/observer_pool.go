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
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const defaultCleanupInterval = time.Second

// PoolOptions configures a MemFileThreadPool.
type PoolOptions struct {
	Observer        ObserverOptions
	CleanupInterval time.Duration
}

// MemFileThreadPool runs one observer per segment name and removes observers
// that stopped, typically because their writer went quiet.
type MemFileThreadPool struct {
	opts      PoolOptions
	observers *xsync.MapOf[string, *MemFileObserver]

	stopped  atomic.Bool
	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewMemFileThreadPool returns a pool with its cleanup goroutine running.
func NewMemFileThreadPool(opts PoolOptions) *MemFileThreadPool {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	opts.Observer = opts.Observer.withDefaults()

	p := &MemFileThreadPool{
		opts:      opts,
		observers: xsync.NewMapOf[string, *MemFileObserver](),
		quit:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// ObserveFile starts observing the segment name, woken by eventName, or, if
// an observer for name is already running, resets its inactivity timeout.
// It returns false if the segment cannot be opened or the pool is stopped.
func (p *MemFileThreadPool) ObserveFile(name, eventName string, timeout time.Duration, cb DataCallback) bool {
	if p.stopped.Load() || name == "" || cb == nil {
		return false
	}

	ok := true
	p.observers.Compute(name, func(old *MemFileObserver, loaded bool) (*MemFileObserver, bool) {
		if p.stopped.Load() {
			ok = false
			return old, !loaded
		}
		if loaded && old.IsObserving() {
			old.ResetTimeout()
			return old, false
		}
		if loaded {
			old.Destroy()
		}

		o := NewMemFileObserver(p.opts.Observer)
		if err := o.Create(name, eventName); err != nil {
			log.Warn().Err(err).Str("memfile", name).Msg("Cannot observe memfile")
			ok = false
			return nil, true
		}
		if err := o.Start(timeout, cb); err != nil {
			o.Destroy()
			ok = false
			return nil, true
		}
		return o, false
	})
	return ok
}

// Len returns the number of observers currently held by the pool.
func (p *MemFileThreadPool) Len() int {
	return p.observers.Size()
}

// IsObserving reports whether an observer for name is running.
func (p *MemFileThreadPool) IsObserving(name string) bool {
	o, ok := p.observers.Load(name)
	return ok && o.IsObserving()
}

func (p *MemFileThreadPool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes and joins observers that are no longer observing.
func (p *MemFileThreadPool) cleanup() int {
	var idle []string
	p.observers.Range(func(name string, o *MemFileObserver) bool {
		if !o.IsObserving() {
			idle = append(idle, name)
		}
		return true
	})

	removed := 0
	for _, name := range idle {
		p.observers.Compute(name, func(old *MemFileObserver, loaded bool) (*MemFileObserver, bool) {
			if !loaded || old.IsObserving() {
				return old, !loaded
			}
			old.Destroy()
			removed++
			return nil, true
		})
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", p.observers.Size()).Msg("Removed idle observers")
	}
	return removed
}

// Stop stops every observer, joins their goroutines and the cleanup
// goroutine. No callback runs after Stop returns.
func (p *MemFileThreadPool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.quit)
		p.wg.Wait()

		p.observers.Range(func(_ string, o *MemFileObserver) bool {
			o.Stop()
			return true
		})
		p.observers.Range(func(name string, o *MemFileObserver) bool {
			o.Destroy()
			p.observers.Delete(name)
			return true
		})
		log.Debug().Msg("Observer pool stopped")
	})
}
