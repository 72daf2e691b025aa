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
	"path/filepath"
	"strings"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog/log"
)

// segmentFilePrefix is prepended to every file backing a segment, mutex or event.
const segmentFilePrefix = "shmbus_"

// segmentInfo is one mapped segment file. Several handles in this process may
// share it; it is unmapped when the last one releases it.
type segmentInfo struct {
	name          string
	path          string
	file          *os.File
	mem           mmap.MMap
	refs          int
	removePending bool
}

// size returns the number of mapped bytes.
func (s *segmentInfo) size() int {
	return len(s.mem)
}

// Registry is the process-wide table of mapped segments, keyed by name.
// Handles that open the same name share a single mapping.
type Registry struct {
	dir string

	mu       sync.Mutex
	segments map[string]*segmentInfo
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// NewRegistry creates a registry whose segment files live in dir. An empty dir
// selects /dev/shm when available and the temp dir otherwise.
func NewRegistry(dir string) *Registry {
	if dir == "" {
		dir = defaultSegmentDir()
	}
	return &Registry{
		dir:      dir,
		segments: make(map[string]*segmentInfo),
	}
}

// DefaultRegistry returns the registry used when options leave Registry nil.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("")
	})
	return defaultRegistry
}

func registryOrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}

// Dir returns the directory holding the segment files.
func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the file path backing the named segment.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dir, segmentFilePrefix+sanitizeName(name))
}

// Len returns the number of segments currently mapped through the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

// Exists reports whether a segment file with the given name exists.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(r.Path(name))
	return err == nil
}

// Remove unlinks the named segment file. Existing mappings stay valid.
func (r *Registry) Remove(name string) error {
	err := os.Remove(r.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// acquire maps the named segment, creating the backing file if create is set.
// A new file is grown to at least size bytes; an existing file is mapped at
// its current size, which must be at least minSize bytes.
func (r *Registry) acquire(name string, create bool, size, minSize int) (*segmentInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// An existing mapping is shared as is; growing it is left to the caller
	// because that needs the segment mutex.
	if info, ok := r.segments[name]; ok {
		info.refs++
		return info, nil
	}

	path := r.Path(name)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	fileSize := int(st.Size())
	if create && fileSize < size {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to resize segment file: %w", err)
		}
		fileSize = size
	}
	if fileSize < minSize || fileSize == 0 {
		file.Close()
		return nil, fmt.Errorf("segment file %s too small: %d bytes", path, fileSize)
	}

	mem, err := mmap.MapRegion(file, fileSize, mmap.RDWR, 0, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	info := &segmentInfo{
		name: name,
		path: path,
		file: file,
		mem:  mem,
		refs: 1,
	}
	r.segments[name] = info

	log.Debug().Str("segment", name).Int("size", fileSize).Bool("create", create).Msg("Mapped segment")
	return info, nil
}

// grow extends the backing file to at least size bytes and remaps it. The
// caller must hold the segment's mutex so nobody reads the old mapping.
func (r *Registry) grow(info *segmentInfo, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.growLocked(info, size)
}

func (r *Registry) growLocked(info *segmentInfo, size int) error {
	if info.file == nil {
		return ErrNotCreated
	}
	st, err := info.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment file: %w", err)
	}
	if int(st.Size()) < size {
		if err := info.file.Truncate(int64(size)); err != nil {
			return fmt.Errorf("failed to resize segment file: %w", err)
		}
	}
	return r.remapLocked(info, size)
}

// refresh remaps the segment when another process grew the backing file
// beyond want bytes.
func (r *Registry) refresh(info *segmentInfo, want int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.size() >= want {
		return nil
	}
	if info.file == nil {
		return ErrNotCreated
	}
	st, err := info.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment file: %w", err)
	}
	if int(st.Size()) < want {
		return fmt.Errorf("segment file %s is %d bytes, header requires %d", info.path, st.Size(), want)
	}
	return r.remapLocked(info, int(st.Size()))
}

func (r *Registry) remapLocked(info *segmentInfo, size int) error {
	if info.size() >= size {
		return nil
	}
	mem, err := mmap.MapRegion(info.file, size, mmap.RDWR, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to remap segment: %w", err)
	}
	if err := info.mem.Unmap(); err != nil {
		log.Warn().Err(err).Str("segment", info.name).Msg("Failed to unmap previous mapping")
	}
	log.Debug().Str("segment", info.name).Int("old_size", info.size()).Int("new_size", size).Msg("Remapped segment")
	info.mem = mem
	return nil
}

// release drops one reference. The mapping is torn down when the count
// reaches zero, and the file is unlinked if any releaser asked for removal.
func (r *Registry) release(info *segmentInfo, remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if remove {
		info.removePending = true
	}
	info.refs--
	if info.refs > 0 {
		return nil
	}

	delete(r.segments, info.name)

	var firstErr error
	if info.mem != nil {
		if err := info.mem.Unmap(); err != nil {
			firstErr = fmt.Errorf("munmap failed: %w", err)
		}
		info.mem = nil
	}
	if info.file != nil {
		if err := info.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		info.file = nil
	}
	if info.removePending {
		if err := os.Remove(info.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	log.Debug().Str("segment", info.name).Bool("removed", info.removePending).Msg("Released segment")
	return firstErr
}

// defaultSegmentDir returns /dev/shm when available and the temp dir otherwise.
func defaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// nameEscaper percent-escapes path separators. The escape character is
// escaped too, so distinct names always map to distinct files.
var nameEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C")

// sanitizeName maps a segment name onto a single path element.
func sanitizeName(name string) string {
	return nameEscaper.Replace(name)
}
