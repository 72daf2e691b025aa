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
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestRegistry returns a registry over a private directory so tests never
// see each other's segments. Mappings left open fail the test.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	reg := NewRegistry(t.TempDir())
	t.Cleanup(func() {
		if n := reg.Len(); n != 0 {
			t.Errorf("%d segments still mapped after test", n)
		}
	})
	return reg
}

// uniqueName returns a segment name unique to this test run.
func uniqueName(t *testing.T, base string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

// createTestMemFile creates a memfile with a unique name and destroys it when
// the test ends.
func createTestMemFile(t *testing.T, reg *Registry, base string, length uint64) *MemFile {
	t.Helper()

	mf, err := CreateMemFile(uniqueName(t, base), true, length, MemFileOptions{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() {
		mf.Destroy(true)
	})
	return mf
}

// openTestMemFile opens an existing memfile through reg.
func openTestMemFile(t *testing.T, reg *Registry, name string) *MemFile {
	t.Helper()

	mf, err := CreateMemFile(name, false, 0, MemFileOptions{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() {
		mf.Destroy(false)
	})
	return mf
}

// writeAll writes data as the whole payload of mf.
func writeAll(t *testing.T, mf *MemFile, data []byte) {
	t.Helper()

	require.True(t, mf.GetWriteAccess(time.Second))
	defer mf.ReleaseWriteAccess()
	buf, err := mf.WriteBuffer(uint64(len(data)))
	require.NoError(t, err)
	copy(buf, data)
}

// readAll copies the whole payload of mf.
func readAll(t *testing.T, mf *MemFile) []byte {
	t.Helper()

	require.True(t, mf.GetReadAccess(time.Second))
	defer mf.ReleaseReadAccess()
	data, err := mf.ReadBuffer()
	require.NoError(t, err)
	return append([]byte(nil), data...)
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) uint32 {
	t.Helper()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	pid := uint32(cmd.Process.Pid)
	require.False(t, processAlive(pid), "pid %d was reused", pid)
	return pid
}
