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

// Package shm is the same-host shared memory transport of shmbus.
//
// A writer publishes samples through a SyncMemFile: a MemFile (a named,
// mutex guarded mapping under /dev/shm) holding the latest payload behind a
// small header, plus one NamedEvent pair per connected reader process. The
// reader side runs a MemFileObserver per writer, usually through a
// MemFileThreadPool, and receives each sample with a strictly increasing
// clock through a callback, either in place (zero-copy) or copied.
//
// Lifecycle events travel over a MemoryFileBroadcast, a RelocatableQueue of
// fixed size records in one well known segment shared by every process of a
// registration domain. MemoryFileBroadcastWriter and MemoryFileBroadcastReader
// attach satellite payload memfiles to broadcast event ids.
//
// All segments are mapped through a Registry that reference counts mappings
// per name. Named primitives are futex words in small shared files, so
// blocking is only supported on Linux.
package shm
