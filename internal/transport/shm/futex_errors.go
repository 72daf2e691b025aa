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

import "errors"

var (
	// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
	ErrFutexTimeout = errors.New("futex timeout")

	// ErrUnsupported is returned when the platform has no futex support.
	ErrUnsupported = errors.New("futex operations not supported on this platform")

	// ErrNotCreated is returned by operations on a memfile, event or channel
	// that was never created or was already destroyed.
	ErrNotCreated = errors.New("shm: object not created")

	// ErrCapacity indicates a write that does not fit the mapped capacity.
	ErrCapacity = errors.New("shm: payload exceeds capacity")

	// ErrAccessTimeout indicates the segment mutex could not be acquired in time.
	ErrAccessTimeout = errors.New("shm: access timeout")

	// ErrInvalidHeader is returned when a mapping does not carry a valid header.
	ErrInvalidHeader = errors.New("shm: invalid segment header")
)
